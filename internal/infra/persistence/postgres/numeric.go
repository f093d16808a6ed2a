package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal string into a
// pgtype.Numeric, leaving empty input NULL.
func numericFromOptional(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, nil
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}
