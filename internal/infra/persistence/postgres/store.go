// Package postgres provides pgx-backed implementations of the domain store
// contracts.
package postgres

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether the error is a Postgres unique-constraint
// violation. Idempotent inserts treat it as "already processed", never as a
// failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
