// Package errs provides structured error types and classification helpers for mrmarket services.
package errs

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// Code identifies an exchange-facing error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a venue-side failure such as insufficient funds.
	CodeExchange Code = "exchange_error"
	// CodeInsufficientBalance indicates insufficient balance for the requested operation.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// maxSanitizedMessageLen bounds messages copied into audit events so venue
// payloads cannot leak secrets or blow up outbox rows.
const maxSanitizedMessageLen = 500

// E captures structured error information produced across the stack.
type E struct {
	Venue     string
	Code      Code
	HTTP      int
	RawCode   string
	Message   string
	Retryable bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Retryable: code == CodeNetwork || code == CodeRateLimited,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryable overrides the retryability derived from the code.
func WithRetryable(retryable bool) Option {
	return func(e *E) {
		e.Retryable = retryable
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Classification is the stable, audit-safe summary of a failure. It is what
// saga steps and intent execution persist into outbox events.
type Classification struct {
	// ErrorCode is a stable greppable code for dashboards.
	ErrorCode string
	// Retryable reports whether workers may safely retry (idempotency still required).
	Retryable bool
	// Category is the high-level ops bucket.
	Category string
	// Message is the sanitized, truncated source message.
	Message string
}

// Category values reported by Classify.
const (
	CategoryNetwork    = "NETWORK"
	CategoryRateLimit  = "RATE_LIMIT"
	CategoryValidation = "VALIDATION"
	CategoryExchange   = "EXCHANGE"
	CategoryUnknown    = "UNKNOWN"
)

// Classify maps an arbitrary error onto the trade error taxonomy.
//
// Rate limiting is checked before generic network classification because some
// venues surface rate-limit failures as network-level errors.
func Classify(err error) Classification {
	message := Sanitize(err)

	var envelope *E
	if errors.As(err, &envelope) {
		switch envelope.Code {
		case CodeRateLimited:
			return Classification{ErrorCode: "EXCHANGE_RATE_LIMITED", Retryable: true, Category: CategoryRateLimit, Message: message}
		case CodeNetwork:
			return Classification{ErrorCode: "EXCHANGE_NETWORK_ERROR", Retryable: true, Category: CategoryNetwork, Message: message}
		case CodeInvalid:
			return Classification{ErrorCode: "EXCHANGE_INVALID_REQUEST", Retryable: false, Category: CategoryValidation, Message: message}
		case CodeInsufficientBalance:
			return Classification{ErrorCode: "EXCHANGE_INSUFFICIENT_FUNDS", Retryable: false, Category: CategoryExchange, Message: message}
		case CodeExchange, CodeConflict, CodeNotFound:
			return Classification{ErrorCode: "EXCHANGE_ERROR", Retryable: false, Category: CategoryExchange, Message: message}
		}
	}

	if isTransportError(err) {
		return Classification{ErrorCode: "EXCHANGE_NETWORK_ERROR", Retryable: true, Category: CategoryNetwork, Message: message}
	}

	return Classification{ErrorCode: "UNKNOWN", Retryable: false, Category: CategoryUnknown, Message: message}
}

// Retryable reports whether the error is safe to retry per the taxonomy.
func Retryable(err error) bool {
	return Classify(err).Retryable
}

// Sanitize truncates an error message for audit storage.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	runes := []rune(msg)
	if len(runes) <= maxSanitizedMessageLen {
		return msg
	}
	return string(runes[:maxSanitizedMessageLen]) + "…"
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
