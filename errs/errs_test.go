package errs

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestNewDerivesRetryability(t *testing.T) {
	if !New("mexc", CodeNetwork).Retryable {
		t.Fatalf("network errors should be retryable")
	}
	if !New("mexc", CodeRateLimited).Retryable {
		t.Fatalf("rate-limited errors should be retryable")
	}
	if New("mexc", CodeInvalid).Retryable {
		t.Fatalf("invalid-request errors should not be retryable")
	}
	if New("mexc", CodeInsufficientBalance).Retryable {
		t.Fatalf("insufficient-balance errors should not be retryable")
	}
}

func TestErrorStringIncludesFields(t *testing.T) {
	err := New("mexc", CodeExchange,
		WithHTTP(503),
		WithRawCode("30004"),
		WithMessage("insufficient position"),
		WithCause(errors.New("boom")),
	)
	got := err.Error()
	for _, want := range []string{"venue=mexc", "code=exchange_error", "http=503", `raw_code="30004"`, `message="insufficient position"`, `cause="boom"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestClassifyRateLimitBeforeNetwork(t *testing.T) {
	// A rate-limit envelope wrapping a transport failure must still classify
	// as RATE_LIMIT, not NETWORK.
	cause := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := New("mexc", CodeRateLimited, WithCause(cause))

	c := Classify(err)
	if c.Category != CategoryRateLimit {
		t.Fatalf("category = %q, want %q", c.Category, CategoryRateLimit)
	}
	if c.ErrorCode != "EXCHANGE_RATE_LIMITED" {
		t.Fatalf("error code = %q", c.ErrorCode)
	}
	if !c.Retryable {
		t.Fatalf("rate-limited classification should be retryable")
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"op error", &net.OpError{Op: "read", Err: errors.New("reset")}},
		{"deadline", context.DeadlineExceeded},
		{"wrapped deadline", errors.Join(errors.New("fetch order"), context.DeadlineExceeded)},
	}
	for _, tc := range cases {
		c := Classify(tc.err)
		if c.Category != CategoryNetwork {
			t.Fatalf("%s: category = %q, want %q", tc.name, c.Category, CategoryNetwork)
		}
		if !c.Retryable {
			t.Fatalf("%s: transport errors must be retryable", tc.name)
		}
	}
}

func TestClassifyNonRetryableBuckets(t *testing.T) {
	cases := []struct {
		code     Code
		wantCode string
		wantCat  string
	}{
		{CodeInvalid, "EXCHANGE_INVALID_REQUEST", CategoryValidation},
		{CodeInsufficientBalance, "EXCHANGE_INSUFFICIENT_FUNDS", CategoryExchange},
		{CodeExchange, "EXCHANGE_ERROR", CategoryExchange},
	}
	for _, tc := range cases {
		c := Classify(New("mexc", tc.code))
		if c.ErrorCode != tc.wantCode || c.Category != tc.wantCat {
			t.Fatalf("code %s: got (%s,%s), want (%s,%s)", tc.code, c.ErrorCode, c.Category, tc.wantCode, tc.wantCat)
		}
		if c.Retryable {
			t.Fatalf("code %s must not be retryable", tc.code)
		}
	}
}

func TestClassifyUnknown(t *testing.T) {
	c := Classify(errors.New("something odd"))
	if c.Category != CategoryUnknown || c.ErrorCode != "UNKNOWN" || c.Retryable {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := Sanitize(errors.New(long))
	if len([]rune(got)) != maxSanitizedMessageLen+1 {
		t.Fatalf("sanitized length = %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected truncation marker")
	}
	if Sanitize(nil) != "" {
		t.Fatalf("nil error should sanitize to empty string")
	}
}
