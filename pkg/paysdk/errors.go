package paysdk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried in the "error" field of non-2xx response bodies.
const (
	ErrorCodeInvalidToken     = "invalid_token"
	ErrorCodeInvalidGrant     = "invalid_grant"
	ErrorCodeInvalidPIN       = "invalid_pin"
	ErrorCodeLocked           = "locked"
	ErrorCodePINNotConfigured = "pin_not_configured"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeServerError      = "server_error"
	ErrorCodeMalformedLockout = "malformed_lockout"
)

// APIError is the fallback error for responses that do not map to a more
// specific variant. It also represents lock responses whose timestamp could
// not be parsed; callers treat those as transient.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.StatusCode)
}

// AuthError reports that the access credential was missing, invalid, expired
// or revoked. The session layer recovers from this by refreshing once and
// replaying the request; it is never surfaced for a request that already
// carried a freshly refreshed credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed: %s", e.Message)
}

// InvalidPINError reports a failed PIN verification. LockedUntil is non-nil
// when this failure tripped the server-side lock; the timestamp is the
// server's authoritative value and must not be recomputed locally.
type InvalidPINError struct {
	Message     string
	LockedUntil *time.Time
}

func (e *InvalidPINError) Error() string {
	if e.LockedUntil != nil {
		return fmt.Sprintf("invalid pin, locked until %s: %s", e.LockedUntil.Format(time.RFC3339), e.Message)
	}
	return fmt.Sprintf("invalid pin: %s", e.Message)
}

// LockoutError reports that PIN verification is refused because the account
// is already locked. LockedUntil is the server's authoritative unlock time.
type LockoutError struct {
	Message     string
	LockedUntil time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("locked until %s: %s", e.LockedUntil.Format(time.RFC3339), e.Message)
}

// ValidationError reports a user-correctable 400-class failure, e.g. a PIN
// that has not been configured yet. It never counts as a lockout attempt.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RateLimitError reports a 429. Transient; the caller should retry shortly.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ServerFault reports a 5xx. Surfaced verbatim, never auto-retried.
type ServerFault struct {
	StatusCode int
	Message    string
}

func (e *ServerFault) Error() string {
	return fmt.Sprintf("server fault (status %d): %s", e.StatusCode, e.Message)
}

// parseAPIError classifies a non-2xx response into the closed error set.
// Classification happens exactly once, here; downstream logic matches on the
// returned types with errors.As instead of re-inspecting status codes.
func parseAPIError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var wire errorResponse
	_ = json.Unmarshal(body, &wire) // empty bodies fall through to defaults

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if wire.Code == ErrorCodeInvalidPIN {
			return parsePINFailure(wire)
		}
		return &AuthError{Message: defaultMessage(wire.Message, "invalid or expired credential")}

	case resp.StatusCode == http.StatusLocked:
		lockedUntil, err := parseLockTimestamp(wire.LockedUntil)
		if err != nil {
			return &APIError{
				StatusCode: resp.StatusCode,
				Code:       ErrorCodeMalformedLockout,
				Message:    fmt.Sprintf("lock response carried unusable timestamp %q", wire.LockedUntil),
			}
		}
		return &LockoutError{
			Message:     defaultMessage(wire.Message, "verification is locked"),
			LockedUntil: lockedUntil,
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ValidationError{
			Code:    defaultMessage(wire.Code, "invalid_request"),
			Message: defaultMessage(wire.Message, "the request is malformed"),
		}

	case resp.StatusCode >= 500:
		return &ServerFault{
			StatusCode: resp.StatusCode,
			Message:    defaultMessage(wire.Message, http.StatusText(resp.StatusCode)),
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       defaultMessage(wire.Code, ErrorCodeServerError),
		Message:    defaultMessage(wire.Message, http.StatusText(resp.StatusCode)),
	}
}

// parsePINFailure builds an InvalidPINError from a 401 invalid_pin body.
// A failure that just tripped the lock carries locked_until; if that
// timestamp is present but unusable the whole response is downgraded to a
// transient APIError so callers never enter a locked state with an invalid
// time.
func parsePINFailure(wire errorResponse) error {
	if wire.LockedUntil == "" {
		return &InvalidPINError{Message: defaultMessage(wire.Message, "incorrect pin")}
	}

	lockedUntil, err := parseLockTimestamp(wire.LockedUntil)
	if err != nil {
		return &APIError{
			StatusCode: http.StatusUnauthorized,
			Code:       ErrorCodeMalformedLockout,
			Message:    fmt.Sprintf("lock response carried unusable timestamp %q", wire.LockedUntil),
		}
	}

	return &InvalidPINError{
		Message:     defaultMessage(wire.Message, "incorrect pin"),
		LockedUntil: &lockedUntil,
	}
}

func parseLockTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing locked_until timestamp")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed locked_until timestamp: %w", err)
	}
	return t, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func defaultMessage(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
