package paysdk

import (
	"context"
	"net/http"
)

// VerifyPIN submits the transaction PIN for server-side verification.
//
// The service counts every submission as an attempt, so callers are expected
// to guard against duplicate submissions before calling this. A nil return
// means the PIN was accepted. Failures come back as the typed errors from
// this package:
//
//   - *InvalidPINError: wrong PIN; LockedUntil set when this attempt
//     tripped the lock
//   - *LockoutError: verification refused, account already locked
//   - *ValidationError: e.g. no PIN configured for this account
//   - *RateLimitError, *ServerFault, *APIError: transient or server-side
//     conditions that must not count as attempts
func (s *Session) VerifyPIN(ctx context.Context, pin string) error {
	payload := map[string]string{"pin": pin}
	return s.postJSON(ctx, "/v1/pin/verify", payload, nil, http.StatusOK)
}
