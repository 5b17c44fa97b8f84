package paysdk

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// ListPaymentRequests fetches the recent payment requests for this account,
// including ones that resolved since the previous fetch. The resolved
// entries are what lets a poller diff state transitions against its last
// snapshot.
func (s *Session) ListPaymentRequests(ctx context.Context) ([]PaymentRequest, error) {
	var out listPaymentRequestsResponse
	if err := s.getJSON(ctx, "/v1/payment-requests?window=recent", &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// ListAutoPayRules fetches the account's auto-pay rules.
func (s *Session) ListAutoPayRules(ctx context.Context) ([]AutoPayRule, error) {
	var out listAutoPayRulesResponse
	if err := s.getJSON(ctx, "/v1/autopay/rules", &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// ApprovePaymentRequest approves a pending payment request. The generated
// idempotency key makes a replayed approval safe against double-charging;
// the dedupe itself is enforced by the backend.
func (s *Session) ApprovePaymentRequest(ctx context.Context, requestID string) error {
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	path := "/v1/payment-requests/" + url.PathEscape(requestID) + "/approve"
	return s.postJSON(ctx, path, nil, headers, http.StatusOK)
}

// DeclinePaymentRequest declines a pending payment request.
func (s *Session) DeclinePaymentRequest(ctx context.Context, requestID, reason string) error {
	var payload any
	if reason != "" {
		payload = map[string]string{"reason": reason}
	}
	path := "/v1/payment-requests/" + url.PathEscape(requestID) + "/decline"
	return s.postJSON(ctx, path, payload, nil, http.StatusOK)
}
