package paysdk

import "time"

// RequestStatus enumerates the lifecycle states of a payment request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDeclined RequestStatus = "declined"
	StatusExpired  RequestStatus = "expired"
	StatusFailed   RequestStatus = "failed"
)

// Terminal reports whether the status is a resolved end state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// UserResolved reports whether the terminal state was reached by an approval
// or decline, as opposed to merchant-side cancellation, expiry, or failure.
func (s RequestStatus) UserResolved() bool {
	return s == StatusApproved || s == StatusDeclined
}

// PaymentRequest is a single merchant-initiated payment request as returned
// by the service. Amounts are in minor currency units to avoid
// floating-point inaccuracies with money.
type PaymentRequest struct {
	ID           string        `json:"id"`
	Status       RequestStatus `json:"status"`
	MerchantID   string        `json:"merchant_id"`
	MerchantName string        `json:"merchant_name"`
	BusinessName string        `json:"business_name,omitempty"`
	Amount       int64         `json:"amount"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DisplayName resolves the name shown to the user, preferring the registered
// business name over the raw merchant identifier string.
func (r PaymentRequest) DisplayName() string {
	if r.BusinessName != "" {
		return r.BusinessName
	}
	return r.MerchantName
}

// AutoPayRule is a user-configured policy authorizing automatic approval of
// payment requests from a specific merchant up to a maximum amount.
type AutoPayRule struct {
	MerchantID      string `json:"merchant_id"`
	MerchantName    string `json:"merchant_name"`
	BusinessName    string `json:"business_name,omitempty"`
	Enabled         bool   `json:"is_enabled"`
	MaxAmount       *int64 `json:"max_amount,omitempty"`
	PaymentMethodID string `json:"payment_method_id"`
}

// DisplayName resolves the rule's merchant name the same way
// PaymentRequest.DisplayName does so the two compare consistently.
func (a AutoPayRule) DisplayName() string {
	if a.BusinessName != "" {
		return a.BusinessName
	}
	return a.MerchantName
}

// TokenResponse is the credential pair returned by the login and refresh
// endpoints. RefreshToken may be empty on refresh when the service does not
// rotate refresh credentials.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// listPaymentRequestsResponse wraps the payment request listing.
type listPaymentRequestsResponse struct {
	Requests []PaymentRequest `json:"requests"`
}

// listAutoPayRulesResponse wraps the auto-pay rule listing.
type listAutoPayRulesResponse struct {
	Rules []AutoPayRule `json:"rules"`
}

// errorResponse is the wire shape of every non-2xx response body.
type errorResponse struct {
	Code        string `json:"error"`
	Message     string `json:"message"`
	LockedUntil string `json:"locked_until,omitempty"`
}
