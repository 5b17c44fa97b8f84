// Package notify defines the notification dispatch boundary of the client
// core. The core decides WHEN a notification fires (exactly once per
// observed state transition); delivering it to the platform's alerting
// surface is the dispatcher's problem.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/visagepay/visage-go/pkg/idx"
)

// Notification types emitted by the payment request sync loop.
const (
	TypePaymentRequest  = "payment_request"  // new pending request needing manual action
	TypeAutoProcessed   = "auto_processed"   // request approved by an auto-pay rule
	TypeRequestResolved = "request_resolved" // previously pending request reached a terminal state
)

// Resolution reasons carried on request_resolved notifications.
const (
	ReasonCompleted = "completed" // resolved by an approval or decline
	ReasonCancelled = "cancelled" // resolved without user action (expiry, merchant cancellation, failure)
)

// Notification is one user-facing alert. Amount is in minor currency units.
type Notification struct {
	ID           idx.ID    `json:"id"`
	Type         string    `json:"type"`
	MerchantName string    `json:"merchant_name"`
	Amount       int64     `json:"amount"`
	PaymentID    string    `json:"payment_id"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Dispatcher delivers notifications to the platform alerting surface.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// SlogDispatcher logs notifications instead of delivering them. It is the
// fallback when no broker is configured, and doubles as a dev-mode sink.
type SlogDispatcher struct {
	Logger *slog.Logger
}

func (d *SlogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.Logger.Info("notification",
		"id", n.ID.String(),
		"type", n.Type,
		"merchant", n.MerchantName,
		"amount", n.Amount,
		"payment_id", n.PaymentID,
		"reason", n.Reason,
	)
	return nil
}

// New stamps a notification with an id and timestamp.
func New(typ, merchantName string, amount int64, paymentID, reason string) Notification {
	return Notification{
		ID:           idx.New(),
		Type:         typ,
		MerchantName: merchantName,
		Amount:       amount,
		PaymentID:    paymentID,
		Reason:       reason,
		OccurredAt:   time.Now().UTC(),
	}
}
