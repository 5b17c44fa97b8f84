// Package paysync polls the backend for payment requests, diffs them
// against the previous cycle's pending set, auto-approves what the
// account's rules allow, and emits one notification per observed state
// transition.
package paysync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/visagepay/visage-go/internal/notify"
	"github.com/visagepay/visage-go/pkg/idx"
	"github.com/visagepay/visage-go/pkg/paysdk"
	"github.com/visagepay/visage-go/pkg/slogx"
)

const defaultInterval = 30 * time.Second

// ErrPollInProgress is returned by PollOnce when a previous cycle is still
// running. Overlapping cycles would double-report transitions, so the late
// caller is turned away rather than queued.
var ErrPollInProgress = errors.New("paysync: poll already in progress")

// PaymentsAPI is the slice of the payment SDK the syncer needs.
type PaymentsAPI interface {
	ListPaymentRequests(ctx context.Context) ([]paysdk.PaymentRequest, error)
	ListAutoPayRules(ctx context.Context) ([]paysdk.AutoPayRule, error)
	ApprovePaymentRequest(ctx context.Context, requestID string) error
}

// Config collects the syncer's dependencies and hooks.
type Config struct {
	API        PaymentsAPI
	Dispatcher notify.Dispatcher
	Logger     *slog.Logger

	// Interval between polls. Zero means thirty seconds.
	Interval time.Duration

	// OnUpdate fires at most once per cycle, after a diff that changed
	// the pending set. The UI uses it to refetch its request list.
	OnUpdate func()
}

// Syncer drives the polling loop. Run owns the schedule; PollOnce can also
// be called directly (on foreground, after a user action) and shares the
// same overlap guard.
type Syncer struct {
	api        PaymentsAPI
	dispatcher notify.Dispatcher
	logger     *slog.Logger
	interval   time.Duration
	onUpdate   func()

	// pollMu serializes cycles. TryLock makes the no-overlap rule
	// structural instead of relying on timer spacing.
	pollMu sync.Mutex

	// snapshot holds the pending requests from the last successful cycle,
	// keyed by request id. Guarded by pollMu.
	snapshot map[string]paysdk.PaymentRequest

	mu      sync.Mutex
	paused  bool
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kickCh  chan struct{}
}

func New(cfg Config) *Syncer {
	s := &Syncer{
		api:        cfg.API,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		onUpdate:   cfg.OnUpdate,
		snapshot:   make(map[string]paysdk.PaymentRequest),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		kickCh:     make(chan struct{}, 1),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	return s
}

// Run starts the polling loop with an immediate first cycle and blocks
// until Close is called. Call it from its own goroutine.
func (s *Syncer) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	defer close(s.doneCh)

	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.kickCh:
			// Resume wants an immediate cycle and a fresh schedule so
			// the next tick lands a full interval from now.
			ticker.Reset(s.interval)
			s.poll(ctx)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Pause suspends scheduled polling, for when the app is backgrounded. The
// loop keeps running but skips cycles until Resume.
func (s *Syncer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables polling and requests an immediate cycle.
func (s *Syncer) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Close tears the loop down and waits for any in-flight cycle to finish.
// Safe to call more than once.
func (s *Syncer) Close() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.doneCh
	}
}

// poll runs one scheduled cycle, honouring the paused flag and swallowing
// cycle errors so the loop survives them.
func (s *Syncer) poll(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}

	if err := s.PollOnce(ctx); err != nil && !errors.Is(err, ErrPollInProgress) {
		s.logger.Warn("poll cycle failed", "error", err)
	}
}

// PollOnce executes a single fetch-diff-dispatch cycle. The snapshot is
// replaced only after the whole cycle succeeds; a failed fetch leaves it
// untouched so the missed transitions are reported next time.
func (s *Syncer) PollOnce(ctx context.Context) error {
	if !s.pollMu.TryLock() {
		return ErrPollInProgress
	}
	defer s.pollMu.Unlock()

	pollID := idx.New()
	ctx = slogx.WithPollID(ctx, pollID.String())
	logger := s.logger.With("poll_id", pollID.String())

	var (
		wg       sync.WaitGroup
		requests []paysdk.PaymentRequest
		rules    []paysdk.AutoPayRule
		reqErr   error
		rulesErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		requests, reqErr = s.api.ListPaymentRequests(ctx)
	}()
	go func() {
		defer wg.Done()
		rules, rulesErr = s.api.ListAutoPayRules(ctx)
	}()
	wg.Wait()

	if reqErr != nil {
		return reqErr
	}
	if rulesErr != nil {
		return rulesErr
	}

	currentPending := make(map[string]paysdk.PaymentRequest)
	var newlyPending, resolvedAway []paysdk.PaymentRequest

	for _, req := range requests {
		switch {
		case req.Status == paysdk.StatusPending:
			currentPending[req.ID] = req
			if _, known := s.snapshot[req.ID]; !known {
				newlyPending = append(newlyPending, req)
			}
		case req.Status.Terminal():
			if _, known := s.snapshot[req.ID]; known {
				resolvedAway = append(resolvedAway, req)
			}
		}
	}

	for _, req := range resolvedAway {
		s.reportResolved(ctx, logger, req)
	}
	for _, req := range newlyPending {
		s.handleNewRequest(ctx, logger, req, rules)
	}

	changed := len(newlyPending) > 0 || len(resolvedAway) > 0
	s.snapshot = currentPending

	if changed {
		logger.Info("pending set changed",
			"new", len(newlyPending),
			"resolved", len(resolvedAway),
			"pending", len(currentPending),
		)
		if s.onUpdate != nil {
			s.onUpdate()
		}
	}
	return nil
}

// handleNewRequest evaluates auto-pay and dispatches exactly one
// notification for the request: auto_processed when a rule approved it,
// the manual payment_request notification otherwise. An approve failure
// falls back to the manual path rather than dropping the request.
func (s *Syncer) handleNewRequest(ctx context.Context, logger *slog.Logger, req paysdk.PaymentRequest, rules []paysdk.AutoPayRule) {
	if rule, ok := matchAutoPayRule(req, rules); ok {
		if err := s.api.ApprovePaymentRequest(ctx, req.ID); err != nil {
			logger.Warn("auto-pay approve failed, falling back to manual notification",
				"request_id", req.ID,
				"merchant", req.DisplayName(),
				"error", err,
			)
		} else {
			logger.Info("auto-pay approved request",
				"request_id", req.ID,
				"merchant", req.DisplayName(),
				"amount", req.Amount,
				"payment_method_id", rule.PaymentMethodID,
			)
			s.dispatch(ctx, logger, notify.New(notify.TypeAutoProcessed, req.DisplayName(), req.Amount, req.ID, ""))
			return
		}
	}
	s.dispatch(ctx, logger, notify.New(notify.TypePaymentRequest, req.DisplayName(), req.Amount, req.ID, ""))
}

// reportResolved dispatches the terminal-state notification, telling apart
// outcomes the user already caused from ones that happened server-side.
func (s *Syncer) reportResolved(ctx context.Context, logger *slog.Logger, req paysdk.PaymentRequest) {
	reason := notify.ReasonCancelled
	if req.Status.UserResolved() {
		reason = notify.ReasonCompleted
	}
	logger.Info("payment request resolved",
		"request_id", req.ID,
		"status", string(req.Status),
		"reason", reason,
	)
	s.dispatch(ctx, logger, notify.New(notify.TypeRequestResolved, req.DisplayName(), req.Amount, req.ID, reason))
}

func (s *Syncer) dispatch(ctx context.Context, logger *slog.Logger, n notify.Notification) {
	if err := s.dispatcher.Dispatch(ctx, n); err != nil {
		logger.Warn("notification dispatch failed",
			"notification_id", n.ID.String(),
			"type", n.Type,
			"error", err,
		)
	}
}

// matchAutoPayRule returns the first enabled rule whose display name
// equals the request's, case-insensitively, and whose max amount is set
// and covers the request. A rule without a max amount never matches.
func matchAutoPayRule(req paysdk.PaymentRequest, rules []paysdk.AutoPayRule) (paysdk.AutoPayRule, bool) {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !strings.EqualFold(rule.DisplayName(), req.DisplayName()) {
			continue
		}
		if rule.MaxAmount == nil || *rule.MaxAmount < req.Amount {
			continue
		}
		return rule, true
	}
	return paysdk.AutoPayRule{}, false
}
