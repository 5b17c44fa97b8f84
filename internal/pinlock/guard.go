// Package pinlock gates sensitive actions behind the transaction PIN and
// keeps the brute-force lockout accounting on the device.
//
// The server decides when a lock triggers and for how long; this package
// never invents a lock duration. What it owns is everything the server
// cannot see: counting failed attempts for the "last attempt" warning,
// refusing to even reach the network while a lock is active or while a
// duplicate submission is in flight, persisting that state across process
// restarts, and running the unlock countdown.
package pinlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visagepay/visage-go/internal/domain"
	"github.com/visagepay/visage-go/internal/store"
	"github.com/visagepay/visage-go/pkg/paysdk"
)

const (
	// MaxAttempts mirrors the backend's attempt budget and drives only the
	// "last attempt" warning. The lock itself is always server-issued.
	MaxAttempts = 3

	// duplicateWindow suppresses re-submission of the identical PIN. Every
	// server call counts as an attempt, so a double-tap must not reach the
	// network twice.
	duplicateWindow = 2 * time.Second

	defaultTick = time.Second
)

// Errors returned by Verify without touching the network.
var (
	ErrVerifyInProgress    = errors.New("pinlock: verification already in progress")
	ErrDuplicateSubmission = errors.New("pinlock: identical pin submitted moments ago")
)

// LockedError reports that verification is refused until the server-issued
// unlock time.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("pinlock: locked until %s", e.Until.Format(time.RFC3339))
}

// AttemptFailedError reports a wrong PIN that did not trip the lock.
type AttemptFailedError struct {
	Message string
	// AttemptsRemaining is the local estimate of attempts left before the
	// server is expected to lock. Zero means the estimate is exhausted but
	// the server has not locked yet.
	AttemptsRemaining int
	// LastAttemptWarning is set when exactly one attempt remains.
	LastAttemptWarning bool
}

func (e *AttemptFailedError) Error() string {
	return fmt.Sprintf("pinlock: %s (%d attempts remaining)", e.Message, e.AttemptsRemaining)
}

// Verifier is the slice of the payment SDK the guard needs.
type Verifier interface {
	VerifyPIN(ctx context.Context, pin string) error
}

// Status is a point-in-time view of the guard for the UI layer.
type Status struct {
	Locked         bool
	LockedUntil    *time.Time
	Remaining      time.Duration
	FailedAttempts int
}

// Config collects the guard's dependencies and hooks.
type Config struct {
	Verifier Verifier
	Repo     store.LockoutStates
	Logger   *slog.Logger

	// OnFailureCue fires on every rejected verification except rate
	// limiting (the platform maps it to a shake or vibration). Hooks are
	// invoked with no internal locks held, so they may call Status.
	OnFailureCue func()

	// OnCountdown fires roughly once per tick while locked, with the time
	// remaining.
	OnCountdown func(remaining time.Duration)

	// OnUnlocked fires when a lock lapses naturally.
	OnUnlocked func()

	// Tick overrides the countdown interval. Zero means one second.
	Tick time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Guard is the PIN lockout state machine. All methods are safe for
// concurrent use; at most one verification runs at a time.
type Guard struct {
	verifier Verifier
	repo     store.LockoutStates
	logger   *slog.Logger

	onFailureCue func()
	onCountdown  func(time.Duration)
	onUnlocked   func()

	tick time.Duration
	now  func() time.Time

	mu             sync.Mutex
	failedAttempts int
	lockedUntil    *time.Time
	verifying      bool
	lastPin        string
	lastPinAt      time.Time
	countdownStop  chan struct{}
}

// NewGuard builds a guard, reloading any persisted lockout state. A
// persisted lock whose unlock time has already passed is cleared before use.
func NewGuard(ctx context.Context, cfg Config) (*Guard, error) {
	g := &Guard{
		verifier:     cfg.Verifier,
		repo:         cfg.Repo,
		logger:       cfg.Logger,
		onFailureCue: cfg.OnFailureCue,
		onCountdown:  cfg.OnCountdown,
		onUnlocked:   cfg.OnUnlocked,
		tick:         cfg.Tick,
		now:          cfg.Now,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.tick <= 0 {
		g.tick = defaultTick
	}
	if g.now == nil {
		g.now = time.Now
	}

	state, err := g.repo.Get(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First run; nothing recorded yet.
	case err != nil:
		return nil, fmt.Errorf("failed to load lockout state: %w", err)
	case state.Expired(g.now()):
		if err := g.repo.Clear(ctx); err != nil {
			g.logger.Warn("failed to clear expired lockout state", "error", err)
		}
	default:
		g.failedAttempts = state.FailedAttempts
		g.lockedUntil = state.LockedUntil
		if state.Locked(g.now()) {
			g.startCountdownLocked()
		}
	}

	return g, nil
}

// Verify submits the PIN for server verification, subject to the local
// guards. A nil return means the PIN was accepted and the lockout state was
// cleared. See the package errors and paysdk's typed errors for the failure
// modes.
func (g *Guard) Verify(ctx context.Context, pin string) error {
	now := g.now()

	g.mu.Lock()
	if g.lockedUntil != nil {
		if now.Before(*g.lockedUntil) {
			until := *g.lockedUntil
			g.mu.Unlock()
			g.cue()
			return &LockedError{Until: until}
		}
		// The lock lapsed while nobody was looking (device slept past the
		// countdown). Clear before proceeding.
		g.clearLockedLocked(ctx)
	}
	if g.verifying {
		g.mu.Unlock()
		g.cue()
		return ErrVerifyInProgress
	}
	if pin == g.lastPin && now.Sub(g.lastPinAt) < duplicateWindow {
		g.mu.Unlock()
		g.cue()
		return ErrDuplicateSubmission
	}
	g.verifying = true
	g.lastPin = pin
	g.lastPinAt = now
	g.mu.Unlock()

	err := g.verifier.VerifyPIN(ctx, pin)

	g.mu.Lock()
	g.verifying = false
	out := g.applyOutcome(ctx, err)
	g.mu.Unlock()

	if shouldCue(out) {
		g.cue()
	}
	return out
}

// shouldCue reports whether a verification outcome warrants the failure
// cue. Rate limiting is the one rejection without it.
func shouldCue(err error) bool {
	if err == nil {
		return false
	}
	var rateErr *paysdk.RateLimitError
	return !errors.As(err, &rateErr)
}

// applyOutcome maps the verification result onto the state machine. Called
// with g.mu held; it must not invoke hooks, which fire in Verify once the
// lock is released so a hook may read Status without wedging the guard.
func (g *Guard) applyOutcome(ctx context.Context, err error) error {
	if err == nil {
		g.clearLockedLocked(ctx)
		g.lastPin = ""
		return nil
	}

	var pinErr *paysdk.InvalidPINError
	if errors.As(err, &pinErr) {
		if pinErr.LockedUntil != nil {
			// This failure tripped the server lock. Adopt the server's
			// timestamp verbatim.
			g.adoptLockLocked(ctx, *pinErr.LockedUntil)
			return &LockedError{Until: *pinErr.LockedUntil}
		}

		g.failedAttempts++
		g.persistLocked(ctx)

		remaining := MaxAttempts - g.failedAttempts
		if remaining < 0 {
			remaining = 0
		}
		return &AttemptFailedError{
			Message:            pinErr.Message,
			AttemptsRemaining:  remaining,
			LastAttemptWarning: remaining == 1,
		}
	}

	var lockErr *paysdk.LockoutError
	if errors.As(err, &lockErr) {
		// Already locked server-side: our countdown was stale (typically
		// after time in the background). Re-synchronize to the
		// authoritative value.
		g.adoptLockLocked(ctx, lockErr.LockedUntil)
		return &LockedError{Until: lockErr.LockedUntil}
	}

	// Rate limits, validation failures, server faults, malformed lock
	// payloads, network failures: surfaced verbatim, never counted as
	// attempts.
	return err
}

// Refresh re-derives the locked status from the wall clock. Call on screen
// mount and on return to foreground; a lock that lapsed while the app was
// away is cleared here rather than trusted blindly.
func (g *Guard) Refresh(ctx context.Context) {
	g.mu.Lock()
	if g.lockedUntil == nil {
		g.mu.Unlock()
		return
	}
	if !g.now().Before(*g.lockedUntil) {
		g.clearLockedLocked(ctx)
		unlocked := g.onUnlocked
		g.mu.Unlock()
		if unlocked != nil {
			unlocked()
		}
		return
	}
	if g.countdownStop == nil {
		g.startCountdownLocked()
	}
	g.mu.Unlock()
}

// Status reports the current state for the UI.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := Status{FailedAttempts: g.failedAttempts}
	if g.lockedUntil != nil && now.Before(*g.lockedUntil) {
		until := *g.lockedUntil
		st.Locked = true
		st.LockedUntil = &until
		st.Remaining = until.Sub(now)
	}
	return st
}

// Close stops the countdown. The persisted state is left intact so a
// restart resumes it.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopCountdownLocked()
}

// adoptLockLocked records a server-issued lock and starts the countdown.
// Called with g.mu held.
func (g *Guard) adoptLockLocked(ctx context.Context, until time.Time) {
	g.lockedUntil = &until
	g.persistLocked(ctx)
	g.startCountdownLocked()
}

// clearLockedLocked resets the machine to idle. Called with g.mu held.
func (g *Guard) clearLockedLocked(ctx context.Context) {
	g.failedAttempts = 0
	g.lockedUntil = nil
	g.stopCountdownLocked()
	if err := g.repo.Clear(ctx); err != nil {
		g.logger.Warn("failed to clear lockout state", "error", err)
	}
}

// persistLocked mirrors the in-memory state to durable storage. Storage
// errors are logged, not propagated: the verification outcome already
// happened and must reach the caller regardless. Called with g.mu held.
func (g *Guard) persistLocked(ctx context.Context) {
	state := domain.LockoutState{
		FailedAttempts: g.failedAttempts,
		LockedUntil:    g.lockedUntil,
		UpdatedAt:      g.now().UTC(),
	}
	if err := g.repo.Put(ctx, state); err != nil {
		g.logger.Warn("failed to persist lockout state", "error", err)
	}
}

// startCountdownLocked launches the 1-second countdown worker, replacing
// any running one. Called with g.mu held and g.lockedUntil set.
func (g *Guard) startCountdownLocked() {
	g.stopCountdownLocked()

	stop := make(chan struct{})
	g.countdownStop = stop
	until := *g.lockedUntil

	go g.runCountdown(stop, until)
}

// stopCountdownLocked cancels the countdown worker. Called with g.mu held.
// Leaking the worker would be a correctness bug, not just a resource leak: a
// stale countdown firing after a resync could clear a still-active lock.
func (g *Guard) stopCountdownLocked() {
	if g.countdownStop != nil {
		close(g.countdownStop)
		g.countdownStop = nil
	}
}

func (g *Guard) runCountdown(stop chan struct{}, until time.Time) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			remaining := until.Sub(g.now())
			if remaining > 0 {
				if g.onCountdown != nil {
					g.onCountdown(remaining)
				}
				continue
			}

			g.mu.Lock()
			// Only clear if this worker is still current; a resync may
			// have replaced the lock (and the worker) since the tick fired.
			if g.countdownStop == stop {
				g.countdownStop = nil
				g.clearLockedLocked(context.Background())
				g.mu.Unlock()
				if g.onUnlocked != nil {
					g.onUnlocked()
				}
			} else {
				g.mu.Unlock()
			}
			return
		}
	}
}

func (g *Guard) cue() {
	if g.onFailureCue != nil {
		g.onFailureCue()
	}
}
