package domain

import "time"

// LockoutState is the persisted PIN lockout record. FailedAttempts counts
// consecutive wrong-PIN responses; LockedUntil is the server-issued unlock
// time, nil while no lock is active.
//
// Locked status is always re-derived from LockedUntil against the wall
// clock. A persisted "locked" flag would go stale the moment the process
// sleeps past the unlock time, so there isn't one.
type LockoutState struct {
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Locked reports whether the lock is active at the given instant.
func (l LockoutState) Locked(now time.Time) bool {
	return l.LockedUntil != nil && now.Before(*l.LockedUntil)
}

// Remaining returns the time left on the lock at the given instant, or zero
// when no lock is active.
func (l LockoutState) Remaining(now time.Time) time.Duration {
	if !l.Locked(now) {
		return 0
	}
	return l.LockedUntil.Sub(now)
}

// Expired reports whether a previously recorded lock has naturally lapsed.
func (l LockoutState) Expired(now time.Time) bool {
	return l.LockedUntil != nil && !now.Before(*l.LockedUntil)
}
