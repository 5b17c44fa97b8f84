package store

import (
	"context"
	"errors"

	"github.com/visagepay/visage-go/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

// Store is the root data access interface for the client core's durable
// local state. Concrete drivers (sqlite today) implement this. Each
// sub-repository has exactly one owning subsystem: the session layer writes
// Sessions, the PIN lockout guard writes LockoutStates, and neither touches
// the other's records.
type Store interface {
	Sessions() Sessions
	LockoutStates() LockoutStates

	ApplyMigrations() error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Sessions persists the device credential pair. The record is sealed at
// rest; callers see only the decoded domain type.
type Sessions interface {
	// Get returns the stored session, or ErrNotFound when the device has
	// never logged in (or was logged out).
	Get(ctx context.Context) (domain.Session, error)

	// Put replaces the stored session.
	Put(ctx context.Context, s domain.Session) error

	// Delete removes the stored session. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context) error
}

// LockoutStates persists the PIN lockout record so attempt counting and an
// active lock survive process restarts.
type LockoutStates interface {
	// Get returns the stored lockout state, or ErrNotFound when none has
	// been recorded.
	Get(ctx context.Context) (domain.LockoutState, error)

	// Put replaces the stored lockout state.
	Put(ctx context.Context, l domain.LockoutState) error

	// Clear removes the stored lockout state. Clearing an absent record is
	// not an error.
	Clear(ctx context.Context) error
}
