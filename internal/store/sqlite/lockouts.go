package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/visagepay/visage-go/internal/domain"
)

type lockoutsRepo struct {
	db *sql.DB
}

func (r *lockoutsRepo) Get(ctx context.Context) (domain.LockoutState, error) {
	var (
		attempts    int
		lockedUntil sql.NullTime
		updatedAt   time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT failed_attempts, locked_until, updated_at FROM lockout_states WHERE id = 1`,
	).Scan(&attempts, &lockedUntil, &updatedAt)
	if err != nil {
		return domain.LockoutState{}, mapNotFound(err)
	}

	state := domain.LockoutState{
		FailedAttempts: attempts,
		UpdatedAt:      updatedAt,
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		state.LockedUntil = &t
	}
	return state, nil
}

func (r *lockoutsRepo) Put(ctx context.Context, l domain.LockoutState) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}

	var lockedUntil sql.NullTime
	if l.LockedUntil != nil {
		lockedUntil = sql.NullTime{Time: *l.LockedUntil, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lockout_states (id, failed_attempts, locked_until, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			locked_until = excluded.locked_until,
			updated_at = excluded.updated_at`,
		l.FailedAttempts, lockedUntil, l.UpdatedAt,
	)
	return err
}

func (r *lockoutsRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM lockout_states WHERE id = 1`)
	return err
}
