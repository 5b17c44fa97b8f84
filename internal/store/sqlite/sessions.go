package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/visagepay/visage-go/internal/domain"
	"github.com/visagepay/visage-go/pkg/cryptox"
)

// sessionsRepo stores the credential pair as a sealed blob so tokens are
// never written to disk in the clear.
type sessionsRepo struct {
	db *sql.DB
}

func (r *sessionsRepo) Get(ctx context.Context) (domain.Session, error) {
	var sealed []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE id = 1`,
	).Scan(&sealed)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}

	record, err := cryptox.Open(sealed)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to unseal session record: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(record, &s); err != nil {
		return domain.Session{}, fmt.Errorf("failed to decode session record: %w", err)
	}
	return s, nil
}

func (r *sessionsRepo) Put(ctx context.Context, s domain.Session) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	sealed, err := cryptox.Seal(record)
	if err != nil {
		return fmt.Errorf("failed to seal session record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, record, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		sealed, s.UpdatedAt,
	)
	return err
}

func (r *sessionsRepo) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = 1`)
	return err
}
