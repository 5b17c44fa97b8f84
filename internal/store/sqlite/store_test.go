package sqlite_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/visagepay/visage-go/internal/domain"
	"github.com/visagepay/visage-go/internal/store"
	"github.com/visagepay/visage-go/internal/store/sqlite"
	"github.com/visagepay/visage-go/pkg/cryptox"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	os.Setenv("VISAGE_STORAGE_KEY", "store-test-key")
	t.Cleanup(func() {
		os.Unsetenv("VISAGE_STORAGE_KEY")
		cryptox.ResetStorageKeyForTesting()
	})

	dsn := "file:" + t.TempDir() + "/core.db?_busy_timeout=5000&_journal_mode=WAL"
	s, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func TestSessionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Sessions().Get(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	want := domain.Session{
		AccessCredential:  "access-1",
		RefreshCredential: "refresh-1",
		UpdatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Sessions().Put(ctx, want))

	got, err := s.Sessions().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, want.AccessCredential, got.AccessCredential)
	require.Equal(t, want.RefreshCredential, got.RefreshCredential)

	// Overwrite replaces the single record.
	want.AccessCredential = "access-2"
	require.NoError(t, s.Sessions().Put(ctx, want))
	got, err = s.Sessions().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessCredential)

	require.NoError(t, s.Sessions().Delete(ctx))
	_, err = s.Sessions().Get(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting an absent record is not an error.
	require.NoError(t, s.Sessions().Delete(ctx))
}

func TestSessionRecordSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sessions().Put(ctx, domain.Session{
		AccessCredential:  "super-secret-access",
		RefreshCredential: "super-secret-refresh",
	}))

	// Reset the key: the sealed blob must no longer open.
	cryptox.ResetStorageKeyForTesting()
	os.Setenv("VISAGE_STORAGE_KEY", "a-different-key")

	_, err := s.Sessions().Get(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unseal")
}

func TestLockoutStatesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LockoutStates().Get(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	lockedUntil := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second)
	want := domain.LockoutState{
		FailedAttempts: 3,
		LockedUntil:    &lockedUntil,
	}
	require.NoError(t, s.LockoutStates().Put(ctx, want))

	got, err := s.LockoutStates().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, got.FailedAttempts)
	require.NotNil(t, got.LockedUntil)
	require.True(t, got.LockedUntil.Equal(lockedUntil), "stored lock time must round-trip exactly")

	require.NoError(t, s.LockoutStates().Clear(ctx))
	_, err = s.LockoutStates().Get(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockoutStateWithoutLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LockoutStates().Put(ctx, domain.LockoutState{FailedAttempts: 1}))

	got, err := s.LockoutStates().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.FailedAttempts)
	require.Nil(t, got.LockedUntil)
	require.False(t, got.Locked(time.Now()))
}
