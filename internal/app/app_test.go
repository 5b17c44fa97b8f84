package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/visagepay/visage-go/internal/config"
	"github.com/visagepay/visage-go/internal/domain"
	"github.com/visagepay/visage-go/internal/notify"
	"github.com/visagepay/visage-go/internal/paysync"
	"github.com/visagepay/visage-go/internal/store"
	"github.com/visagepay/visage-go/internal/store/sqlite"
	"github.com/visagepay/visage-go/pkg/cryptox"
	"github.com/visagepay/visage-go/pkg/paysdk"
)

// Not parallel: the storage key is process-global.
func TestNewDropsUnreadableSessionRecord(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "visage.db")

	t.Setenv("VISAGE_STORAGE_KEY", "original-key")
	cryptox.ResetStorageKeyForTesting()
	t.Cleanup(cryptox.ResetStorageKeyForTesting)

	db, err := sqlite.NewStore(dbFile)
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations())
	require.NoError(t, db.Sessions().Put(context.Background(), domain.Session{
		AccessCredential:  "access",
		RefreshCredential: "refresh",
	}))
	require.NoError(t, db.Close())

	// The key rotated between runs; the sealed record can no longer be
	// opened.
	t.Setenv("VISAGE_STORAGE_KEY", "rotated-key")
	cryptox.ResetStorageKeyForTesting()

	application, err := New(&config.Config{
		BaseURL:      "https://api.visagepay.test",
		DeviceID:     "device-1",
		DatabaseFile: dbFile,
		PollInterval: time.Minute,
		LogLevel:     "error",
	})
	require.NoError(t, err, "an unreadable record must not prevent startup")
	t.Cleanup(application.Close)

	require.Nil(t, application.session, "login is required after the record is dropped")

	_, err = application.db.Sessions().Get(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound, "the unreadable record is removed")
}

// blockingAPI stalls the first poll cycle until released.
type blockingAPI struct {
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
}

func (b *blockingAPI) ListPaymentRequests(_ context.Context) ([]paysdk.PaymentRequest, error) {
	b.startedOnce.Do(func() { close(b.started) })
	<-b.release
	return nil, nil
}

func (b *blockingAPI) ListAutoPayRules(_ context.Context) ([]paysdk.AutoPayRule, error) {
	return nil, nil
}

func (b *blockingAPI) ApprovePaymentRequest(_ context.Context, _ string) error {
	return nil
}

func TestCloseBoundedByShutdownGracePeriod(t *testing.T) {
	api := &blockingAPI{started: make(chan struct{}), release: make(chan struct{})}
	defer close(api.release)

	syncer := paysync.New(paysync.Config{
		API:        api,
		Dispatcher: &notify.SlogDispatcher{Logger: slog.Default()},
		Interval:   time.Hour,
	})
	go syncer.Run(context.Background())

	select {
	case <-api.started:
	case <-time.After(2 * time.Second):
		t.Fatal("poll cycle never started")
	}

	application := &Application{
		cfg:    &config.Config{ShutdownGracePeriod: 50 * time.Millisecond},
		logger: slog.Default(),
		syncer: syncer,
	}

	start := time.Now()
	application.Close()
	require.Less(t, time.Since(start), 2*time.Second,
		"Close must give up on in-flight work once the grace period elapses")
}
