// Package app wires the agent together: configuration, logging, the local
// store, the payment SDK session, the PIN lockout guard, the payment
// request sync loop and the housekeeping schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/visagepay/visage-go/internal/config"
	"github.com/visagepay/visage-go/internal/domain"
	"github.com/visagepay/visage-go/internal/notify"
	"github.com/visagepay/visage-go/internal/paysync"
	"github.com/visagepay/visage-go/internal/pinlock"
	"github.com/visagepay/visage-go/internal/store"
	"github.com/visagepay/visage-go/internal/store/sqlite"
	"github.com/visagepay/visage-go/pkg/cryptox"
	"github.com/visagepay/visage-go/pkg/paysdk"
	"github.com/visagepay/visage-go/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application is the assembled agent.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sqlite.Store
	client     *paysdk.SDKClient
	dispatcher notify.Dispatcher
	amqp       *notify.AMQPDispatcher // nil when dispatching to the log

	session *paysdk.Session
	guard   *pinlock.Guard
	syncer  *paysync.Syncer

	housekeeping *cron.Cron

	// expiredCh is signalled when the session dies and the user has to
	// authenticate again.
	expiredCh chan struct{}
}

// New builds the application. A previously persisted session is restored
// when one exists; otherwise the caller must Login before Run can sync.
func New(cfg *config.Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "visage-agent",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		expiredCh: make(chan struct{}, 1),
	}

	if cfg.StorageKeyFile != "" {
		cryptox.SetStorageKeyPath(cfg.StorageKeyFile)
	}

	db, err := sqlite.NewStore(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.ApplyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	app.db = db

	app.client = paysdk.NewSDKClient(cfg.BaseURL)
	app.initDispatcher()

	if err := app.restoreSession(context.Background()); err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

// initDispatcher picks the broker dispatcher when one is configured and
// falls back to logging otherwise.
func (app *Application) initDispatcher() {
	if app.cfg.AMQPURL == "" {
		app.dispatcher = &notify.SlogDispatcher{Logger: app.logger}
		return
	}
	amqpDispatcher, err := notify.NewAMQPDispatcher(app.cfg.AMQPURL, app.cfg.NotifyExchange)
	if err != nil {
		app.logger.Warn("broker unavailable, logging notifications instead", "error", err)
		app.dispatcher = &notify.SlogDispatcher{Logger: app.logger}
		return
	}
	app.amqp = amqpDispatcher
	app.dispatcher = amqpDispatcher
}

// restoreSession loads the persisted credential pair and rebuilds the
// session from it. A missing or empty record is not an error, and neither
// is an unreadable one: a record sealed under a rotated or lost storage key
// is dropped so the agent falls back to login instead of refusing to start.
func (app *Application) restoreSession(ctx context.Context) error {
	record, err := app.db.Sessions().Get(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		app.logger.Info("no persisted session, login required")
		return nil
	case err != nil:
		app.logger.Warn("persisted session unreadable, dropping it", "error", err)
		if err := app.db.Sessions().Delete(ctx); err != nil {
			app.logger.Error("failed to drop unreadable session record", "error", err)
		}
		return nil
	case !record.Valid():
		return nil
	}

	session := app.client.NewSessionFromTokens(record.AccessCredential, record.RefreshCredential)
	if err := app.adoptSession(session); err != nil {
		return err
	}
	app.logger.Info("session restored", "updated_at", record.UpdatedAt)
	return nil
}

// Login authenticates the device and replaces any current session.
func (app *Application) Login(ctx context.Context, faceToken string) error {
	session, err := app.client.Login(ctx, app.cfg.DeviceID, faceToken)
	if err != nil {
		return err
	}

	app.teardownSession()
	return app.adoptSession(session)
}

// adoptSession hooks persistence and expiry handling onto the session and
// builds the subsystems that depend on it.
func (app *Application) adoptSession(session *paysdk.Session) error {
	session.OnTokens = func(accessToken, refreshToken string) {
		err := app.db.Sessions().Put(context.Background(), domain.Session{
			AccessCredential:  accessToken,
			RefreshCredential: refreshToken,
		})
		if err != nil {
			app.logger.Error("failed to persist session", "error", err)
		}
	}
	session.OnExpired = func() {
		app.logger.Warn("session expired, re-authentication required")
		if err := app.db.Sessions().Delete(context.Background()); err != nil {
			app.logger.Error("failed to clear persisted session", "error", err)
		}
		select {
		case app.expiredCh <- struct{}{}:
		default:
		}
	}
	app.session = session

	guard, err := pinlock.NewGuard(context.Background(), pinlock.Config{
		Verifier: session,
		Repo:     app.db.LockoutStates(),
		Logger:   app.logger,
	})
	if err != nil {
		session.Close()
		app.session = nil
		return fmt.Errorf("failed to restore lockout state: %w", err)
	}
	app.guard = guard

	app.syncer = paysync.New(paysync.Config{
		API:        session,
		Dispatcher: app.dispatcher,
		Logger:     app.logger,
		Interval:   app.cfg.PollInterval,
	})
	return nil
}

// Guard exposes the PIN lockout guard to the UI layer.
func (app *Application) Guard() *pinlock.Guard { return app.guard }

// Syncer exposes the payment request sync loop, for foreground and
// background transitions.
func (app *Application) Syncer() *paysync.Syncer { return app.syncer }

// Run starts the background work and blocks until a shutdown signal
// arrives or the session expires.
func (app *Application) Run(ctx context.Context) error {
	if app.session == nil {
		return errors.New("no session: login before running")
	}

	app.startHousekeeping()

	go app.syncer.Run(ctx)
	app.logger.Info("agent started",
		"poll_interval", app.cfg.PollInterval,
		"database", app.cfg.DatabaseFile,
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case <-ctx.Done():
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig.String())
	case <-app.expiredCh:
		app.logger.Info("stopping after session expiry")
	}

	app.Close()
	return nil
}

// startHousekeeping schedules the nightly cleanup of stale local records.
func (app *Application) startHousekeeping() {
	app.housekeeping = cron.New()
	_, err := app.housekeeping.AddFunc(app.cfg.HousekeepingSchedule, app.pruneStaleRecords)
	if err != nil {
		app.logger.Error("invalid housekeeping schedule, cleanup disabled",
			"schedule", app.cfg.HousekeepingSchedule,
			"error", err,
		)
		return
	}
	app.housekeeping.Start()
}

// pruneStaleRecords drops a persisted lockout record whose lock has long
// lapsed. The guard clears these on startup too; the job covers agents
// that stay up across days.
func (app *Application) pruneStaleRecords() {
	ctx := context.Background()
	state, err := app.db.LockoutStates().Get(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		app.logger.Warn("housekeeping: failed to read lockout state", "error", err)
		return
	}
	if !state.Expired(time.Now()) {
		return
	}
	if err := app.db.LockoutStates().Clear(ctx); err != nil {
		app.logger.Warn("housekeeping: failed to clear lockout state", "error", err)
		return
	}
	app.logger.Info("housekeeping: cleared lapsed lockout record")
}

// Logout destroys the session and every subsystem bound to it.
func (app *Application) Logout(ctx context.Context) error {
	app.teardownSession()
	if err := app.db.Sessions().Delete(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	app.logger.Info("logged out")
	return nil
}

func (app *Application) teardownSession() {
	if app.syncer != nil {
		app.syncer.Close()
		app.syncer = nil
	}
	if app.guard != nil {
		app.guard.Close()
		app.guard = nil
	}
	if app.session != nil {
		app.session.Close()
		app.session = nil
	}
}

// Close releases every resource. Safe to call after a partial New.
// Teardown of background work (a running housekeeping job, an in-flight
// poll cycle) is bounded by the shutdown grace period; whatever is still
// running after that is abandoned, since the process is exiting anyway.
func (app *Application) Close() {
	grace := app.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if app.housekeeping != nil {
			<-app.housekeeping.Stop().Done()
			app.housekeeping = nil
		}
		app.teardownSession()
	}()
	select {
	case <-done:
	case <-time.After(grace):
		app.logger.Warn("shutdown grace period elapsed with background work still running",
			"grace", grace.String(),
		)
	}
	if app.amqp != nil {
		if err := app.amqp.Close(); err != nil {
			app.logger.Warn("failed to close broker connection", "error", err)
		}
		app.amqp = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn("failed to close local store", "error", err)
		}
		app.db = nil
	}
}
