package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/tasteshield/internal/cloudsync"
	"github.com/developingchet/tasteshield/internal/config"
	"github.com/developingchet/tasteshield/internal/history"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/developingchet/tasteshield/internal/pool"
	"github.com/developingchet/tasteshield/internal/protect"
	"github.com/developingchet/tasteshield/internal/remote"
	"github.com/developingchet/tasteshield/internal/rules"
	"github.com/developingchet/tasteshield/internal/scheduler"
	"github.com/developingchet/tasteshield/internal/shield"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Scheduled job names owned by the daemon.
const (
	JobTimeRules = "time-rules"
	JobJanitor   = "janitor"
)

// shutdownTimeout bounds the work done after the run context is cancelled.
const shutdownTimeout = 15 * time.Second

// ErrCredentialRevoked is returned by Run when the platform refresh token
// stops working. The persisted token has been cleared by then.
var ErrCredentialRevoked = errors.New("platform credential revoked")

// Daemon wires the shield tracker, rule engine, history reconciler,
// protector and sync gateway to the platform and the stores.
type Daemon struct {
	cfg       *config.Config
	client    platform.Client
	store     storage.Store
	repo      remote.Repository
	notifier  notify.Notifier
	profileID string
	log       zerolog.Logger

	tracker   *shield.Tracker
	book      *rules.Book
	engine    *rules.Engine
	protector *protect.Protector
	history   *history.Reconciler
	gateway   *cloudsync.Gateway
	uploads   *pool.Pool
	sched     *scheduler.Scheduler
	janitor   *Janitor

	revokeOnce sync.Once
	revoked    chan error
	ready      atomic.Bool
}

// New constructs a fully wired Daemon and restores persisted state. repo
// may be nil, in which case history upload and cloud sync are disabled.
func New(ctx context.Context, cfg *config.Config, client platform.Client, store storage.Store,
	repo remote.Repository, notifier notify.Notifier, log zerolog.Logger) (*Daemon, error) {

	if notifier == nil {
		notifier = notify.Nop{}
	}
	d := &Daemon{
		cfg:      cfg,
		client:   client,
		store:    store,
		repo:     repo,
		notifier: notifier,
		log:      log,
		revoked:  make(chan error, 1),
	}

	namer, err := protect.NewNamer(cfg.ExclusionNameTemplate, cfg.ExclusionDescription)
	if err != nil {
		return nil, fmt.Errorf("build namer: %w", err)
	}

	d.tracker = shield.NewTracker(store, notifier, shield.AutoDisable{
		Enabled:  cfg.ShieldAutoDisable,
		Duration: cfg.AutoDisableDuration(),
	}, log.With().Str("component", "shield").Logger())
	d.protector = protect.New(client, store, namer, notifier, log.With().Str("component", "protect").Logger())
	d.tracker.Subscribe(d.protector)
	if _, err := d.tracker.Load(); err != nil {
		return nil, fmt.Errorf("load shield sessions: %w", err)
	}

	d.book = rules.NewBook(store, log.With().Str("component", "rules").Logger())
	if err := d.book.Load(); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	d.engine = rules.NewEngine(d.book, d.tracker, client, notifier, d.handleRevoked,
		log.With().Str("component", "engine").Logger())

	var (
		remoteHistory history.RemoteSource
		uploader      history.Uploader
	)
	if repo != nil {
		user, err := client.FetchCurrentUser(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch current user: %w", err)
		}
		d.profileID, err = repo.EnsureUserProfile(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("ensure remote profile: %w", err)
		}
		log.Info().Str("profile_id", d.profileID).Msg("remote profile ready")

		d.uploads, err = pool.New(pool.Config{
			Workers:    cfg.UploadWorkers,
			QueueDepth: cfg.UploadQueueDepth,
			MaxRetries: cfg.UploadMaxRetries,
			RetryBase:  cfg.UploadRetryBase,
		}, makeUploadHandler(repo, d.profileID), log)
		if err != nil {
			return nil, fmt.Errorf("create upload pool: %w", err)
		}
		remoteHistory = repo
		uploader = d.uploads
	}

	d.history = history.NewReconciler(store, remoteHistory, d.profileID, client, d.tracker, uploader,
		log.With().Str("component", "history").Logger())

	d.sched = scheduler.New(log)
	if err := d.sched.Schedule(JobTimeRules, cfg.TimeRuleInterval, d.engine.CheckTimeRules); err != nil {
		return nil, err
	}
	d.janitor = NewJanitor(store, d.uploads, log)
	if err := d.sched.Schedule(JobJanitor, cfg.JanitorInterval, d.janitor.Tick); err != nil {
		return nil, err
	}

	if repo != nil {
		d.gateway = cloudsync.New(repo, d.profileID, d.tracker, d.book, d.history, cloudsync.Config{
			SyncInterval:        cfg.SyncInterval,
			BackupInterval:      cfg.BackupInterval,
			ConsolidateInterval: cfg.ConsolidateInterval,
			Retention:           cfg.HistoryRetention,
		}, log)
		if err := d.gateway.Register(d.sched); err != nil {
			return nil, fmt.Errorf("register sync jobs: %w", err)
		}
	}

	return d, nil
}

// Run starts all goroutines and blocks until ctx is cancelled or the
// platform credential is revoked.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if d.uploads != nil {
		d.uploads.Start(gctx)
	}

	g.Go(func() error {
		return d.sched.Run(gctx)
	})

	g.Go(func() error {
		d.engine.RunDevicePoll(gctx, d.cfg.DevicePollInterval)
		return nil
	})

	g.Go(func() error {
		return every(gctx, d.cfg.PlaybackPollInterval, d.pollPlayback)
	})

	g.Go(func() error {
		return every(gctx, d.cfg.RecentPollInterval, d.pollRecent)
	})

	// Forced logout
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-d.revoked:
			return fmt.Errorf("%w: %v", ErrCredentialRevoked, err)
		}
	})

	if d.cfg.MetricsEnabled {
		g.Go(func() error {
			return d.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return d.serveControl(gctx)
	})

	d.ready.Store(true)
	err := g.Wait()
	d.ready.Store(false)

	d.shutdown(errors.Is(err, ErrCredentialRevoked))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown drains uploads, stops the countdown and pushes a last backup.
func (d *Daemon) shutdown(revoked bool) {
	if d.uploads != nil {
		d.uploads.Stop()
	}
	d.tracker.Close()

	if d.gateway == nil || revoked {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.gateway.Backup(ctx); err != nil {
		d.log.Warn().Err(err).Msg("final backup failed")
	}
}

// handleRevoked performs the forced logout once: the user is told, the
// persisted refresh token is dropped and Run is asked to stop.
func (d *Daemon) handleRevoked(err error) {
	d.revokeOnce.Do(func() {
		d.log.Error().Err(err).Msg("platform credential revoked; logging out")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if nerr := d.notifier.Notify(ctx, notify.Event{
			Kind:    notify.KindCredentialRevoked,
			Title:   "Signed out",
			Message: "Access to your music account was revoked. Authorize tasteshield again to resume shielding.",
			At:      time.Now().UTC(),
		}); nerr != nil {
			d.log.Warn().Err(nerr).Msg("credential revoked notification failed")
		}

		if rerr := d.store.Remove(platform.RefreshTokenKey); rerr != nil {
			d.log.Warn().Err(rerr).Msg("clear persisted refresh token failed")
		}

		d.revoked <- err
	})
}

// checkRevoked routes a revoked credential to the forced logout and reports
// whether it did.
func (d *Daemon) checkRevoked(err error) bool {
	if err == nil || !platform.IsCredentialRevoked(err) {
		return false
	}
	d.handleRevoked(err)
	return true
}

// serveMetrics runs the Prometheus HTTP server.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	d.log.Info().Str("addr", d.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveControl runs the control API.
func (d *Daemon) serveControl(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.ControlAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	d.log.Info().Str("addr", d.cfg.ControlAddr).Msg("control API started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}
