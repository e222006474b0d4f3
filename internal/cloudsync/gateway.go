// Package cloudsync backs local state up to the remote repository and pulls
// changes made on other devices.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/remote"
	"github.com/rs/zerolog"
)

// ErrSyncInProgress is returned by SyncNow while another sync is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Job names registered on the scheduler.
const (
	JobSync        = "sync"
	JobBackup      = "backup"
	JobConsolidate = "consolidate"
)

// pullHistoryLimit matches the reconciler's remote read.
const pullHistoryLimit = 200

// Sessions is the session tracker as seen by sync.
type Sessions interface {
	Sessions() []model.ShieldSession
	MergeRemote(remote []model.ShieldSession)
}

// Rules is the rule book as seen by sync.
type Rules interface {
	TimeRules() []model.TimeRule
	DeviceRules() []model.DeviceRule
	Tombstones() map[string]int64
	ClearTombstones(ids []string) error
	MergeRemote(timeRules []model.TimeRule, deviceRules []model.DeviceRule) error
}

// History is the local play log as seen by sync.
type History interface {
	Snapshot() ([]model.TrackPlayRecord, error)
	Absorb(records []model.TrackPlayRecord) error
	Compact(cutoff int64) (int, error)
}

// Scheduler registers periodic jobs.
type Scheduler interface {
	Schedule(name string, minInterval time.Duration, fn func(ctx context.Context) error) error
}

// Config holds the job intervals and the history retention window.
type Config struct {
	SyncInterval        time.Duration
	BackupInterval      time.Duration
	ConsolidateInterval time.Duration
	Retention           time.Duration
}

// Gateway runs the sync, backup and consolidate jobs for one profile.
type Gateway struct {
	repo      remote.Repository
	profileID string
	sessions  Sessions
	rules     Rules
	history   History
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	syncMu  sync.Mutex
	stateMu sync.Mutex
	state   model.SyncState
}

// New returns a Gateway bound to profileID.
func New(repo remote.Repository, profileID string, sessions Sessions, rules Rules, history History, cfg Config, log zerolog.Logger) *Gateway {
	return &Gateway{
		repo:      repo,
		profileID: profileID,
		sessions:  sessions,
		rules:     rules,
		history:   history,
		cfg:       cfg,
		log:       log.With().Str("component", "cloudsync").Logger(),
		now:       time.Now,
	}
}

// Register schedules the three jobs. A zero interval leaves that job out.
func (g *Gateway) Register(s Scheduler) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context) error
	}{
		{JobSync, g.cfg.SyncInterval, g.Sync},
		{JobBackup, g.cfg.BackupInterval, g.Backup},
		{JobConsolidate, g.cfg.ConsolidateInterval, g.Consolidate},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			g.log.Info().Str("job", j.name).Msg("job disabled")
			continue
		}
		if err := s.Schedule(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// State returns the current sync progress.
func (g *Gateway) State() model.SyncState {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

// Sync pushes local state and then pulls remote changes. A periodic run that
// finds a manual sync in flight skips silently.
func (g *Gateway) Sync(ctx context.Context) error {
	if !g.syncMu.TryLock() {
		g.log.Debug().Msg("sync skipped: already running")
		return nil
	}
	defer g.syncMu.Unlock()
	return g.syncLocked(ctx)
}

// SyncNow runs a sync on demand and returns its error for explicit alerting.
func (g *Gateway) SyncNow(ctx context.Context) error {
	if !g.syncMu.TryLock() {
		return ErrSyncInProgress
	}
	defer g.syncMu.Unlock()
	err := g.syncLocked(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.JobRuns.WithLabelValues("sync_now", status).Inc()
	return err
}

func (g *Gateway) syncLocked(ctx context.Context) error {
	g.setSyncing(true)
	err := errors.Join(g.push(ctx), g.pull(ctx))
	g.finish(err)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	g.log.Debug().Msg("sync complete")
	return nil
}

// Backup pushes local state without pulling.
func (g *Gateway) Backup(ctx context.Context) error {
	if err := g.push(ctx); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	g.log.Debug().Msg("backup complete")
	return nil
}

// Consolidate prunes remote history beyond the retention window and
// re-merges the local log.
func (g *Gateway) Consolidate(ctx context.Context) error {
	var cutoff int64
	if g.cfg.Retention > 0 {
		cutoff = model.Millis(g.now().Add(-g.cfg.Retention))
	}
	var errs []error
	if cutoff > 0 {
		pruned, err := g.repo.PruneHistory(ctx, g.profileID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune remote history: %w", err))
		} else if pruned > 0 {
			g.log.Info().Int64("count", pruned).Msg("pruned remote history")
		}
	}
	removed, err := g.history.Compact(cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("compact local history: %w", err))
	} else if removed > 0 {
		g.log.Info().Int("count", removed).Msg("compacted local history")
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	return nil
}

// push upserts every entity; one failing entity does not skip the others.
func (g *Gateway) push(ctx context.Context) error {
	var errs []error

	records, err := g.history.Snapshot()
	if err != nil {
		errs = append(errs, fmt.Errorf("read local history: %w", err))
	} else if err := g.repo.UpsertHistory(ctx, g.profileID, records); err != nil {
		errs = append(errs, fmt.Errorf("push history: %w", err))
	}

	if err := g.repo.UpsertSessions(ctx, g.profileID, g.sessions.Sessions()); err != nil {
		errs = append(errs, fmt.Errorf("push sessions: %w", err))
	}

	if err := g.repo.UpsertRules(ctx, g.profileID, g.rules.TimeRules(), g.rules.DeviceRules()); err != nil {
		errs = append(errs, fmt.Errorf("push rules: %w", err))
	}
	if dead := tombstoneIDs(g.rules.Tombstones()); len(dead) > 0 {
		if err := g.repo.DeleteRules(ctx, g.profileID, dead); err != nil {
			errs = append(errs, fmt.Errorf("push rule deletions: %w", err))
		} else if err := g.rules.ClearTombstones(dead); err != nil {
			errs = append(errs, fmt.Errorf("clear tombstones: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pull merges remote entities by key and recency.
func (g *Gateway) pull(ctx context.Context) error {
	var errs []error

	if records, err := g.repo.FetchHistory(ctx, g.profileID, pullHistoryLimit); err != nil {
		errs = append(errs, fmt.Errorf("pull history: %w", err))
	} else if err := g.history.Absorb(records); err != nil {
		errs = append(errs, fmt.Errorf("merge history: %w", err))
	}

	if sessions, err := g.repo.FetchSessions(ctx, g.profileID); err != nil {
		errs = append(errs, fmt.Errorf("pull sessions: %w", err))
	} else if len(sessions) > 0 {
		g.sessions.MergeRemote(sessions)
	}

	if rules, err := g.repo.FetchRules(ctx, g.profileID); err != nil {
		errs = append(errs, fmt.Errorf("pull rules: %w", err))
	} else if err := g.rules.MergeRemote(rules.TimeRules, rules.DeviceRules); err != nil {
		errs = append(errs, fmt.Errorf("merge rules: %w", err))
	}
	return errors.Join(errs...)
}

func (g *Gateway) setSyncing(on bool) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.state.IsSyncing = on
}

func (g *Gateway) finish(err error) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.state.IsSyncing = false
	if err != nil {
		g.state.LastError = err.Error()
		return
	}
	g.state.LastError = ""
	g.state.LastSyncAt = model.Millis(g.now())
}

func tombstoneIDs(t map[string]int64) []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
