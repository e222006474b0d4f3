package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/developingchet/tasteshield/internal/pool"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// LocalLimit bounds the local history log.
	LocalLimit = storage.HistoryCap
	// RemoteLimit is how many remote records a reconcile reads.
	RemoteLimit = 200
	// PlatformLimit is how many recent plays a reconcile reads from the platform.
	PlatformLimit = 50
	// DisplayLimit bounds the list a reconcile returns.
	DisplayLimit = 50
)

// LocalLog is the bounded on-device history.
type LocalLog interface {
	LoadHistory() ([]model.TrackPlayRecord, error)
	SaveHistory(records []model.TrackPlayRecord) error
}

// RemoteSource reads backed-up history.
type RemoteSource interface {
	FetchHistory(ctx context.Context, profileID string, limit int) ([]model.TrackPlayRecord, error)
}

// PlaySource reads recent plays from the platform.
type PlaySource interface {
	FetchRecentPlays(ctx context.Context, limit int) ([]model.TrackPlayRecord, error)
}

// Uploader queues records for remote upsert.
type Uploader interface {
	Enqueue(job pool.UploadJob) bool
}

// Reconciler merges the three history sources. Writes to the local log are
// serialised.
type Reconciler struct {
	mu        sync.Mutex
	local     LocalLog
	remote    RemoteSource
	profileID string
	plays     PlaySource
	shield    ShieldChecker
	uploads   Uploader
	log       zerolog.Logger
}

// NewReconciler wires the sources. remote and uploads may be nil when no
// remote repository is configured.
func NewReconciler(local LocalLog, remote RemoteSource, profileID string, plays PlaySource, shield ShieldChecker, uploads Uploader, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		local:     local,
		remote:    remote,
		profileID: profileID,
		plays:     plays,
		shield:    shield,
		uploads:   uploads,
		log:       log,
	}
}

// Reconcile reads all three sources, writes the merged log back locally and
// returns the newest DisplayLimit records tagged with their shield state.
// A failing remote or a transient platform error degrades to the remaining
// sources; a revoked platform credential is returned.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Entry, error) {
	local, err := r.local.LoadHistory()
	if err != nil {
		r.log.Warn().Err(err).Msg("local history unreadable; reconciling without it")
		local = nil
	}

	var remote []model.TrackPlayRecord
	if r.remote != nil && r.profileID != "" {
		remote, err = r.remote.FetchHistory(ctx, r.profileID, RemoteLimit)
		if err != nil {
			r.log.Warn().Err(err).Msg("remote history unavailable; using local and platform")
			remote = nil
		}
	}

	plays, err := r.plays.FetchRecentPlays(ctx, PlatformLimit)
	if err != nil {
		if platform.IsCredentialRevoked(err) {
			return nil, fmt.Errorf("fetch recent plays: %w", err)
		}
		r.log.Warn().Err(err).Msg("recent plays unavailable; using local and remote")
		plays = nil
	}

	r.mu.Lock()
	// Re-read under the lock so a concurrent RecordPlays is not lost.
	if current, err := r.local.LoadHistory(); err == nil {
		local = current
	}
	merged := Merge(LocalLimit, local, remote, plays)
	if err := r.local.SaveHistory(merged); err != nil {
		r.log.Error().Err(err).Msg("failed to persist reconciled history")
	}
	r.mu.Unlock()
	metrics.HistoryRecords.Set(float64(len(merged)))

	display := merged
	if len(display) > DisplayLimit {
		display = display[:DisplayLimit]
	}
	return Tag(display, r.shield), nil
}

// RecordPlays folds newly polled plays into the local log and queues the
// ones not seen before for remote upsert. It returns the new records.
func (r *Reconciler) RecordPlays(records []model.TrackPlayRecord) ([]model.TrackPlayRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.local.LoadHistory()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	seen := make(map[string]int64, len(local))
	for _, rec := range local {
		if rec.Timestamp > seen[rec.ID] {
			seen[rec.ID] = rec.Timestamp
		}
	}
	var fresh []model.TrackPlayRecord
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if ts, ok := seen[rec.ID]; ok && rec.Timestamp <= ts {
			continue
		}
		seen[rec.ID] = rec.Timestamp
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	merged := Merge(LocalLimit, local, fresh)
	if err := r.local.SaveHistory(merged); err != nil {
		return nil, fmt.Errorf("save history: %w", err)
	}
	metrics.HistoryRecords.Set(float64(len(merged)))

	if r.uploads != nil {
		r.uploads.Enqueue(pool.UploadJob{Records: fresh})
	}
	r.log.Debug().Int("new", len(fresh)).Msg("recorded plays")
	return fresh, nil
}

// Compact re-merges the local log and drops records played before cutoff
// (Unix ms). A cutoff of zero keeps everything.
func (r *Reconciler) Compact(cutoff int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.local.LoadHistory()
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	kept := local[:0:0]
	for _, rec := range local {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	merged := Merge(LocalLimit, kept)
	if err := r.local.SaveHistory(merged); err != nil {
		return 0, fmt.Errorf("save history: %w", err)
	}
	metrics.HistoryRecords.Set(float64(len(merged)))
	return len(local) - len(merged), nil
}

// Snapshot returns the local log, newest first.
func (r *Reconciler) Snapshot() ([]model.TrackPlayRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local.LoadHistory()
}

// Absorb merges pulled records into the local log without queueing uploads.
func (r *Reconciler) Absorb(records []model.TrackPlayRecord) error {
	if len(records) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	local, err := r.local.LoadHistory()
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	merged := Merge(LocalLimit, local, records)
	if err := r.local.SaveHistory(merged); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	metrics.HistoryRecords.Set(float64(len(merged)))
	return nil
}
