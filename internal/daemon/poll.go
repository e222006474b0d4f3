package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/tasteshield/internal/history"
	"github.com/developingchet/tasteshield/internal/pool"
	"github.com/developingchet/tasteshield/internal/remote"
)

// every runs fn immediately and then on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pollPlayback protects the currently playing track while shielding is on.
func (d *Daemon) pollPlayback(ctx context.Context) {
	if !d.tracker.IsActive() {
		return
	}
	cur, err := d.client.FetchCurrentlyPlaying(ctx)
	if err != nil {
		if !d.checkRevoked(err) {
			d.log.Debug().Err(err).Msg("playback poll failed")
		}
		return
	}
	if cur == nil {
		return
	}
	if _, err := d.protector.ProcessCurrentTrack(ctx, *cur); err != nil {
		d.checkRevoked(err)
	}
}

// pollRecent folds recent plays into the local log, queues new ones for
// upload and protects the ones played since the activation.
func (d *Daemon) pollRecent(ctx context.Context) {
	plays, err := d.client.FetchRecentPlays(ctx, history.PlatformLimit)
	if err != nil {
		if !d.checkRevoked(err) {
			d.log.Debug().Err(err).Msg("recent plays poll failed")
		}
		return
	}

	fresh, err := d.history.RecordPlays(plays)
	if err != nil {
		d.log.Warn().Err(err).Msg("record plays failed")
	} else if len(fresh) > 0 {
		d.log.Debug().Int("new", len(fresh)).Msg("new plays recorded")
	}

	if !d.tracker.IsActive() {
		return
	}
	if _, err := d.protector.ProcessRecentTracks(ctx, plays); err != nil {
		d.checkRevoked(err)
	}
}

// makeUploadHandler returns a JobHandler that upserts queued plays into the
// remote repository. Upserts are idempotent, so retried jobs are safe.
func makeUploadHandler(repo remote.Repository, profileID string) pool.JobHandler {
	return func(ctx context.Context, job pool.UploadJob) error {
		if err := repo.UpsertHistory(ctx, profileID, job.Records); err != nil {
			return fmt.Errorf("upsert history: %w", err)
		}
		return nil
	}
}
