package daemon

import (
	"context"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/pool"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: refreshing the storage and queue gauges.
type Janitor struct {
	store   storage.Store
	uploads *pool.Pool
	log     zerolog.Logger
}

// NewJanitor creates a Janitor. uploads may be nil.
func NewJanitor(store storage.Store, uploads *pool.Pool, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:   store,
		uploads: uploads,
		log:     log,
	}
}

// Tick runs one housekeeping pass. It never fails; problems are logged.
func (j *Janitor) Tick(context.Context) error {
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	records, err := j.store.LoadHistory()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read history failed")
	} else {
		metrics.HistoryRecords.Set(float64(len(records)))
	}

	if j.uploads != nil {
		metrics.UploadQueueDepth.Set(float64(j.uploads.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
	return nil
}
