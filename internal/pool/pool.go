package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/rs/zerolog"
)

// UploadJob is a batch of newly detected plays to upsert into the remote
// repository.
type UploadJob struct {
	Records    []model.TrackPlayRecord
	EnqueuedAt time.Time
}

// JobHandler processes a single UploadJob. Returns an error if the job should be retried.
type JobHandler func(ctx context.Context, job UploadJob) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a bounded upload queue drained by a fixed set of workers.
type Pool struct {
	cfg      Config
	jobs     chan UploadJob
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 16 {
		return nil, fmt.Errorf("UPLOAD_WORKERS must be 1-16, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 256
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan UploadJob, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full
// or the job is empty.
func (p *Pool) Enqueue(job UploadJob) bool {
	if len(job.Records) == 0 {
		return false
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case p.jobs <- job:
		metrics.UploadsEnqueued.Inc()
		metrics.UploadQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		metrics.UploadsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Int("records", len(job.Records)).Msg("upload dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain.
// Safe to call only once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// worker dequeues jobs and processes them with inline retry (no re-enqueue),
// so a retry never sends on a channel Stop has closed.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.UploadQueueDepth.Set(float64(len(p.jobs)))
			p.processWithRetry(ctx, job, log)
		}
	}
}

func (p *Pool) processWithRetry(ctx context.Context, job UploadJob, log zerolog.Logger) {
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt - 1)
			log.Warn().Int("records", len(job.Records)).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying upload")
			select {
			case <-ctx.Done():
				metrics.UploadsProcessed.WithLabelValues("error").Inc()
				return
			case <-time.After(backoff):
			}
		}

		if err := p.handler(ctx, job); err != nil {
			if attempt < p.cfg.MaxRetries {
				metrics.UploadsProcessed.WithLabelValues("retried").Inc()
				continue
			}
			metrics.UploadsProcessed.WithLabelValues("error").Inc()
			log.Error().Err(err).Int("records", len(job.Records)).
				Int("max_retries", p.cfg.MaxRetries).Msg("upload failed: max retries exceeded")
			return
		}

		metrics.UploadsProcessed.WithLabelValues("success").Inc()
		return
	}
}

// backoff computes exponential backoff capped at one minute.
func (p *Pool) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(p.cfg.RetryBase) * multiplier)
	if max := time.Minute; d > max {
		d = max
	}
	return d
}
