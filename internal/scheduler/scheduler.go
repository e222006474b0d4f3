// Package scheduler runs named periodic jobs, each in its own goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Job is one scheduled unit of work.
type Job = func(ctx context.Context) error

// ErrUnknownJob is returned by Trigger for a name that was never scheduled.
var ErrUnknownJob = errors.New("scheduler: unknown job")

type entry struct {
	name     string
	interval time.Duration
	fn       Job
	trigger  chan struct{}
}

// Scheduler runs every registered job immediately on Run and then at most
// once per its interval. A failing or panicking job never affects the others.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*entry
	byName  map[string]*entry
	started bool
	log     zerolog.Logger
}

// New returns an empty Scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		byName: make(map[string]*entry),
		log:    log,
	}
}

// Schedule registers fn under name to run every minInterval. It must be
// called before Run.
func (s *Scheduler) Schedule(name string, minInterval time.Duration, fn Job) error {
	if minInterval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive, got %s", name, minInterval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("schedule %s: scheduler already running", name)
	}
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	e := &entry{name: name, interval: minInterval, fn: fn, trigger: make(chan struct{}, 1)}
	s.jobs = append(s.jobs, e)
	s.byName[name] = e
	return nil
}

// Trigger asks the named job to run as soon as it is idle. Triggers that
// arrive while one is already pending are coalesced.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, e := range s.jobs {
		names[i] = e.name
	}
	return names
}

// Run starts every job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.started = true
	jobs := append([]*entry(nil), s.jobs...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, e := range jobs {
		e := e
		g.Go(func() error {
			s.loop(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.runOnce(ctx, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
			ticker.Reset(e.interval)
		}
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx, e)
	}
}

// runOnce executes the job, converting a panic into a logged failure.
func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	log := s.log.With().Str("job", e.name).Logger()
	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("scheduled job panicked")
		}
		metrics.JobRuns.WithLabelValues(e.name, status).Inc()
		metrics.JobDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	}()

	if err := e.fn(ctx); err != nil {
		status = "error"
		if errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("scheduled job cancelled")
			return
		}
		log.Warn().Err(err).Msg("scheduled job failed")
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("scheduled job complete")
}
