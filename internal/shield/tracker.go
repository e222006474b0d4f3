package shield

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/rs/zerolog"
)

// Deactivation reasons.
const (
	ReasonManual      = "manual"
	ReasonAutoDisable = "auto-disable"
	ReasonSettings    = "settings"
)

// Persister is the slice of the local store the tracker needs.
type Persister interface {
	LoadSessions() ([]model.ShieldSession, error)
	SaveSessions(sessions []model.ShieldSession) error
}

// Observer is told about activation transitions. Callbacks run with the
// tracker lock held and must not call back into the Tracker.
type Observer interface {
	ShieldActivated(at int64)
	ShieldDeactivated(at int64)
}

// AutoDisable configures the countdown armed on each activation.
type AutoDisable struct {
	Enabled  bool
	Duration time.Duration
}

// Timer is the subset of *time.Timer the countdown uses.
type Timer interface {
	Stop() bool
}

// Tracker owns the shield active flag and the append-only session list.
type Tracker struct {
	mu          sync.Mutex
	sessions    []model.ShieldSession
	active      bool
	activatedAt int64
	autoDisable AutoDisable
	override    time.Duration // per-activation countdown from a device rule
	timer       Timer
	gen         uint64 // bumped on every (re)arm; stale expiries compare against it
	closed      bool

	store     Persister
	notifier  notify.Notifier
	observers []Observer
	log       zerolog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
}

// NewTracker constructs an inactive Tracker. Call Load to hydrate it.
func NewTracker(store Persister, notifier notify.Notifier, settings AutoDisable, log zerolog.Logger) *Tracker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Tracker{
		store:       store,
		notifier:    notifier,
		autoDisable: settings,
		log:         log,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Subscribe registers an observer. Not safe to call concurrently with transitions.
func (t *Tracker) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Load hydrates state from the store and reports whether anything was loaded.
// An open trailing session restores the active state and re-arms the
// remaining countdown; one that expired while the process was down is
// closed at its deadline and reported like a live expiry.
func (t *Tracker) Load() (bool, error) {
	sessions, err := t.store.LoadSessions()
	if err != nil {
		return false, fmt.Errorf("load sessions: %w", err)
	}

	t.mu.Lock()
	t.sessions = repair(sessions)
	if len(t.sessions) == 0 {
		t.mu.Unlock()
		return false, nil
	}
	last := t.sessions[len(t.sessions)-1]
	if !last.Open() {
		t.mu.Unlock()
		return true, nil
	}

	t.active = true
	t.activatedAt = last.Start
	t.override = last.AutoDisable()
	metrics.ShieldActive.Set(1)
	for _, o := range t.observers {
		o.ShieldActivated(last.Start)
	}

	if d := t.countdownLocked(); d > 0 {
		deadline := model.FromMillis(last.Start).Add(d)
		if !t.now().Before(deadline) {
			t.log.Info().Time("deadline", deadline).Msg("auto-disable deadline passed while stopped; closing session")
			t.deactivateLocked(model.Millis(deadline), ReasonAutoDisable)
			t.saveLocked()
			t.mu.Unlock()
			t.notifyAutoDisabled(d)
			return true, nil
		}
		t.armLocked(deadline)
	}
	t.mu.Unlock()
	t.log.Info().Int64("activated_at", last.Start).Msg("restored active shield session")
	return true, nil
}

// Toggle flips the active flag and returns the new state.
func (t *Tracker) Toggle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.active
	}
	now := model.Millis(t.now())
	if t.active {
		t.deactivateLocked(now, ReasonManual)
	} else {
		t.activateLocked(now, model.SourceManual, 0)
	}
	t.saveLocked()
	return t.active
}

// ActivateIfInactive activates shielding unless it is already active and
// reports whether it did. A positive d overrides the configured auto-disable
// duration for this activation only.
func (t *Tracker) ActivateIfInactive(source string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active || t.closed {
		return false
	}
	t.activateLocked(model.Millis(t.now()), source, d)
	t.saveLocked()
	return true
}

// Deactivate closes the open session, if any, and reports whether it did.
func (t *Tracker) Deactivate(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.closed {
		return false
	}
	t.deactivateLocked(model.Millis(t.now()), reason)
	t.saveLocked()
	return true
}

// IsActive reports whether shielding is on.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ActivatedAt returns the start of the current activation, 0 when inactive.
func (t *Tracker) ActivatedAt() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return 0
	}
	return t.activatedAt
}

// IsShielded reports whether the millisecond timestamp ts falls inside any session.
func (t *Tracker) IsShielded(ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sessions) - 1; i >= 0; i-- {
		s := t.sessions[i]
		if s.Contains(ts) {
			return true
		}
	}
	return false
}

// Sessions returns a copy of the session list.
func (t *Tracker) Sessions() []model.ShieldSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSessions(t.sessions)
}

// RemainingAutoDisable returns the time left on the countdown and whether
// one is running.
func (t *Tracker) RemainingAutoDisable() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.timer == nil {
		return 0, false
	}
	d := t.countdownLocked()
	if d <= 0 {
		return 0, false
	}
	left := model.FromMillis(t.activatedAt).Add(d).Sub(t.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// SetAutoDisable replaces the default countdown settings. A running
// countdown is cancelled and re-armed from the original activation time; if
// that deadline has already passed, shielding is turned off now.
func (t *Tracker) SetAutoDisable(settings AutoDisable) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.autoDisable = settings
	if !t.active {
		return
	}
	t.stopTimerLocked()
	d := t.countdownLocked()
	if d <= 0 {
		return
	}
	deadline := model.FromMillis(t.activatedAt).Add(d)
	if !t.now().Before(deadline) {
		t.deactivateLocked(model.Millis(t.now()), ReasonSettings)
		t.saveLocked()
		return
	}
	t.armLocked(deadline)
}

// MergeRemote folds sessions pulled from the remote repository into the
// local list without changing the local active flag.
func (t *Tracker) MergeRemote(remote []model.ShieldSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var openStart *int64
	if t.active {
		s := t.activatedAt
		openStart = &s
	}
	t.sessions = MergeSessions(t.sessions, remote, openStart, model.Millis(t.now()))
	t.saveLocked()
}

// Close cancels the countdown. Toggle, ActivateIfInactive and Deactivate
// are no-ops after Close.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stopTimerLocked()
}

func (t *Tracker) activateLocked(now int64, source string, d time.Duration) {
	t.active = true
	t.activatedAt = now
	t.override = d
	sess := model.ShieldSession{Start: now, Source: source}
	if d > 0 {
		sess.AutoDisableMs = d.Milliseconds()
	}
	t.sessions = append(t.sessions, sess)

	metrics.ShieldActive.Set(1)
	metrics.ShieldTransitions.WithLabelValues("activate", source).Inc()
	t.log.Info().Str("source", source).Int64("at", now).Msg("shield activated")

	for _, o := range t.observers {
		o.ShieldActivated(now)
	}
	if cd := t.countdownLocked(); cd > 0 {
		t.armLocked(model.FromMillis(now).Add(cd))
	}
}

func (t *Tracker) deactivateLocked(now int64, reason string) {
	t.stopTimerLocked()
	if n := len(t.sessions); n > 0 && t.sessions[n-1].Open() {
		end := now
		if end < t.sessions[n-1].Start {
			end = t.sessions[n-1].Start
		}
		t.sessions[n-1].End = &end
	}
	t.active = false
	t.activatedAt = 0
	t.override = 0

	metrics.ShieldActive.Set(0)
	metrics.ShieldTransitions.WithLabelValues("deactivate", reason).Inc()
	t.log.Info().Str("reason", reason).Int64("at", now).Msg("shield deactivated")

	for _, o := range t.observers {
		o.ShieldDeactivated(now)
	}
}

// countdownLocked returns the auto-disable duration for the current
// activation, zero when none applies.
func (t *Tracker) countdownLocked() time.Duration {
	if t.override > 0 {
		return t.override
	}
	if t.autoDisable.Enabled && t.autoDisable.Duration > 0 {
		return t.autoDisable.Duration
	}
	return 0
}

func (t *Tracker) armLocked(deadline time.Time) {
	t.stopTimerLocked()
	if t.closed {
		return
	}
	t.gen++
	gen := t.gen
	wait := deadline.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	t.timer = t.afterFunc(wait, func() { t.expire(gen) })
	t.log.Debug().Time("deadline", deadline).Msg("auto-disable countdown armed")
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active || t.closed {
		t.mu.Unlock()
		return
	}
	d := t.countdownLocked()
	t.timer = nil
	t.deactivateLocked(model.Millis(t.now()), ReasonAutoDisable)
	t.saveLocked()
	t.mu.Unlock()
	t.notifyAutoDisabled(d)
}

// notifyAutoDisabled raises the user-visible event for an expired countdown.
// Call it without the lock held.
func (t *Tracker) notifyAutoDisabled(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := notify.Event{
		Kind:    notify.KindAutoDisabled,
		Title:   "Shield turned off",
		Message: fmt.Sprintf("Shielding was on for %s and has been turned off automatically.", d),
		At:      t.now(),
		Fields:  map[string]string{"duration": d.String()},
	}
	if err := t.notifier.Notify(ctx, ev); err != nil {
		t.log.Warn().Err(err).Msg("auto-disable notification failed")
	}
}

// saveLocked persists the session list. Failures are logged; the in-memory
// state stays authoritative until the next successful save.
func (t *Tracker) saveLocked() {
	if err := t.store.SaveSessions(cloneSessions(t.sessions)); err != nil {
		t.log.Error().Err(err).Msg("failed to persist shield sessions")
	}
}

func cloneSessions(in []model.ShieldSession) []model.ShieldSession {
	out := make([]model.ShieldSession, len(in))
	for i, s := range in {
		out[i] = s
		if s.End != nil {
			end := *s.End
			out[i].End = &end
		}
	}
	return out
}
