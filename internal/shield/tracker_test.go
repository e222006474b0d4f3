package shield

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/developingchet/tasteshield/internal/testutil"
	"github.com/rs/zerolog"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	was := !ft.stopped
	ft.stopped = true
	return was
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type recordingObserver struct {
	activated   []int64
	deactivated []int64
}

func (o *recordingObserver) ShieldActivated(at int64)   { o.activated = append(o.activated, at) }
func (o *recordingObserver) ShieldDeactivated(at int64) { o.deactivated = append(o.deactivated, at) }

type harness struct {
	tr     *Tracker
	store  *testutil.MockStore
	notes  *recordingNotifier
	now    time.Time
	timers []*fakeTimer
}

func newHarness(t *testing.T, settings AutoDisable) *harness {
	t.Helper()
	h := &harness{
		store: testutil.NewMockStore(),
		notes: &recordingNotifier{},
		now:   time.UnixMilli(1_700_000_000_000).UTC(),
	}
	h.tr = NewTracker(h.store, h.notes, settings, zerolog.Nop())
	h.tr.now = func() time.Time { return h.now }
	h.tr.afterFunc = func(d time.Duration, f func()) Timer {
		ft := &fakeTimer{d: d, f: f}
		h.timers = append(h.timers, ft)
		return ft
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) lastTimer(t *testing.T) *fakeTimer {
	t.Helper()
	if len(h.timers) == 0 {
		t.Fatal("no countdown armed")
	}
	return h.timers[len(h.timers)-1]
}

func checkSessionShape(t *testing.T, sessions []model.ShieldSession, active bool) {
	t.Helper()
	for i, s := range sessions {
		if i > 0 && s.Start < sessions[i-1].Start {
			t.Errorf("sessions out of order at %d: %+v", i, sessions)
		}
		if s.Open() && i != len(sessions)-1 {
			t.Errorf("open session %d is not last: %+v", i, sessions)
		}
	}
	trailingOpen := len(sessions) > 0 && sessions[len(sessions)-1].Open()
	if trailingOpen != active {
		t.Errorf("active=%v but trailing open=%v", active, trailingOpen)
	}
}

func TestIsShieldedScenario(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	end := int64(2000)
	h.tr.sessions = []model.ShieldSession{{Start: 1000, End: &end}, {Start: 5000}}

	cases := []struct {
		ts   int64
		want bool
	}{
		{1500, true},
		{3000, false},
		{6000, true},
		{999, false},
		{2000, true},
	}
	for _, c := range cases {
		if got := h.tr.IsShielded(c.ts); got != c.want {
			t.Errorf("IsShielded(%d) = %v, want %v", c.ts, got, c.want)
		}
	}
}

func TestToggleAppendsAndCloses(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	obs := &recordingObserver{}
	h.tr.Subscribe(obs)

	if !h.tr.Toggle() {
		t.Fatal("first toggle should activate")
	}
	start := model.Millis(h.now)
	if h.tr.ActivatedAt() != start {
		t.Errorf("ActivatedAt: got %d want %d", h.tr.ActivatedAt(), start)
	}
	checkSessionShape(t, h.tr.Sessions(), true)

	h.advance(5 * time.Minute)
	if h.tr.Toggle() {
		t.Fatal("second toggle should deactivate")
	}
	sessions := h.tr.Sessions()
	checkSessionShape(t, sessions, false)
	if len(sessions) != 1 || *sessions[0].End != model.Millis(h.now) {
		t.Fatalf("session not closed at now: %+v", sessions)
	}
	if sessions[0].Source != model.SourceManual {
		t.Errorf("source: %q", sessions[0].Source)
	}
	if len(obs.activated) != 1 || len(obs.deactivated) != 1 {
		t.Errorf("observer calls: %+v", obs)
	}

	persisted, _ := h.store.LoadSessions()
	if len(persisted) != 1 || persisted[0].End == nil {
		t.Errorf("mutation not persisted: %+v", persisted)
	}
}

func TestToggleSequenceKeepsSessionsWellFormed(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	for i := 0; i < 7; i++ {
		h.advance(time.Minute)
		active := h.tr.Toggle()
		checkSessionShape(t, h.tr.Sessions(), active)
	}
	if n := len(h.tr.Sessions()); n != 4 {
		t.Errorf("expected 4 sessions after 7 toggles, got %d", n)
	}
}

func TestActivateIfInactive(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	if !h.tr.ActivateIfInactive(model.SourceTimeRule, 0) {
		t.Fatal("should activate when inactive")
	}
	if h.tr.ActivateIfInactive(model.SourceDeviceRule, 0) {
		t.Fatal("should not activate twice")
	}
	sessions := h.tr.Sessions()
	if len(sessions) != 1 || sessions[0].Source != model.SourceTimeRule {
		t.Errorf("sessions: %+v", sessions)
	}
	if h.tr.Deactivate(ReasonManual) != true || h.tr.Deactivate(ReasonManual) != false {
		t.Error("Deactivate should report whether it closed a session")
	}
}

func TestAutoDisableExpiry(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: 30 * time.Minute})
	h.tr.Toggle()

	ft := h.lastTimer(t)
	if ft.d != 30*time.Minute {
		t.Errorf("countdown: got %s want 30m", ft.d)
	}
	if left, ok := h.tr.RemainingAutoDisable(); !ok || left != 30*time.Minute {
		t.Errorf("RemainingAutoDisable: %s %v", left, ok)
	}

	h.advance(30 * time.Minute)
	ft.f()

	if h.tr.IsActive() {
		t.Fatal("expiry should deactivate")
	}
	checkSessionShape(t, h.tr.Sessions(), false)
	if len(h.notes.events) != 1 || h.notes.events[0].Kind != notify.KindAutoDisabled {
		t.Errorf("expected one auto-disabled notification, got %+v", h.notes.events)
	}
}

func TestStaleExpiryIsIgnored(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: 10 * time.Minute})
	h.tr.Toggle()
	first := h.lastTimer(t)

	// Manual off then on again arms a fresh countdown.
	h.tr.Toggle()
	h.tr.Toggle()
	if !first.stopped {
		t.Error("deactivation should stop the running countdown")
	}

	first.f()
	if !h.tr.IsActive() {
		t.Fatal("stale countdown must not end the new activation")
	}
	if len(h.notes.events) != 0 {
		t.Errorf("no notification expected, got %+v", h.notes.events)
	}
}

func TestDeviceRuleDurationOverridesDefault(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: time.Hour})
	h.tr.ActivateIfInactive(model.SourceDeviceRule, 15*time.Minute)
	if d := h.lastTimer(t).d; d != 15*time.Minute {
		t.Errorf("override countdown: got %s want 15m", d)
	}
}

func TestNoCountdownWhenDisabled(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: false, Duration: time.Hour})
	h.tr.Toggle()
	if len(h.timers) != 0 {
		t.Errorf("no countdown expected, got %d", len(h.timers))
	}
	if _, ok := h.tr.RemainingAutoDisable(); ok {
		t.Error("RemainingAutoDisable should report no countdown")
	}
}

func TestSetAutoDisableRearmsFromActivation(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.tr.Toggle()
	h.advance(20 * time.Minute)

	h.tr.SetAutoDisable(AutoDisable{Enabled: true, Duration: time.Hour})
	if d := h.lastTimer(t).d; d != 40*time.Minute {
		t.Errorf("re-armed countdown: got %s want 40m", d)
	}

	first := h.lastTimer(t)
	h.tr.SetAutoDisable(AutoDisable{Enabled: true, Duration: 90 * time.Minute})
	if !first.stopped {
		t.Error("re-arming should cancel the prior countdown")
	}
	if d := h.lastTimer(t).d; d != 70*time.Minute {
		t.Errorf("second re-arm: got %s want 70m", d)
	}
}

func TestSetAutoDisableExpiredDeactivates(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.tr.Toggle()
	h.advance(2 * time.Hour)

	h.tr.SetAutoDisable(AutoDisable{Enabled: true, Duration: time.Hour})
	if h.tr.IsActive() {
		t.Fatal("deadline in the past should deactivate immediately")
	}
	sessions := h.tr.Sessions()
	if *sessions[0].End != model.Millis(h.now) {
		t.Errorf("session should close now, got %+v", sessions[0])
	}
}

func TestLoadRestoresActiveAndRearms(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: time.Hour})
	end := int64(500_000)
	start := model.Millis(h.now) - int64(20*time.Minute/time.Millisecond)
	_ = h.store.SaveSessions([]model.ShieldSession{{Start: 100_000, End: &end}, {Start: start}})
	obs := &recordingObserver{}
	h.tr.Subscribe(obs)

	ok, err := h.tr.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !h.tr.IsActive() || h.tr.ActivatedAt() != start {
		t.Fatalf("active state not restored: active=%v at=%d", h.tr.IsActive(), h.tr.ActivatedAt())
	}
	if d := h.lastTimer(t).d; d != 40*time.Minute {
		t.Errorf("remaining countdown: got %s want 40m", d)
	}
	if len(obs.activated) != 1 || obs.activated[0] != start {
		t.Errorf("observer should learn about the restored activation: %+v", obs.activated)
	}
}

func TestLoadClosesSessionExpiredWhileStopped(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: 10 * time.Minute})
	start := model.Millis(h.now) - int64(time.Hour/time.Millisecond)
	_ = h.store.SaveSessions([]model.ShieldSession{{Start: start}})

	if _, err := h.tr.Load(); err != nil {
		t.Fatal(err)
	}
	if h.tr.IsActive() {
		t.Fatal("expired session should not restore active state")
	}
	sessions := h.tr.Sessions()
	want := start + int64(10*time.Minute/time.Millisecond)
	if sessions[0].End == nil || *sessions[0].End != want {
		t.Errorf("session should close at its deadline %d: %+v", want, sessions[0])
	}
}

func TestLoadRestoresDeviceRuleCountdown(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.tr.ActivateIfInactive(model.SourceDeviceRule, 30*time.Minute)
	h.tr.Close()

	sessions, _ := h.store.LoadSessions()
	if len(sessions) != 1 || sessions[0].AutoDisableMs != int64(30*time.Minute/time.Millisecond) {
		t.Fatalf("device-rule countdown not persisted: %+v", sessions)
	}

	// A fresh tracker over the same store stands in for a restart.
	h.advance(10 * time.Minute)
	restarted := NewTracker(h.store, h.notes, AutoDisable{}, zerolog.Nop())
	restarted.now = func() time.Time { return h.now }
	var armed []*fakeTimer
	restarted.afterFunc = func(d time.Duration, f func()) Timer {
		ft := &fakeTimer{d: d, f: f}
		armed = append(armed, ft)
		return ft
	}
	if _, err := restarted.Load(); err != nil {
		t.Fatal(err)
	}
	if !restarted.IsActive() {
		t.Fatal("open session should restore the active state")
	}
	if len(armed) != 1 || armed[0].d != 20*time.Minute {
		t.Fatalf("remaining device-rule countdown: %+v", armed)
	}
	if left, ok := restarted.RemainingAutoDisable(); !ok || left != 20*time.Minute {
		t.Errorf("RemainingAutoDisable: %s %v", left, ok)
	}

	h.advance(20 * time.Minute)
	armed[0].f()
	if restarted.IsActive() {
		t.Error("restored countdown should end the session")
	}
}

func TestLoadExpiredWhileStoppedNotifies(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	start := model.Millis(h.now) - int64(time.Hour/time.Millisecond)
	_ = h.store.SaveSessions([]model.ShieldSession{{
		Start:         start,
		Source:        model.SourceDeviceRule,
		AutoDisableMs: int64(15 * time.Minute / time.Millisecond),
	}})

	if _, err := h.tr.Load(); err != nil {
		t.Fatal(err)
	}
	if h.tr.IsActive() {
		t.Fatal("expired session should not restore active state")
	}
	if len(h.notes.events) != 1 || h.notes.events[0].Kind != notify.KindAutoDisabled {
		t.Errorf("expected one auto-disabled notification, got %+v", h.notes.events)
	}
}

func TestLoadEmptyAndError(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	ok, err := h.tr.Load()
	if err != nil || ok {
		t.Errorf("empty store: ok=%v err=%v", ok, err)
	}

	h.store.SetError("LoadSessions", errors.New("disk gone"))
	if _, err := h.tr.Load(); err == nil {
		t.Error("expected load error")
	}
}

func TestLoadRepairsOpenSessionNotLast(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	end := int64(9000)
	_ = h.store.SaveSessions([]model.ShieldSession{{Start: 5000, End: &end}, {Start: 1000}})

	if _, err := h.tr.Load(); err != nil {
		t.Fatal(err)
	}
	sessions := h.tr.Sessions()
	checkSessionShape(t, sessions, false)
	if *sessions[0].End != 5000 {
		t.Errorf("open session should close at the next start: %+v", sessions[0])
	}
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.store.SetError("SaveSessions", errors.New("write failed"))
	if !h.tr.Toggle() {
		t.Fatal("toggle should still activate in memory")
	}
	if !h.tr.IsShielded(model.Millis(h.now)) {
		t.Error("in-memory session should shield now")
	}
}

func TestCloseStopsCountdown(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: time.Minute})
	h.tr.Toggle()
	ft := h.lastTimer(t)
	h.tr.Close()
	if !ft.stopped {
		t.Error("Close should stop the countdown")
	}
	ft.f()
	if !h.tr.IsActive() {
		t.Error("expiry after Close must be ignored")
	}
	if h.tr.ActivateIfInactive(model.SourceTimeRule, 0) {
		t.Error("no activation after Close")
	}
}

func TestTransitionsAfterCloseAreIgnored(t *testing.T) {
	h := newHarness(t, AutoDisable{Enabled: true, Duration: time.Minute})
	h.tr.Close()

	if h.tr.Toggle() {
		t.Error("Toggle after Close should not activate")
	}
	if len(h.tr.Sessions()) != 0 || len(h.timers) != 0 {
		t.Errorf("no session or countdown expected: sessions=%+v timers=%d", h.tr.Sessions(), len(h.timers))
	}

	active := newHarness(t, AutoDisable{})
	active.tr.Toggle()
	active.tr.Close()
	if active.tr.Deactivate(ReasonManual) {
		t.Error("Deactivate after Close should be a no-op")
	}
	if !active.tr.Toggle() || !active.tr.IsActive() {
		t.Error("Toggle after Close should leave the state unchanged")
	}
}

func TestConcurrentToggleAndIsShielded(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.tr.now = time.Now
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.tr.Toggle()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.tr.IsShielded(time.Now().UnixMilli())
			}
		}()
	}
	wg.Wait()
	checkSessionShape(t, h.tr.Sessions(), h.tr.IsActive())
}
