package rules

import (
	"context"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/rs/zerolog"
)

// Activator is the slice of the session tracker the engine drives.
type Activator interface {
	IsActive() bool
	ActivateIfInactive(source string, autoDisable time.Duration) bool
}

// DeviceSource reports the platform's active playback device.
type DeviceSource interface {
	FetchActiveDevice(ctx context.Context) (*platform.Device, error)
}

// Engine evaluates rules and turns shielding on when one matches. It never
// turns shielding off.
type Engine struct {
	book      *Book
	tracker   Activator
	devices   DeviceSource
	notifier  notify.Notifier
	onRevoked func(error)
	now       func() time.Time
	log       zerolog.Logger
}

// NewEngine wires the rule book to the tracker. onRevoked, if non-nil, is
// called when a device read fails because the platform credential was revoked.
func NewEngine(book *Book, tracker Activator, devices DeviceSource, notifier notify.Notifier, onRevoked func(error), log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		book:      book,
		tracker:   tracker,
		devices:   devices,
		notifier:  notifier,
		onRevoked: onRevoked,
		now:       time.Now,
		log:       log,
	}
}

// CheckDeviceRules activates shielding when a device rule matches the active
// device, and reports whether it did. Platform read errors count as no match.
func (e *Engine) CheckDeviceRules(ctx context.Context) bool {
	if e.tracker.IsActive() {
		return false
	}
	rules := e.book.DeviceRules()
	if !anyDeviceRuleEnabled(rules) {
		return false
	}

	dev, err := e.devices.FetchActiveDevice(ctx)
	if err != nil {
		metrics.RuleEvaluationErrors.WithLabelValues("device").Inc()
		e.log.Warn().Err(err).Msg("device rule check: active device read failed; treating as no match")
		if platform.IsCredentialRevoked(err) && e.onRevoked != nil {
			e.onRevoked(err)
		}
		return false
	}
	if dev == nil {
		return false
	}

	r := SelectDeviceRule(rules, dev.ID, e.now())
	if r == nil {
		return false
	}
	metrics.RuleMatches.WithLabelValues("device").Inc()
	if !e.tracker.ActivateIfInactive(model.SourceDeviceRule, r.AutoDisableDuration()) {
		return false
	}
	e.log.Info().Str("rule", r.ID).Str("device", dev.Name).Msg("device rule activated shield")
	e.announce(ctx, "device", r.ID, dev.Name)
	return true
}

// CheckTimeRules activates shielding when an enabled time rule covers now.
// It has the scheduler's job signature and never fails.
func (e *Engine) CheckTimeRules(ctx context.Context) error {
	if e.tracker.IsActive() {
		return nil
	}
	now := e.now()
	for _, r := range e.book.TimeRules() {
		if !TimeRuleMatches(r, now) {
			continue
		}
		metrics.RuleMatches.WithLabelValues("time").Inc()
		if e.tracker.ActivateIfInactive(model.SourceTimeRule, 0) {
			e.log.Info().Str("rule", r.ID).Str("name", r.Name).Msg("time rule activated shield")
			e.announce(ctx, "time", r.ID, r.Name)
		}
		return nil
	}
	return nil
}

// RunDevicePoll calls CheckDeviceRules every interval until ctx is done.
func (e *Engine) RunDevicePoll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.CheckDeviceRules(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckDeviceRules(ctx)
		}
	}
}

func (e *Engine) announce(ctx context.Context, kind, ruleID, label string) {
	ev := notify.Event{
		Kind:    notify.KindRuleActivated,
		Title:   "Shield turned on",
		Message: "A " + kind + " rule turned shielding on: " + label,
		At:      e.now(),
		Fields:  map[string]string{"rule": ruleID, "rule_kind": kind},
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.Warn().Err(err).Msg("rule activation notification failed")
	}
}

func anyDeviceRuleEnabled(rules []model.DeviceRule) bool {
	for _, r := range rules {
		if r.Enabled && r.AutoShield {
			return true
		}
	}
	return false
}
