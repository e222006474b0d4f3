package rules

import (
	"sort"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
)

// InWindow reports whether minute m lies in [start, end). A start after end
// wraps past midnight; start == end is an empty window.
func InWindow(m, start, end int) bool {
	switch {
	case start < end:
		return m >= start && m < end
	case start > end:
		return m >= start || m < end
	default:
		return false
	}
}

// WindowMatches reports whether now falls on one of days and inside the
// [start, end) wall-clock window. The day check uses now's own weekday, also
// for the after-midnight part of an overnight window.
func WindowMatches(days []string, start, end string, now time.Time) bool {
	if !dayListed(days, now.Weekday()) {
		return false
	}
	s, err := ParseClock(start)
	if err != nil {
		return false
	}
	e, err := ParseClock(end)
	if err != nil {
		return false
	}
	return InWindow(minuteOfDay(now), s, e)
}

// TimeRuleMatches reports whether an enabled time rule covers now.
func TimeRuleMatches(r model.TimeRule, now time.Time) bool {
	return r.Enabled && WindowMatches(r.Days, r.StartTime, r.EndTime, now)
}

// DeviceRuleMatches reports whether an enabled auto-shield device rule
// applies to the active device at now.
func DeviceRuleMatches(r model.DeviceRule, activeDeviceID string, now time.Time) bool {
	if !r.Enabled || !r.AutoShield || activeDeviceID == "" || r.DeviceID != activeDeviceID {
		return false
	}
	return !r.TimeEnabled || WindowMatches(r.Days, r.StartTime, r.EndTime, now)
}

// SelectDeviceRule returns the matching device rule that wins overlaps, or
// nil. Time-enabled rules with the narrowest window rank first, then the
// lowest id.
func SelectDeviceRule(rules []model.DeviceRule, activeDeviceID string, now time.Time) *model.DeviceRule {
	var matches []model.DeviceRule
	for _, r := range rules {
		if DeviceRuleMatches(r, activeDeviceID, now) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		wi, wj := windowWidth(matches[i]), windowWidth(matches[j])
		if wi != wj {
			return wi < wj
		}
		return matches[i].ID < matches[j].ID
	})
	return &matches[0]
}

// windowWidth ranks a device rule by how constrained it is, in minutes.
// Rules without a schedule rank after every scheduled one.
func windowWidth(r model.DeviceRule) int {
	if !r.TimeEnabled {
		return 24*60 + 1
	}
	s, err := ParseClock(r.StartTime)
	if err != nil {
		return 24*60 + 1
	}
	e, err := ParseClock(r.EndTime)
	if err != nil {
		return 24*60 + 1
	}
	return (e - s + 24*60) % (24 * 60)
}

func dayListed(days []string, wd time.Weekday) bool {
	for _, d := range days {
		if parsed, ok := ParseWeekday(d); ok && parsed == wd {
			return true
		}
	}
	return false
}
