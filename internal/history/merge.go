// Package history reconciles play history from the local log, the remote
// repository and the platform into one timeline.
package history

import (
	"sort"

	"github.com/developingchet/tasteshield/internal/model"
)

// Entry is a play record tagged with whether it happened while shielded.
// Shielded is computed at read time and never stored.
type Entry struct {
	model.TrackPlayRecord
	Shielded bool `json:"shielded"`
}

// ShieldChecker answers whether a timestamp fell inside a shield session.
type ShieldChecker interface {
	IsShielded(ts int64) bool
}

// Merge dedupes records by id keeping the largest timestamp, orders them
// newest first (ties by id) and keeps at most limit. A limit <= 0 keeps all.
// Records without an id are dropped.
func Merge(limit int, sources ...[]model.TrackPlayRecord) []model.TrackPlayRecord {
	byID := make(map[string]model.TrackPlayRecord)
	for _, src := range sources {
		for _, r := range src {
			if r.ID == "" {
				continue
			}
			if cur, ok := byID[r.ID]; !ok || r.Timestamp > cur.Timestamp {
				byID[r.ID] = r
			}
		}
	}
	out := make([]model.TrackPlayRecord, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Tag pairs each record with its shield state at read time.
func Tag(records []model.TrackPlayRecord, checker ShieldChecker) []Entry {
	out := make([]Entry, len(records))
	for i, r := range records {
		out[i] = Entry{TrackPlayRecord: r, Shielded: checker.IsShielded(r.Timestamp)}
	}
	return out
}
