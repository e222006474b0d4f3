// Package remote is the best-effort backup repository shared across devices.
// Every write is an upsert on a natural key so retries are idempotent.
package remote

import (
	"context"
	"errors"

	"github.com/developingchet/tasteshield/internal/model"
)

// ErrProfileNotFound is returned when an operation names an unknown profile.
var ErrProfileNotFound = errors.New("remote: profile not found")

// Rule kinds stored in the rules table.
const (
	KindTimeRule   = "time"
	KindDeviceRule = "device"
)

// Rules is the pulled rule book of one profile.
type Rules struct {
	TimeRules   []model.TimeRule
	DeviceRules []model.DeviceRule
}

// Repository is the remote backup store.
type Repository interface {
	// EnsureUserProfile returns the profile id for a platform user, creating
	// the profile on first use.
	EnsureUserProfile(ctx context.Context, platformUserID string) (string, error)
	// LookupProfile returns the profile id for a platform user without
	// creating one. ErrProfileNotFound when the user has none.
	LookupProfile(ctx context.Context, platformUserID string) (string, error)

	// History is keyed by (profile, track, played_at).
	UpsertHistory(ctx context.Context, profileID string, records []model.TrackPlayRecord) error
	FetchHistory(ctx context.Context, profileID string, limit int) ([]model.TrackPlayRecord, error)
	PruneHistory(ctx context.Context, profileID string, before int64) (int64, error)

	// Sessions are keyed by (profile, start). A closed end is never reopened.
	UpsertSessions(ctx context.Context, profileID string, sessions []model.ShieldSession) error
	FetchSessions(ctx context.Context, profileID string) ([]model.ShieldSession, error)

	// Rules are keyed by (profile, rule id). An older write never replaces a newer one.
	UpsertRules(ctx context.Context, profileID string, timeRules []model.TimeRule, deviceRules []model.DeviceRule) error
	FetchRules(ctx context.Context, profileID string) (Rules, error)
	DeleteRules(ctx context.Context, profileID string, ids []string) error

	DeleteProfile(ctx context.Context, profileID string) error
	Close() error
}
