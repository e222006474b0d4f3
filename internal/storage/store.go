package storage

import (
	"errors"

	"github.com/developingchet/tasteshield/internal/model"
)

// HistoryCap is the maximum number of play records kept in the local history log.
const HistoryCap = 200

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// RuleSet is the persisted rule book, including tombstones of deleted rule IDs.
type RuleSet struct {
	TimeRules   []model.TimeRule   `msgpack:"time_rules"`
	DeviceRules []model.DeviceRule `msgpack:"device_rules"`
	Tombstones  map[string]int64   `msgpack:"tombstones"` // rule id -> deleted at (ms)
}

// Store is the local persistence interface.
type Store interface {
	// Generic key-value access. Values are msgpack-encoded.
	Get(key string, v interface{}) error
	Set(key string, v interface{}) error
	Remove(key string) error

	// Shield sessions
	LoadSessions() ([]model.ShieldSession, error)
	SaveSessions(sessions []model.ShieldSession) error

	// Rules
	LoadRules() (RuleSet, error)
	SaveRules(rules RuleSet) error

	// Bounded play history, newest first.
	LoadHistory() ([]model.TrackPlayRecord, error)
	SaveHistory(records []model.TrackPlayRecord) error

	// One-time flags
	FlagIsSet(name string) (bool, error)
	SetFlag(name string) error

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
