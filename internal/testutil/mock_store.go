package testutil

import (
	"sync"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu       sync.Mutex
	kv       map[string][]byte
	sessions []model.ShieldSession
	rules    storage.RuleSet
	history  []model.TrackPlayRecord
	flags    map[string]bool

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		kv:     make(map[string][]byte),
		rules:  storage.RuleSet{Tombstones: make(map[string]int64)},
		flags:  make(map[string]bool),
		errors: make(map[string]error),
		calls:  make(map[string]int),
		Size:   1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns how many times the named method has been called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockStore) enter(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Generic KV -------------------------------------------------------------

func (m *MockStore) Get(key string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Get"); err != nil {
		return err
	}
	raw, ok := m.kv[key]
	if !ok {
		return storage.ErrNotFound
	}
	return msgpack.Unmarshal(raw, v)
}

func (m *MockStore) Set(key string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Set"); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.kv[key] = raw
	return nil
}

func (m *MockStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Remove"); err != nil {
		return err
	}
	delete(m.kv, key)
	return nil
}

// --- Sessions ---------------------------------------------------------------

func (m *MockStore) LoadSessions() ([]model.ShieldSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadSessions"); err != nil {
		return nil, err
	}
	return append([]model.ShieldSession(nil), m.sessions...), nil
}

func (m *MockStore) SaveSessions(sessions []model.ShieldSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveSessions"); err != nil {
		return err
	}
	m.sessions = append([]model.ShieldSession(nil), sessions...)
	return nil
}

// --- Rules ------------------------------------------------------------------

func (m *MockStore) LoadRules() (storage.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadRules"); err != nil {
		return storage.RuleSet{}, err
	}
	return copyRuleSet(m.rules), nil
}

func (m *MockStore) SaveRules(rules storage.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveRules"); err != nil {
		return err
	}
	m.rules = copyRuleSet(rules)
	return nil
}

func copyRuleSet(in storage.RuleSet) storage.RuleSet {
	out := storage.RuleSet{
		TimeRules:   append([]model.TimeRule(nil), in.TimeRules...),
		DeviceRules: append([]model.DeviceRule(nil), in.DeviceRules...),
		Tombstones:  make(map[string]int64, len(in.Tombstones)),
	}
	for k, v := range in.Tombstones {
		out.Tombstones[k] = v
	}
	return out
}

// --- History ----------------------------------------------------------------

func (m *MockStore) LoadHistory() ([]model.TrackPlayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadHistory"); err != nil {
		return nil, err
	}
	return append([]model.TrackPlayRecord(nil), m.history...), nil
}

func (m *MockStore) SaveHistory(records []model.TrackPlayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveHistory"); err != nil {
		return err
	}
	if len(records) > storage.HistoryCap {
		records = records[:storage.HistoryCap]
	}
	m.history = append([]model.TrackPlayRecord(nil), records...)
	return nil
}

// --- Flags ------------------------------------------------------------------

func (m *MockStore) FlagIsSet(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FlagIsSet"); err != nil {
		return false, err
	}
	return m.flags[name], nil
}

func (m *MockStore) SetFlag(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetFlag"); err != nil {
		return err
	}
	m.flags[name] = true
	return nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error { return nil }
