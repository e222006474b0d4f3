package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/remote"
)

type historyKey struct {
	profile string
	track   string
	at      int64
}

type ruleEntry struct {
	time   *model.TimeRule
	device *model.DeviceRule
	at     int64
}

// MockRemote implements remote.Repository in memory with the same upsert
// semantics as the SQLite repository.
type MockRemote struct {
	mu       sync.Mutex
	profiles map[string]string // platform user -> profile id
	history  map[historyKey]model.TrackPlayRecord
	sessions map[string]map[int64]model.ShieldSession
	rules    map[string]map[string]ruleEntry

	errors map[string]error
	sticky map[string]error
	calls  map[string]int
	nextID int
}

// NewMockRemote returns an empty MockRemote.
func NewMockRemote() *MockRemote {
	return &MockRemote{
		profiles: make(map[string]string),
		history:  make(map[historyKey]model.TrackPlayRecord),
		sessions: make(map[string]map[int64]model.ShieldSession),
		rules:    make(map[string]map[string]ruleEntry),
		errors:   make(map[string]error),
		sticky:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetError injects an error returned by the next call to the named method.
func (m *MockRemote) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetStickyError makes every call to the named method fail until cleared with nil.
func (m *MockRemote) SetStickyError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// Calls returns how many times the named method has been called.
func (m *MockRemote) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockRemote) enter(method string) error {
	m.calls[method]++
	if err := m.sticky[method]; err != nil {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockRemote) EnsureUserProfile(_ context.Context, platformUserID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("EnsureUserProfile"); err != nil {
		return "", err
	}
	if id, ok := m.profiles[platformUserID]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("profile-%d", m.nextID)
	m.profiles[platformUserID] = id
	return id, nil
}

func (m *MockRemote) LookupProfile(_ context.Context, platformUserID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LookupProfile"); err != nil {
		return "", err
	}
	if id, ok := m.profiles[platformUserID]; ok {
		return id, nil
	}
	return "", remote.ErrProfileNotFound
}

func (m *MockRemote) UpsertHistory(_ context.Context, profileID string, records []model.TrackPlayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertHistory"); err != nil {
		return err
	}
	for _, r := range records {
		m.history[historyKey{profileID, r.ID, r.Timestamp}] = r
	}
	return nil
}

func (m *MockRemote) FetchHistory(_ context.Context, profileID string, limit int) ([]model.TrackPlayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FetchHistory"); err != nil {
		return nil, err
	}
	var out []model.TrackPlayRecord
	for k, r := range m.history {
		if k.profile == profileID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRemote) PruneHistory(_ context.Context, profileID string, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PruneHistory"); err != nil {
		return 0, err
	}
	var n int64
	for k := range m.history {
		if k.profile == profileID && k.at < before {
			delete(m.history, k)
			n++
		}
	}
	return n, nil
}

func (m *MockRemote) UpsertSessions(_ context.Context, profileID string, sessions []model.ShieldSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertSessions"); err != nil {
		return err
	}
	byStart := m.sessions[profileID]
	if byStart == nil {
		byStart = make(map[int64]model.ShieldSession)
		m.sessions[profileID] = byStart
	}
	for _, s := range sessions {
		cur, ok := byStart[s.Start]
		if !ok {
			byStart[s.Start] = copySession(s)
			continue
		}
		switch {
		case s.End == nil:
		case cur.End == nil || *s.End > *cur.End:
			v := *s.End
			cur.End = &v
		}
		if s.Source != "" {
			cur.Source = s.Source
		}
		if s.AutoDisableMs != 0 {
			cur.AutoDisableMs = s.AutoDisableMs
		}
		byStart[s.Start] = cur
	}
	return nil
}

func (m *MockRemote) FetchSessions(_ context.Context, profileID string) ([]model.ShieldSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FetchSessions"); err != nil {
		return nil, err
	}
	var out []model.ShieldSession
	for _, s := range m.sessions[profileID] {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *MockRemote) UpsertRules(_ context.Context, profileID string, timeRules []model.TimeRule, deviceRules []model.DeviceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertRules"); err != nil {
		return err
	}
	byID := m.rules[profileID]
	if byID == nil {
		byID = make(map[string]ruleEntry)
		m.rules[profileID] = byID
	}
	for _, r := range timeRules {
		r := r
		if cur, ok := byID[r.ID]; !ok || r.UpdatedAt >= cur.at {
			byID[r.ID] = ruleEntry{time: &r, at: r.UpdatedAt}
		}
	}
	for _, r := range deviceRules {
		r := r
		if cur, ok := byID[r.ID]; !ok || r.UpdatedAt >= cur.at {
			byID[r.ID] = ruleEntry{device: &r, at: r.UpdatedAt}
		}
	}
	return nil
}

func (m *MockRemote) FetchRules(_ context.Context, profileID string) (remote.Rules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FetchRules"); err != nil {
		return remote.Rules{}, err
	}
	var out remote.Rules
	for _, e := range m.rules[profileID] {
		if e.time != nil {
			out.TimeRules = append(out.TimeRules, *e.time)
		}
		if e.device != nil {
			out.DeviceRules = append(out.DeviceRules, *e.device)
		}
	}
	sort.Slice(out.TimeRules, func(i, j int) bool { return out.TimeRules[i].ID < out.TimeRules[j].ID })
	sort.Slice(out.DeviceRules, func(i, j int) bool { return out.DeviceRules[i].ID < out.DeviceRules[j].ID })
	return out, nil
}

func (m *MockRemote) DeleteRules(_ context.Context, profileID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteRules"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.rules[profileID], id)
	}
	return nil
}

func (m *MockRemote) DeleteProfile(_ context.Context, profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteProfile"); err != nil {
		return err
	}
	found := false
	for user, id := range m.profiles {
		if id == profileID {
			delete(m.profiles, user)
			found = true
		}
	}
	if !found {
		return remote.ErrProfileNotFound
	}
	for k := range m.history {
		if k.profile == profileID {
			delete(m.history, k)
		}
	}
	delete(m.sessions, profileID)
	delete(m.rules, profileID)
	return nil
}

func (m *MockRemote) Close() error { return nil }

func copySession(s model.ShieldSession) model.ShieldSession {
	if s.End != nil {
		v := *s.End
		s.End = &v
	}
	return s
}
