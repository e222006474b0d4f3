package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/platform"
)

type mockResource struct {
	res   platform.Resource
	items []string
}

// MockPlatform implements platform.Client for testing.
// All methods are safe for concurrent use.
type MockPlatform struct {
	mu sync.Mutex

	user      platform.User
	recent    []model.TrackPlayRecord
	current   *model.TrackPlayRecord
	devices   []platform.Device
	resources map[string]*mockResource
	order     []string // resource ids in creation order

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Sticky errors returned on every call until cleared
	sticky map[string]error

	// Hooks run before a method returns, outside the lock
	hooks map[string]func()

	// Call counts per method
	calls map[string]int

	nextID int
}

// NewMockPlatform returns a MockPlatform with user "user-1" and no resources.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		user:      platform.User{ID: "user-1", DisplayName: "Test User"},
		resources: make(map[string]*mockResource),
		errors:    make(map[string]error),
		sticky:    make(map[string]error),
		hooks:     make(map[string]func()),
		calls:     make(map[string]int),
	}
}

// SetUser presets the current user.
func (m *MockPlatform) SetUser(u platform.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = u
}

// SetRecentPlays presets the recently played list.
func (m *MockPlatform) SetRecentPlays(records []model.TrackPlayRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append([]model.TrackPlayRecord(nil), records...)
}

// SetCurrentlyPlaying presets the current track; nil means nothing plays.
func (m *MockPlatform) SetCurrentlyPlaying(rec *model.TrackPlayRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = rec
}

// SetDevices presets the available devices.
func (m *MockPlatform) SetDevices(devices []platform.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]platform.Device(nil), devices...)
}

// AddResource presets an existing resource with optional items.
func (m *MockPlatform) AddResource(r platform.Resource, items ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = &mockResource{res: r, items: append([]string(nil), items...)}
	m.order = append(m.order, r.ID)
}

// DeleteResource removes a resource as if the user deleted it.
func (m *MockPlatform) DeleteResource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
}

// Items returns the URIs in a resource.
func (m *MockPlatform) Items(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil
	}
	return append([]string(nil), r.items...)
}

// ResourceIDs returns every live resource id in creation order.
func (m *MockPlatform) ResourceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		if _, ok := m.resources[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockPlatform) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetStickyError makes every call to the named method fail until cleared with nil.
func (m *MockPlatform) SetStickyError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// SetHook registers fn to run on every call to the named method before it
// returns. The lock is not held while fn runs.
func (m *MockPlatform) SetHook(method string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[method] = fn
}

// Calls returns how many times the named method has been called.
func (m *MockPlatform) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter counts the call, runs the hook and pops any injected error.
func (m *MockPlatform) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	hook := m.hooks[method]
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sticky[method]; err != nil {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Client interface implementation ----------------------------------------

func (m *MockPlatform) FetchCurrentUser(ctx context.Context) (platform.User, error) {
	if err := m.enter("FetchCurrentUser"); err != nil {
		return platform.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user, nil
}

func (m *MockPlatform) FetchRecentPlays(ctx context.Context, limit int) ([]model.TrackPlayRecord, error) {
	if err := m.enter("FetchRecentPlays"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.TrackPlayRecord(nil), m.recent...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPlatform) FetchCurrentlyPlaying(ctx context.Context) (*model.TrackPlayRecord, error) {
	if err := m.enter("FetchCurrentlyPlaying"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, nil
	}
	rec := *m.current
	return &rec, nil
}

func (m *MockPlatform) FetchAvailableDevices(ctx context.Context) ([]platform.Device, error) {
	if err := m.enter("FetchAvailableDevices"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platform.Device(nil), m.devices...), nil
}

func (m *MockPlatform) FetchActiveDevice(ctx context.Context) (*platform.Device, error) {
	if err := m.enter("FetchActiveDevice"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.IsActive {
			dev := d
			return &dev, nil
		}
	}
	return nil, nil
}

func (m *MockPlatform) FindResourceByName(ctx context.Context, name string) (*platform.Resource, error) {
	if err := m.enter("FindResourceByName"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		r, ok := m.resources[id]
		if ok && r.res.Name == name {
			res := r.res
			return &res, nil
		}
	}
	return nil, nil
}

func (m *MockPlatform) FetchResource(ctx context.Context, id string) (platform.Resource, error) {
	if err := m.enter("FetchResource"); err != nil {
		return platform.Resource{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return platform.Resource{}, &platform.ErrNotFound{ID: id}
	}
	return r.res, nil
}

func (m *MockPlatform) CreateResource(ctx context.Context, ownerID, name, description string) (platform.Resource, error) {
	if err := m.enter("CreateResource"); err != nil {
		return platform.Resource{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	res := platform.Resource{
		ID:          fmt.Sprintf("mock-resource-%d", m.nextID),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
	}
	m.resources[res.ID] = &mockResource{res: res}
	m.order = append(m.order, res.ID)
	return res, nil
}

func (m *MockPlatform) AddItemToResource(ctx context.Context, resourceID, uri string) error {
	if err := m.enter("AddItemToResource"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return &platform.ErrNotFound{ID: resourceID}
	}
	r.items = append(r.items, uri)
	return nil
}

func (m *MockPlatform) RemoveItemFromResource(ctx context.Context, resourceID, uri string) error {
	if err := m.enter("RemoveItemFromResource"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return &platform.ErrNotFound{ID: resourceID}
	}
	kept := r.items[:0]
	for _, it := range r.items {
		if it != uri {
			kept = append(kept, it)
		}
	}
	r.items = kept
	return nil
}

func (m *MockPlatform) Close() error { return nil }
