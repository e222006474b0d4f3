package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRuleNotFound is returned when deleting an unknown rule id.
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore is the slice of the local store the rule book needs.
type RuleStore interface {
	LoadRules() (storage.RuleSet, error)
	SaveRules(rules storage.RuleSet) error
}

// Book holds the validated time and device rules. Every mutation is
// persisted before it returns.
type Book struct {
	mu    sync.Mutex
	set   storage.RuleSet
	store RuleStore
	now   func() time.Time
	log   zerolog.Logger
}

// NewBook returns an empty rule book. Call Load to hydrate it.
func NewBook(store RuleStore, log zerolog.Logger) *Book {
	return &Book{
		set:   storage.RuleSet{Tombstones: make(map[string]int64)},
		store: store,
		now:   time.Now,
		log:   log,
	}
}

// Load replaces in-memory rules with the persisted set.
func (b *Book) Load() error {
	set, err := b.store.LoadRules()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if set.Tombstones == nil {
		set.Tombstones = make(map[string]int64)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set = set
	return nil
}

// TimeRules returns a copy of the time rules ordered by id.
func (b *Book) TimeRules() []model.TimeRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]model.TimeRule(nil), b.set.TimeRules...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeviceRules returns a copy of the device rules ordered by id.
func (b *Book) DeviceRules() []model.DeviceRule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]model.DeviceRule(nil), b.set.DeviceRules...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tombstones returns deleted rule ids mapped to their deletion time (ms).
func (b *Book) Tombstones() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.set.Tombstones))
	for k, v := range b.set.Tombstones {
		out[k] = v
	}
	return out
}

// SaveTimeRule validates and upserts a time rule. An empty id is assigned a
// new one. The stored rule is returned.
func (b *Book) SaveTimeRule(r model.TimeRule) (model.TimeRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := ValidateTimeRule(r); err != nil {
		return model.TimeRule{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r.UpdatedAt = model.Millis(b.now())
	next := b.cloneLocked()
	replaced := false
	for i := range next.TimeRules {
		if next.TimeRules[i].ID == r.ID {
			next.TimeRules[i] = r
			replaced = true
		}
	}
	if !replaced {
		if b.idInUseLocked(r.ID) {
			return model.TimeRule{}, &ValidationError{Field: "id", Reason: "is already used by a device rule"}
		}
		next.TimeRules = append(next.TimeRules, r)
	}
	delete(next.Tombstones, r.ID)
	if err := b.commitLocked(next); err != nil {
		return model.TimeRule{}, err
	}
	return r, nil
}

// SaveDeviceRule validates and upserts a device rule. An empty id is
// assigned a new one. The stored rule is returned.
func (b *Book) SaveDeviceRule(r model.DeviceRule) (model.DeviceRule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := ValidateDeviceRule(r); err != nil {
		return model.DeviceRule{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r.UpdatedAt = model.Millis(b.now())
	next := b.cloneLocked()
	replaced := false
	for i := range next.DeviceRules {
		if next.DeviceRules[i].ID == r.ID {
			next.DeviceRules[i] = r
			replaced = true
		}
	}
	if !replaced {
		if b.idInUseLocked(r.ID) {
			return model.DeviceRule{}, &ValidationError{Field: "id", Reason: "is already used by a time rule"}
		}
		next.DeviceRules = append(next.DeviceRules, r)
	}
	delete(next.Tombstones, r.ID)
	if err := b.commitLocked(next); err != nil {
		return model.DeviceRule{}, err
	}
	return r, nil
}

// DeleteRule removes a time or device rule and leaves a tombstone so the
// deletion can be pushed to the remote repository.
func (b *Book) DeleteRule(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.cloneLocked()
	found := false
	kept := next.TimeRules[:0]
	for _, r := range next.TimeRules {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	next.TimeRules = kept
	keptDev := next.DeviceRules[:0]
	for _, r := range next.DeviceRules {
		if r.ID == id {
			found = true
			continue
		}
		keptDev = append(keptDev, r)
	}
	next.DeviceRules = keptDev
	if !found {
		return ErrRuleNotFound
	}
	next.Tombstones[id] = model.Millis(b.now())
	return b.commitLocked(next)
}

// ClearTombstones forgets tombstones once their deletion reached the remote.
func (b *Book) ClearTombstones(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.cloneLocked()
	for _, id := range ids {
		delete(next.Tombstones, id)
	}
	return b.commitLocked(next)
}

// MergeRemote folds pulled rules into the book by id. The newer UpdatedAt
// wins, ties keep the local copy, and tombstoned ids stay deleted. Remote
// rules that fail validation are skipped.
func (b *Book) MergeRemote(timeRules []model.TimeRule, deviceRules []model.DeviceRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.cloneLocked()
	changed := false

	timeIdx := make(map[string]int, len(next.TimeRules))
	for i, r := range next.TimeRules {
		timeIdx[r.ID] = i
	}
	for _, r := range timeRules {
		if _, dead := next.Tombstones[r.ID]; dead {
			continue
		}
		if err := ValidateTimeRule(r); err != nil {
			b.log.Warn().Str("rule", r.ID).Err(err).Msg("skipping invalid remote time rule")
			continue
		}
		if i, ok := timeIdx[r.ID]; ok {
			if r.UpdatedAt > next.TimeRules[i].UpdatedAt {
				next.TimeRules[i] = r
				changed = true
			}
			continue
		}
		timeIdx[r.ID] = len(next.TimeRules)
		next.TimeRules = append(next.TimeRules, r)
		changed = true
	}

	devIdx := make(map[string]int, len(next.DeviceRules))
	for i, r := range next.DeviceRules {
		devIdx[r.ID] = i
	}
	for _, r := range deviceRules {
		if _, dead := next.Tombstones[r.ID]; dead {
			continue
		}
		if err := ValidateDeviceRule(r); err != nil {
			b.log.Warn().Str("rule", r.ID).Err(err).Msg("skipping invalid remote device rule")
			continue
		}
		if i, ok := devIdx[r.ID]; ok {
			if r.UpdatedAt > next.DeviceRules[i].UpdatedAt {
				next.DeviceRules[i] = r
				changed = true
			}
			continue
		}
		devIdx[r.ID] = len(next.DeviceRules)
		next.DeviceRules = append(next.DeviceRules, r)
		changed = true
	}

	if !changed {
		return nil
	}
	return b.commitLocked(next)
}

func (b *Book) idInUseLocked(id string) bool {
	for _, r := range b.set.TimeRules {
		if r.ID == id {
			return true
		}
	}
	for _, r := range b.set.DeviceRules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (b *Book) cloneLocked() storage.RuleSet {
	next := storage.RuleSet{
		TimeRules:   append([]model.TimeRule(nil), b.set.TimeRules...),
		DeviceRules: append([]model.DeviceRule(nil), b.set.DeviceRules...),
		Tombstones:  make(map[string]int64, len(b.set.Tombstones)),
	}
	for k, v := range b.set.Tombstones {
		next.Tombstones[k] = v
	}
	return next
}

// commitLocked persists next and only then swaps it in.
func (b *Book) commitLocked(next storage.RuleSet) error {
	if err := b.store.SaveRules(next); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	b.set = next
	return nil
}
