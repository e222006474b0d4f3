package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/developingchet/tasteshield/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVSetGetRemove(t *testing.T) {
	s := newTestStore(t)

	var got string
	if err := s.Get("auth/refresh-token", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Set: want ErrNotFound, got %v", err)
	}

	if err := s.Set("auth/refresh-token", "rt-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Get("auth/refresh-token", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "rt-123" {
		t.Errorf("Get: got %q, want rt-123", got)
	}

	if err := s.Remove("auth/refresh-token"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Get("auth/refresh-token", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Remove: want ErrNotFound, got %v", err)
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sessions, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions on empty store: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}

	end := int64(2000)
	want := []model.ShieldSession{
		{Start: 1000, End: &end, Source: model.SourceManual},
		{Start: 5000, Source: model.SourceDeviceRule},
	}
	if err := s.SaveSessions(want); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}
	got, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].End == nil || *got[0].End != 2000 {
		t.Errorf("first session end not preserved: %+v", got[0])
	}
	if got[1].End != nil {
		t.Errorf("open session should keep nil end, got %d", *got[1].End)
	}
	if got[1].Source != model.SourceDeviceRule {
		t.Errorf("source: got %q", got[1].Source)
	}
}

func TestRulesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	empty, err := s.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if empty.Tombstones == nil {
		t.Fatal("LoadRules should return a non-nil tombstone map")
	}

	set := RuleSet{
		TimeRules: []model.TimeRule{{
			ID: "night", Name: "Night", Days: []string{"Monday"},
			StartTime: "10:00 PM", EndTime: "6:00 AM", Enabled: true,
		}},
		DeviceRules: []model.DeviceRule{{
			ID: "kitchen", DeviceID: "dev-1", Enabled: true, AutoShield: true, ShieldDuration: 30,
		}},
		Tombstones: map[string]int64{"old": 42},
	}
	if err := s.SaveRules(set); err != nil {
		t.Fatalf("SaveRules: %v", err)
	}
	got, err := s.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(got.TimeRules) != 1 || got.TimeRules[0].StartTime != "10:00 PM" {
		t.Errorf("time rules not preserved: %+v", got.TimeRules)
	}
	if len(got.DeviceRules) != 1 || got.DeviceRules[0].ShieldDuration != 30 {
		t.Errorf("device rules not preserved: %+v", got.DeviceRules)
	}
	if got.Tombstones["old"] != 42 {
		t.Errorf("tombstones not preserved: %+v", got.Tombstones)
	}
}

func TestSaveHistoryCapsAtLimit(t *testing.T) {
	s := newTestStore(t)

	records := make([]model.TrackPlayRecord, 0, HistoryCap+25)
	for i := 0; i < HistoryCap+25; i++ {
		records = append(records, model.TrackPlayRecord{ID: fmt.Sprintf("t%d", i), Timestamp: int64(10000 - i)})
	}
	if err := s.SaveHistory(records); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	got, err := s.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != HistoryCap {
		t.Fatalf("expected %d records, got %d", HistoryCap, len(got))
	}
	if got[0].ID != "t0" {
		t.Errorf("newest record should be kept first, got %q", got[0].ID)
	}
}

func TestFlags(t *testing.T) {
	s := newTestStore(t)

	set, err := s.FlagIsSet("exclusion-notice:abc")
	if err != nil || set {
		t.Fatalf("FlagIsSet before SetFlag: set=%v err=%v", set, err)
	}
	if err := s.SetFlag("exclusion-notice:abc"); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	set, err = s.FlagIsSet("exclusion-notice:abc")
	if err != nil || !set {
		t.Fatalf("FlagIsSet after SetFlag: set=%v err=%v", set, err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSessions([]model.ShieldSession{{Start: 7}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Start != 7 {
		t.Errorf("sessions not persisted across reopen: %+v", got)
	}

	size, err := s2.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Errorf("SizeBytes should be positive, got %d", size)
	}
}
