package shield

import (
	"testing"

	"github.com/developingchet/tasteshield/internal/model"
)

func end(v int64) *int64 { return &v }

func TestMergeSessions(t *testing.T) {
	cases := []struct {
		name      string
		local     []model.ShieldSession
		remote    []model.ShieldSession
		openStart *int64
		want      []model.ShieldSession
	}{
		{
			name:   "remote adds missing closed sessions",
			local:  []model.ShieldSession{{Start: 300, End: end(400)}},
			remote: []model.ShieldSession{{Start: 100, End: end(200)}},
			want:   []model.ShieldSession{{Start: 100, End: end(200)}, {Start: 300, End: end(400)}},
		},
		{
			name:   "closed beats open",
			local:  []model.ShieldSession{{Start: 100}},
			remote: []model.ShieldSession{{Start: 100, End: end(150)}},
			want:   []model.ShieldSession{{Start: 100, End: end(150)}},
		},
		{
			name:   "later end wins",
			local:  []model.ShieldSession{{Start: 100, End: end(150)}},
			remote: []model.ShieldSession{{Start: 100, End: end(180)}},
			want:   []model.ShieldSession{{Start: 100, End: end(180)}},
		},
		{
			name:   "earlier remote end loses",
			local:  []model.ShieldSession{{Start: 100, End: end(180)}},
			remote: []model.ShieldSession{{Start: 100, End: end(150)}},
			want:   []model.ShieldSession{{Start: 100, End: end(180)}},
		},
		{
			name:      "local active session stays open and last",
			local:     []model.ShieldSession{{Start: 100, End: end(150)}, {Start: 500}},
			remote:    []model.ShieldSession{{Start: 500, End: end(600)}, {Start: 700, End: end(800)}},
			openStart: end(500),
			want:      []model.ShieldSession{{Start: 100, End: end(150)}, {Start: 500}},
		},
		{
			name:   "trailing remote open session is closed when locally inactive",
			local:  []model.ShieldSession{{Start: 100, End: end(150)}},
			remote: []model.ShieldSession{{Start: 900}},
			want:   []model.ShieldSession{{Start: 100, End: end(150)}, {Start: 900, End: end(1000)}},
		},
		{
			name:   "open remote session not last is closed at the next start",
			local:  []model.ShieldSession{{Start: 500, End: end(600)}},
			remote: []model.ShieldSession{{Start: 100}},
			want:   []model.ShieldSession{{Start: 100, End: end(500)}, {Start: 500, End: end(600)}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := MergeSessions(c.local, c.remote, c.openStart, 1000)
			if len(got) != len(c.want) {
				t.Fatalf("len: got %d want %d: %+v", len(got), len(c.want), got)
			}
			for i := range got {
				if got[i].Start != c.want[i].Start {
					t.Errorf("[%d] start: got %d want %d", i, got[i].Start, c.want[i].Start)
				}
				switch {
				case got[i].End == nil && c.want[i].End == nil:
				case got[i].End == nil || c.want[i].End == nil:
					t.Errorf("[%d] end: got %v want %v", i, got[i].End, c.want[i].End)
				case *got[i].End != *c.want[i].End:
					t.Errorf("[%d] end: got %d want %d", i, *got[i].End, *c.want[i].End)
				}
			}
		})
	}
}

func TestMergeSessionsIdempotent(t *testing.T) {
	local := []model.ShieldSession{{Start: 100, End: end(150)}}
	remote := []model.ShieldSession{{Start: 100, End: end(180)}, {Start: 300, End: end(400)}}
	once := MergeSessions(local, remote, nil, 1000)
	twice := MergeSessions(once, remote, nil, 1000)
	if len(once) != len(twice) {
		t.Fatalf("merge not idempotent: %+v vs %+v", once, twice)
	}
	for i := range once {
		if once[i].Start != twice[i].Start || *once[i].End != *twice[i].End {
			t.Errorf("[%d] differs: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestTrackerMergeRemoteKeepsActiveFlag(t *testing.T) {
	h := newHarness(t, AutoDisable{})
	h.tr.Toggle()
	start := h.tr.ActivatedAt()

	h.tr.MergeRemote([]model.ShieldSession{{Start: start, End: end(start + 10)}, {Start: 1, End: end(2)}})
	if !h.tr.IsActive() {
		t.Fatal("pull must not change the active flag")
	}
	sessions := h.tr.Sessions()
	checkSessionShape(t, sessions, true)
	if len(sessions) != 2 {
		t.Errorf("expected remote history merged in: %+v", sessions)
	}
}
