package shield

import (
	"sort"

	"github.com/developingchet/tasteshield/internal/model"
)

// MergeSessions merges remote sessions into local ones keyed by start time.
// A closed session beats an open one and the later end wins between two
// closed ones. openStart, when non-nil, is the start of the local active
// session: it stays open and last, so remote sessions starting after it are
// dropped. When openStart is nil a trailing open session is closed at now.
func MergeSessions(local, remote []model.ShieldSession, openStart *int64, now int64) []model.ShieldSession {
	byStart := make(map[int64]model.ShieldSession, len(local)+len(remote))
	for _, s := range local {
		byStart[s.Start] = s
	}
	for _, r := range remote {
		if openStart != nil && r.Start > *openStart {
			continue
		}
		l, ok := byStart[r.Start]
		if !ok {
			byStart[r.Start] = r
			continue
		}
		byStart[r.Start] = pickSession(l, r)
	}
	if openStart != nil {
		if s, ok := byStart[*openStart]; ok {
			s.End = nil
			byStart[*openStart] = s
		}
	}

	out := make([]model.ShieldSession, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, s)
	}
	out = repair(out)

	if openStart == nil && len(out) > 0 && out[len(out)-1].Open() {
		end := now
		if end < out[len(out)-1].Start {
			end = out[len(out)-1].Start
		}
		out[len(out)-1].End = &end
	}
	return out
}

func pickSession(local, remote model.ShieldSession) model.ShieldSession {
	switch {
	case local.Open() && !remote.Open(),
		!local.Open() && !remote.Open() && *remote.End > *local.End:
		if remote.Source == "" {
			remote.Source = local.Source
		}
		if remote.AutoDisableMs == 0 {
			remote.AutoDisableMs = local.AutoDisableMs
		}
		return remote
	default:
		return local
	}
}

// repair sorts sessions by start and closes any open session that is not
// last at the start of the session after it.
func repair(sessions []model.ShieldSession) []model.ShieldSession {
	out := cloneSessions(sessions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 0; i < len(out)-1; i++ {
		if out[i].Open() {
			end := out[i+1].Start
			out[i].End = &end
		}
	}
	return out
}
