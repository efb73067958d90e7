package session

import (
	"slices"
	"strings"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/registry"
)

// Get returns the session with the given id, live or historical.
func (m *Manager) Get(id string) (lab.Session, error) {
	if e, ok := m.reg.Get(id); ok {
		return e.Snapshot(), nil
	}
	row, err := m.store.GetSession(id)
	if err != nil {
		return lab.Session{}, opError("get", id, lab.ErrRuntimeUnavailable, err)
	}
	if row == nil {
		return lab.Session{}, lab.NewError("get", id, lab.ErrSessionNotFound, nil)
	}
	return *row, nil
}

// List returns the sessions currently tracked for courseID, or for every
// course when courseID is empty, oldest first.
func (m *Manager) List(courseID string) []lab.Session {
	var entries []*registry.Entry
	if courseID == "" {
		entries = m.reg.All()
	} else {
		entries = m.reg.ByCourse(courseID)
	}
	return snapshots(entries)
}

// History returns every persisted session of a course, including stopped ones.
func (m *Manager) History(courseID string) ([]lab.Session, error) {
	rows, err := m.store.ListSessionsByCourse(courseID)
	if err != nil {
		return nil, opError("history", "", lab.ErrRuntimeUnavailable, err)
	}
	out := make([]lab.Session, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// Sessions returns a snapshot of every tracked session.
func (m *Manager) Sessions() []lab.Session {
	return snapshots(m.reg.All())
}

// Count returns how many tracked sessions are in a state matching fn.
func (m *Manager) Count(fn func(lab.State) bool) int {
	return m.reg.Count(fn)
}

func (m *Manager) CountByState() map[lab.State]int {
	return m.reg.CountByState()
}

func snapshots(entries []*registry.Entry) []lab.Session {
	out := make([]lab.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	slices.SortFunc(out, func(a, b lab.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
