package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/registry"
	"github.com/p-arndt/labkasten/internal/runtime"
)

// Orphan is a lab container no session owns.
type Orphan struct {
	ContainerID string `json:"container_id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	CourseID    string `json:"course_id"`
	Reason      string `json:"reason"`
}

type ReconcileReport struct {
	Loaded     int      `json:"loaded"`
	Adopted    int      `json:"adopted"`
	Failed     int      `json:"failed"`
	RolledBack int      `json:"rolled_back"`
	Finished   int      `json:"finished"`
	Orphans    []Orphan `json:"orphans,omitempty"`
}

// Reconcile brings the registry in line with the store and the runtime after
// a restart. Sessions already tracked in memory are left alone, so calling it
// again is safe.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	rows, err := m.store.ListActiveSessions()
	if err != nil {
		return rep, fmt.Errorf("loading sessions: %w", err)
	}
	cctx, cancel := m.callCtx(ctx)
	containers, err := m.runtime.List(cctx)
	cancel()
	if err != nil {
		return rep, opError("reconcile", "", lab.ErrRuntimeUnavailable, err)
	}
	byID := make(map[string]runtime.Container, len(containers))
	for _, c := range containers {
		byID[c.ID] = c
	}

	known := make(map[string]bool, len(rows))
	var fresh []*lab.Session
	for _, r := range rows {
		known[r.ID] = true
		if _, ok := m.reg.Get(r.ID); !ok {
			fresh = append(fresh, r)
		}
	}
	conflicts := m.reg.Load(fresh)
	rep.Loaded = len(fresh) - len(conflicts)

	for _, c := range conflicts {
		m.retire(ctx, c)
		rep.Finished++
	}

	for _, r := range fresh {
		e, ok := m.reg.Get(r.ID)
		if !ok {
			continue
		}
		if err := e.Lock(ctx); err != nil {
			continue
		}
		m.reconcileEntry(ctx, e, byID, &rep)
		e.Unlock()
	}

	for _, c := range containers {
		if known[c.SessionID] {
			continue
		}
		if e, ok := m.reg.Get(c.SessionID); ok && e.Snapshot().RuntimeHandle == c.ID {
			continue
		}
		if reason := m.adopt(ctx, c); reason != "" {
			o := Orphan{ContainerID: c.ID, SessionID: c.SessionID, UserID: c.UserID, CourseID: c.CourseID, Reason: reason}
			rep.Orphans = append(rep.Orphans, o)
			m.logger.Warn("orphaned lab container needs manual cleanup", "container_id", c.ID, "session_id", c.SessionID, "reason", reason)
			m.events.Publish(ctx, events.Orphan(c.SessionID, c.UserID, c.CourseID, reason))
			continue
		}
		rep.Adopted++
	}

	m.logger.Info("reconciled sessions",
		"loaded", rep.Loaded,
		"adopted", rep.Adopted,
		"failed", rep.Failed,
		"rolled_back", rep.RolledBack,
		"finished", rep.Finished,
		"orphans", len(rep.Orphans),
	)
	return rep, nil
}

func (m *Manager) reconcileEntry(ctx context.Context, e *registry.Entry, containers map[string]runtime.Container, rep *ReconcileReport) {
	sess := e.Snapshot()
	switch sess.State {
	case lab.StateCreating:
		if err := m.teardown(ctx, sess); err != nil {
			m.logger.Warn("rollback of interrupted create incomplete", "session_id", sess.ID, "error", err)
			return
		}
		m.discard(e)
		rep.RolledBack++

	case lab.StateStopping:
		if _, err := m.stopLocked(ctx, e, ReasonReconcile); err != nil {
			m.logger.Warn("interrupted stop not finished", "session_id", sess.ID, "error", err)
			return
		}
		rep.Finished++

	case lab.StateRunning, lab.StatePaused:
		c, ok := containers[sess.RuntimeHandle]
		if !ok || (c.State != runtime.ContainerRunning && c.State != runtime.ContainerPaused) {
			cause := fmt.Errorf("container %s missing after restart", sess.RuntimeHandle)
			if ok {
				cause = fmt.Errorf("container %s is %s after restart", sess.RuntimeHandle, c.State)
			}
			m.fail(ctx, e, "reconcile", ReasonReconcile, lab.ErrRuntimeUnavailable, cause)
			rep.Failed++
			return
		}
		if err := m.ports.Reserve(sess.ID, bindingsOf(sess)); err != nil {
			m.fail(ctx, e, "reconcile", ReasonReconcile, lab.ErrResourceExhausted, fmt.Errorf("reserving ports: %w", err))
			rep.Failed++
			return
		}
		m.alignPauseState(ctx, e, sess, c.State)
	}
}

// alignPauseState makes the record agree with what the runtime reports.
func (m *Manager) alignPauseState(ctx context.Context, e *registry.Entry, sess lab.Session, state runtime.ContainerState) {
	var err error
	switch {
	case sess.State == lab.StateRunning && state == runtime.ContainerPaused:
		now := m.now()
		_, err = m.transition(ctx, e, lab.StatePaused, ReasonReconcile, func(s *lab.Session) { s.PausedAt = &now })
	case sess.State == lab.StatePaused && state == runtime.ContainerRunning:
		_, err = m.transition(ctx, e, lab.StateRunning, ReasonReconcile, func(s *lab.Session) { s.PausedAt = nil })
	}
	if err != nil {
		m.logger.Warn("failed to align session with runtime", "session_id", sess.ID, "error", err)
	}
}

// retire tears down the older of two persisted sessions for one key and
// records it as stopped.
func (m *Manager) retire(ctx context.Context, sess lab.Session) {
	if err := m.teardown(ctx, sess); err != nil {
		m.logger.Warn("teardown of duplicate session incomplete", "session_id", sess.ID, "error", err)
		return
	}
	from := sess.State
	sess.State = lab.StateStopped
	sess.Version++
	if err := m.store.SaveSession(&sess); err != nil {
		m.logger.Warn("failed to record duplicate session as stopped", "session_id", sess.ID, "error", err)
		return
	}
	m.events.Publish(ctx, events.Transition(&sess, from, ReasonReconcile))
}

// adopt registers a labelled container nobody owns as a live session. It
// returns why the container could not be adopted, or "" on success.
func (m *Manager) adopt(ctx context.Context, c runtime.Container) string {
	switch {
	case c.SessionID == "" || c.UserID == "" || c.CourseID == "":
		return "missing session labels"
	case !m.cfg.Governor.AdoptOrphans:
		return "adoption disabled"
	case c.State != runtime.ContainerRunning && c.State != runtime.ContainerPaused:
		return fmt.Sprintf("container is %s", c.State)
	}
	if _, ok := m.reg.Lookup(lab.Key{UserID: c.UserID, CourseID: c.CourseID}); ok {
		return "another session owns the key"
	}
	if row, err := m.store.GetSession(c.SessionID); err == nil && row != nil && row.State == lab.StateStopped {
		return "session already stopped"
	}

	surfaces, err := m.surfacesOf(c)
	if err != nil {
		return err.Error()
	}
	if err := m.ports.Reserve(c.SessionID, c.Ports); err != nil {
		return fmt.Sprintf("ports unavailable: %v", err)
	}

	limits, _ := m.cfg.LimitsFor(len(surfaces) > 1)
	now := m.now()
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}
	e, ok, err := m.reg.Claim(lab.Session{
		ID:            c.SessionID,
		UserID:        c.UserID,
		CourseID:      c.CourseID,
		State:         lab.StateCreating,
		RuntimeHandle: c.ID,
		ImageTag:      c.Image,
		Surfaces:      surfaces,
		Limits:        limits,
		CreatedAt:     created,
		LastActiveAt:  now,
	})
	if err != nil || !ok {
		m.ports.Release(c.SessionID)
		if err != nil {
			return err.Error()
		}
		return "another session owns the key"
	}
	defer e.Unlock()

	if _, err := m.transition(ctx, e, lab.StateRunning, ReasonReconcile, nil); err != nil {
		m.ports.Release(c.SessionID)
		m.discard(e)
		return err.Error()
	}
	if c.State == runtime.ContainerPaused {
		m.alignPauseState(ctx, e, e.Snapshot(), c.State)
	}
	m.logger.Info("adopted orphaned lab container", "container_id", c.ID, "session_id", c.SessionID, "user_id", c.UserID, "course_id", c.CourseID)
	return ""
}

// surfacesOf recovers the ordered surfaces of a container from its labels and
// published ports.
func (m *Manager) surfacesOf(c runtime.Container) ([]lab.Surface, error) {
	hostPort := make(map[int]int, len(c.Ports))
	for _, p := range c.Ports {
		hostPort[p.InternalPort] = p.HostPort
	}

	var kinds []lab.SurfaceKind
	if label := c.Labels[runtime.LabelSurfaces]; label != "" {
		for _, name := range strings.Split(label, ",") {
			kinds = append(kinds, lab.SurfaceKind(name))
		}
	} else {
		byPort := make(map[int]lab.SurfaceKind, len(m.cfg.Surfaces))
		for name, sc := range m.cfg.Surfaces {
			byPort[sc.Port] = lab.SurfaceKind(name)
		}
		for _, p := range c.Ports {
			if k, ok := byPort[p.InternalPort]; ok {
				kinds = append(kinds, k)
			}
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no known surfaces published")
	}

	surfaces := make([]lab.Surface, 0, len(kinds))
	for _, k := range kinds {
		sc, ok := m.cfg.Surfaces[string(k)]
		if !ok {
			return nil, fmt.Errorf("unknown surface %q", k)
		}
		ext, ok := hostPort[sc.Port]
		if !ok {
			return nil, fmt.Errorf("surface %s not published", k)
		}
		surfaces = append(surfaces, lab.Surface{Kind: k, InternalPort: sc.Port, ExternalPort: ext, Health: lab.HealthUnknown})
	}
	return surfaces, nil
}

func bindingsOf(sess lab.Session) []runtime.PortBinding {
	out := make([]runtime.PortBinding, len(sess.Surfaces))
	for i, s := range sess.Surfaces {
		out[i] = runtime.PortBinding{InternalPort: s.InternalPort, HostPort: s.ExternalPort}
	}
	return out
}
