package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/registry"
	"github.com/p-arndt/labkasten/internal/runtime"
)

// Pause freezes a running session. Pausing a paused session is a no-op.
func (m *Manager) Pause(ctx context.Context, id, reason string) (lab.Session, error) {
	e, sess, err := m.acquire(ctx, "pause", id)
	if err != nil {
		return lab.Session{}, err
	}
	if e == nil {
		return sess, invalid("pause", sess, lab.StatePaused)
	}
	defer e.Unlock()
	return m.pauseLocked(ctx, e, reason)
}

// PauseIdle pauses the session only if it has seen no activity after cutoff,
// checked under the session's operation token. paused is false when the
// session was active again by the time the token was held.
func (m *Manager) PauseIdle(ctx context.Context, id string, cutoff time.Time, reason string) (sess lab.Session, paused bool, err error) {
	e, sess, err := m.acquire(ctx, "pause", id)
	if err != nil {
		return lab.Session{}, false, err
	}
	if e == nil {
		return sess, false, invalid("pause", sess, lab.StatePaused)
	}
	defer e.Unlock()
	if sess.State != lab.StateRunning || sess.LastActiveAt.After(cutoff) {
		return sess, false, nil
	}
	sess, err = m.pauseLocked(ctx, e, reason)
	return sess, err == nil, err
}

func (m *Manager) pauseLocked(ctx context.Context, e *registry.Entry, reason string) (lab.Session, error) {
	sess := e.Snapshot()
	switch sess.State {
	case lab.StatePaused:
		return sess, nil
	case lab.StateRunning:
	default:
		return sess, invalid("pause", sess, lab.StatePaused)
	}

	m.health.Cancel(sess.ID)

	cctx, cancel := m.callCtx(ctx)
	err := m.runtime.Pause(cctx, sess.RuntimeHandle)
	cancel()
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return m.fail(ctx, e, "pause", reasonRuntime, lab.ErrRuntimeUnavailable, fmt.Errorf("container %s is gone", sess.RuntimeHandle))
		}
		return sess, opError("pause", sess.ID, lab.ErrRuntimeUnavailable, err)
	}

	now := m.now()
	sess, err = m.transition(ctx, e, lab.StatePaused, reason, func(s *lab.Session) {
		s.PausedAt = &now
	})
	if err != nil {
		return sess, opError("pause", sess.ID, lab.ErrRuntimeUnavailable, err)
	}
	return sess, nil
}

// Resume thaws a paused session and re-verifies every surface before
// returning. A primary surface that does not come back fails the session.
func (m *Manager) Resume(ctx context.Context, id, reason string) (lab.Session, error) {
	e, sess, err := m.acquire(ctx, "resume", id)
	if err != nil {
		return lab.Session{}, err
	}
	if e == nil {
		return sess, invalid("resume", sess, lab.StateRunning)
	}
	defer e.Unlock()
	return m.resumeLocked(ctx, e, reason)
}

func (m *Manager) resumeLocked(ctx context.Context, e *registry.Entry, reason string) (lab.Session, error) {
	sess := e.Snapshot()
	if sess.State != lab.StatePaused {
		return sess, invalid("resume", sess, lab.StateRunning)
	}

	cctx, cancel := m.callCtx(ctx)
	err := m.runtime.Unpause(cctx, sess.RuntimeHandle)
	cancel()
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return m.fail(ctx, e, "resume", reasonRuntime, lab.ErrRuntimeUnavailable, fmt.Errorf("container %s is gone", sess.RuntimeHandle))
		}
		return sess, opError("resume", sess.ID, lab.ErrRuntimeUnavailable, err)
	}

	primary, verr := m.verifySurfaces(ctx, e, sess, true)
	if verr == nil && primary != lab.HealthHealthy {
		return lab.Session{}, m.failUnhealthy(ctx, e, "resume", sess)
	}

	// The container runs again whether or not the caller waited for the
	// surfaces; the record follows it.
	now := m.now()
	sess, err = m.transition(ctx, e, lab.StateRunning, reason, func(s *lab.Session) {
		s.PausedAt = nil
		s.LastActiveAt = now
	})
	if err != nil {
		return sess, opError("resume", sess.ID, lab.ErrRuntimeUnavailable, err)
	}
	if verr != nil {
		return sess, opError("resume", sess.ID, lab.ErrRuntimeUnavailable, verr)
	}
	return sess, nil
}

// Stop tears the session down and records it as stopped. Stopping a stopped
// session is a no-op that returns it. A teardown that does not complete
// leaves the session stopping; calling Stop again finishes it.
func (m *Manager) Stop(ctx context.Context, id, reason string) (lab.Session, error) {
	e, sess, err := m.acquire(ctx, "stop", id)
	if err != nil {
		return lab.Session{}, err
	}
	if e == nil {
		if sess.State == lab.StateStopped {
			return sess, nil
		}
		return sess, invalid("stop", sess, lab.StateStopping)
	}
	defer e.Unlock()
	return m.stopLocked(ctx, e, reason)
}

// StopIdle is Stop for the reaper: a session with activity after cutoff is
// left alone and stopped is false.
func (m *Manager) StopIdle(ctx context.Context, id string, cutoff time.Time, reason string) (sess lab.Session, stopped bool, err error) {
	e, sess, err := m.acquire(ctx, "stop", id)
	if err != nil {
		return lab.Session{}, false, err
	}
	if e == nil {
		return sess, false, nil
	}
	defer e.Unlock()
	if sess.LastActiveAt.After(cutoff) {
		return sess, false, nil
	}
	sess, err = m.stopLocked(ctx, e, reason)
	return sess, err == nil, err
}

func (m *Manager) stopLocked(ctx context.Context, e *registry.Entry, reason string) (lab.Session, error) {
	sess := e.Snapshot()
	switch sess.State {
	case lab.StateStopped:
		m.reg.Remove(e)
		return sess, nil
	case lab.StateCreating:
		return sess, invalid("stop", sess, lab.StateStopping)
	}

	sess, err := m.transition(ctx, e, lab.StateStopping, reason, nil)
	if err != nil {
		return sess, opError("stop", sess.ID, lab.ErrRuntimeUnavailable, err)
	}

	if err := m.teardown(ctx, sess); err != nil {
		m.logger.Warn("teardown incomplete, session left stopping", "session_id", sess.ID, "error", err)
		return sess, opError("stop", sess.ID, lab.ErrRuntimeUnavailable, err)
	}

	sess, err = m.transition(ctx, e, lab.StateStopped, reason, nil)
	if err != nil {
		return sess, opError("stop", sess.ID, lab.ErrRuntimeUnavailable, err)
	}
	m.reg.Remove(e)
	return sess, nil
}

// Touch records learner activity on a running or paused session.
func (m *Manager) Touch(ctx context.Context, id string) (lab.Session, error) {
	e, sess, err := m.acquire(ctx, "touch", id)
	if err != nil {
		return lab.Session{}, err
	}
	if e == nil {
		return sess, lab.NewError("touch", id, lab.ErrInvalidTransition, fmt.Errorf("session is %s", sess.State))
	}
	defer e.Unlock()

	if sess.State != lab.StateRunning && sess.State != lab.StatePaused {
		return sess, lab.NewError("touch", id, lab.ErrInvalidTransition, fmt.Errorf("session is %s", sess.State))
	}
	sess, err = m.update(e, func(s *lab.Session) { s.LastActiveAt = m.now() })
	if err != nil {
		return sess, opError("touch", id, lab.ErrRuntimeUnavailable, err)
	}
	return sess, nil
}
