// Package session is the lifecycle manager of lab sessions. Every state change
// of a session, whoever asks for it, goes through Manager.transition, and every
// way a session can end goes through Manager.teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/registry"
	"github.com/p-arndt/labkasten/internal/runtime"
)

// Reasons recorded on transitions.
const (
	ReasonRequest       = "request"
	ReasonBulk          = "bulk"
	ReasonIdle          = "idle"
	ReasonResource      = "resource"
	ReasonPausedTimeout = "paused_timeout"
	ReasonFailedCleanup = "failed_cleanup"
	ReasonReconcile     = "reconcile"
	ReasonReplace       = "replace"
	reasonUnhealthy     = "surface_unhealthy"
	reasonRuntime       = "runtime_error"
)

// ErrInvalidRequest marks caller input the manager refuses to act on.
var ErrInvalidRequest = errors.New("invalid request")

type Manager struct {
	cfg        *config.Config
	reg        *registry.Registry
	store      SessionStore
	runtime    RuntimeDriver
	images     ImageProvider
	ports      PortAllocator
	health     HealthVerifier
	workspaces WorkspaceProvider
	events     events.Publisher
	admit      Admitter
	logger     *slog.Logger

	now           func() time.Time
	retryInterval time.Duration

	// seq orders create calls against recorded failures.
	seq atomic.Uint64
}

// Deps are the collaborators of a Manager. Workspaces and Events may be nil.
type Deps struct {
	Store      SessionStore
	Runtime    RuntimeDriver
	Images     ImageProvider
	Ports      PortAllocator
	Health     HealthVerifier
	Workspaces WorkspaceProvider
	Events     events.Publisher
}

func NewManager(cfg *config.Config, deps Deps, logger *slog.Logger) *Manager {
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		cfg:           cfg,
		reg:           registry.New(deps.Store, logger),
		store:         deps.Store,
		runtime:       deps.Runtime,
		images:        deps.Images,
		ports:         deps.Ports,
		health:        deps.Health,
		workspaces:    deps.Workspaces,
		events:        pub,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		retryInterval: 250 * time.Millisecond,
	}
}

// SetAdmitter installs the capacity check consulted before every create.
// Must be called before the manager serves requests.
func (m *Manager) SetAdmitter(a Admitter) {
	m.admit = a
}

func newSessionID() string {
	return uuid.New().String()[:12]
}

// transition moves the session held by e to state to. The caller must hold
// the entry's operation token.
func (m *Manager) transition(ctx context.Context, e *registry.Entry, to lab.State, reason string, mutate func(*lab.Session)) (lab.Session, error) {
	var from lab.State
	sess, err := m.reg.Commit(e, func(s *lab.Session) error {
		from = s.State
		if !lab.CanTransition(from, to) {
			return invalid("transition", *s, to)
		}
		s.State = to
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
	if err != nil {
		return sess, err
	}

	m.logger.Info("session transition",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"course_id", sess.CourseID,
		"from", from,
		"to", to,
		"reason", reason,
	)
	m.events.Publish(ctx, events.Transition(&sess, from, reason))
	return sess, nil
}

// update commits a change that leaves the state alone.
func (m *Manager) update(e *registry.Entry, mutate func(*lab.Session)) (lab.Session, error) {
	return m.reg.Commit(e, func(s *lab.Session) error {
		mutate(s)
		return nil
	})
}

// teardown releases everything sess holds: its health task, its container and
// its ports. Ports return to the pool only once the container is gone, so a
// failed teardown can be repeated without leaking or double-freeing them.
// Teardown outlives a caller that goes away.
func (m *Manager) teardown(ctx context.Context, sess lab.Session) error {
	m.health.Cancel(sess.ID)

	if sess.RuntimeHandle != "" {
		ctx = context.WithoutCancel(ctx)

		stopCtx, cancel := m.callCtx(ctx)
		err := m.runtime.Stop(stopCtx, sess.RuntimeHandle, m.cfg.Runtime.StopTimeout)
		cancel()
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.logger.Warn("container stop failed, removing anyway", "session_id", sess.ID, "container_id", sess.RuntimeHandle, "error", err)
		}

		rmCtx, cancel := m.callCtx(ctx)
		err = m.runtime.Remove(rmCtx, sess.RuntimeHandle)
		cancel()
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("removing container %s: %w", sess.RuntimeHandle, err)
		}
	}

	m.ports.Release(sess.ID)
	return nil
}

// fail marks the session failed and tears it down. The failed record stays
// visible until it is stopped or replaced by the next create for its key.
func (m *Manager) fail(ctx context.Context, e *registry.Entry, op, reason string, kind, cause error) (lab.Session, error) {
	sess, err := m.transition(ctx, e, lab.StateFailed, reason, func(s *lab.Session) {
		s.Failure = cause.Error()
	})
	if err != nil {
		m.logger.Error("failed to record session failure", "session_id", sess.ID, "error", err)
	}
	if err := m.teardown(ctx, sess); err != nil {
		m.logger.Warn("teardown of failed session incomplete", "session_id", sess.ID, "error", err)
	}
	le := lab.NewError(op, sess.ID, kind, cause)
	le.Output = sess.Failure
	e.SetFailure(m.seq.Add(1), le)
	return sess, le
}

// discard rolls back a session that never became usable: no registry entry
// and no durable row survive.
func (m *Manager) discard(e *registry.Entry) {
	if err := m.reg.Discard(e); err != nil {
		m.logger.Warn("failed to delete rolled back session", "session_id", e.ID(), "error", err)
	}
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.Runtime.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.Runtime.CallTimeout)
}

// acquire finds the session and takes its operation token. A session that is
// no longer in memory is returned from the store with a nil entry.
func (m *Manager) acquire(ctx context.Context, op, id string) (*registry.Entry, lab.Session, error) {
	for {
		e, ok := m.reg.Get(id)
		if !ok {
			row, err := m.store.GetSession(id)
			if err != nil {
				return nil, lab.Session{}, opError(op, id, lab.ErrRuntimeUnavailable, err)
			}
			if row == nil {
				return nil, lab.Session{}, lab.NewError(op, id, lab.ErrSessionNotFound, nil)
			}
			return nil, *row, nil
		}
		if err := e.Lock(ctx); err != nil {
			if errors.Is(err, registry.ErrRemoved) {
				continue
			}
			return nil, lab.Session{}, opError(op, id, lab.ErrRuntimeUnavailable, err)
		}
		return e, e.Snapshot(), nil
	}
}

// opError annotates err with the attempted verb. An error that already
// carries a kind keeps it.
func opError(op, sessionID string, kind, err error) error {
	var le *lab.Error
	if errors.As(err, &le) {
		c := *le
		c.Op = op
		if c.SessionID == "" {
			c.SessionID = sessionID
		}
		return &c
	}
	return lab.NewError(op, sessionID, kind, err)
}

func invalid(op string, sess lab.Session, to lab.State) error {
	return lab.NewError(op, sess.ID, lab.ErrInvalidTransition, fmt.Errorf("%s -> %s", sess.State, to))
}
