package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/registry"
	"github.com/p-arndt/labkasten/internal/runtime"
)

type CreateRequest struct {
	UserID   string
	CourseID string
	// Surfaces in order, primary first. Empty means the configured defaults.
	Surfaces []lab.SurfaceKind
}

func (m *Manager) validate(req CreateRequest) (lab.Key, []lab.SurfaceKind, error) {
	key := lab.Key{UserID: strings.TrimSpace(req.UserID), CourseID: strings.TrimSpace(req.CourseID)}
	if key.UserID == "" || key.CourseID == "" {
		return key, nil, fmt.Errorf("%w: user_id and course_id are required", ErrInvalidRequest)
	}

	kinds := req.Surfaces
	if len(kinds) == 0 {
		kinds = m.cfg.DefaultSurfaceKinds()
	}
	seen := make(map[lab.SurfaceKind]bool, len(kinds))
	for _, k := range kinds {
		if _, ok := m.cfg.Surfaces[string(k)]; !ok {
			return key, nil, fmt.Errorf("%w: unknown surface %q", ErrInvalidRequest, k)
		}
		if seen[k] {
			return key, nil, fmt.Errorf("%w: surface %q requested twice", ErrInvalidRequest, k)
		}
		seen[k] = true
	}
	return key, kinds, nil
}

// GetOrCreate returns the active session of the learner/course pair, creating
// one if there is none. A running session is touched, a paused one resumed.
// Concurrent calls for the same pair wait for the one creating the session and
// return the same session.
func (m *Manager) GetOrCreate(ctx context.Context, req CreateRequest) (lab.Session, error) {
	key, kinds, err := m.validate(req)
	if err != nil {
		return lab.Session{}, err
	}

	ticket := m.seq.Add(1)
	for {
		now := m.now()
		placeholder := lab.Session{
			ID:           newSessionID(),
			UserID:       key.UserID,
			CourseID:     key.CourseID,
			State:        lab.StateCreating,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		e, created, err := m.reg.Claim(placeholder)
		if err != nil {
			return lab.Session{}, opError("create", placeholder.ID, lab.ErrRuntimeUnavailable, err)
		}
		if created {
			m.logger.Info("session transition", "session_id", placeholder.ID, "user_id", key.UserID, "course_id", key.CourseID, "from", "", "to", lab.StateCreating, "reason", ReasonRequest)
			m.events.Publish(ctx, events.Transition(&placeholder, "", ReasonRequest))
			return m.create(ctx, e, kinds)
		}

		sess, done, err := m.join(ctx, e, ticket)
		if done {
			return sess, err
		}
	}
}

// join waits for the operation in flight on an existing entry and then serves
// the request from it. done is false when the caller should claim again.
// A failure recorded after ticket was drawn belongs to an operation the caller
// overlapped with, so the caller shares it instead of starting over.
func (m *Manager) join(ctx context.Context, e *registry.Entry, ticket uint64) (sess lab.Session, done bool, err error) {
	if err := e.Lock(ctx); err != nil {
		if errors.Is(err, registry.ErrRemoved) {
			if seq, cause := e.Failure(); cause != nil && seq > ticket {
				return lab.Session{}, true, cause
			}
			return lab.Session{}, false, nil
		}
		return lab.Session{}, true, opError("create", e.ID(), lab.ErrRuntimeUnavailable, err)
	}
	defer e.Unlock()

	sess = e.Snapshot()
	switch sess.State {
	case lab.StateRunning:
		sess, err = m.update(e, func(s *lab.Session) { s.LastActiveAt = m.now() })
		if err != nil {
			return sess, true, opError("create", sess.ID, lab.ErrRuntimeUnavailable, err)
		}
		return sess, true, nil

	case lab.StatePaused:
		sess, err = m.resumeLocked(ctx, e, ReasonRequest)
		return sess, true, err

	case lab.StateFailed:
		if seq, cause := e.Failure(); cause != nil && seq > ticket {
			return sess, true, cause
		}
		if _, err := m.stopLocked(ctx, e, ReasonReplace); err != nil {
			return lab.Session{}, true, opError("create", sess.ID, lab.ErrRuntimeUnavailable, err)
		}
		return lab.Session{}, false, nil

	case lab.StateStopping:
		if _, err := m.stopLocked(ctx, e, ReasonReplace); err != nil {
			return lab.Session{}, true, opError("create", sess.ID, lab.ErrRuntimeUnavailable, err)
		}
		return lab.Session{}, false, nil

	case lab.StateCreating:
		// Left behind by a create that never finished.
		if err := m.teardown(ctx, sess); err != nil {
			return lab.Session{}, true, opError("create", sess.ID, lab.ErrRuntimeUnavailable, err)
		}
		m.discard(e)
		return lab.Session{}, false, nil
	}

	m.reg.Remove(e)
	return lab.Session{}, false, nil
}

// create builds the session claimed by e. It owns e's operation token.
func (m *Manager) create(ctx context.Context, e *registry.Entry, kinds []lab.SurfaceKind) (lab.Session, error) {
	defer e.Unlock()
	sess := e.Snapshot()

	rollback := func(kind, err error) (lab.Session, error) {
		le := opError("create", sess.ID, kind, err)
		e.SetFailure(m.seq.Add(1), le)
		m.discard(e)
		m.logger.Warn("session create rolled back", "session_id", sess.ID, "user_id", sess.UserID, "course_id", sess.CourseID, "error", err)
		return lab.Session{}, le
	}

	if m.admit != nil {
		if err := m.admit.Admit(sess.ID); err != nil {
			return rollback(lab.ErrResourceExhausted, err)
		}
	}

	limits, err := m.cfg.LimitsFor(len(kinds) > 1)
	if err != nil {
		return rollback(lab.ErrRuntimeUnavailable, err)
	}

	img, err := m.images.GetOrBuild(ctx, m.imageSpec(kinds))
	if err != nil {
		if ctx.Err() != nil {
			return rollback(lab.ErrRuntimeUnavailable, err)
		}
		return rollback(lab.ErrImageBuild, err)
	}

	internal := make([]int, len(kinds))
	for i, k := range kinds {
		internal[i] = m.cfg.Surfaces[string(k)].Port
	}
	bindings, err := m.ports.Allocate(sess.ID, internal)
	if err != nil {
		return rollback(lab.ErrResourceExhausted, err)
	}

	opts := runtime.CreateOpts{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		CourseID:  sess.CourseID,
		Image:     img.Tag,
		Ports:     bindings,
		CPUs:      limits.CPUs,
		Memory:    limits.MemoryBytes,
		PidsLimit: limits.PidsLimit,
		Labels:    map[string]string{runtime.LabelSurfaces: joinKinds(kinds)},
	}
	if m.workspaces != nil && m.cfg.Workspace.Enabled {
		vol, err := m.workspaces.Ensure(ctx, sess.Key())
		if err != nil {
			m.ports.Release(sess.ID)
			return rollback(lab.ErrRuntimeUnavailable, err)
		}
		opts.Volume = vol
		opts.MountPath = m.cfg.Workspace.MountPath
	}

	containerID, err := m.createContainer(ctx, opts)
	if err != nil {
		m.ports.Release(sess.ID)
		return rollback(lab.ErrRuntimeUnavailable, err)
	}

	surfaces := make([]lab.Surface, len(kinds))
	for i, k := range kinds {
		surfaces[i] = lab.Surface{
			Kind:         k,
			InternalPort: bindings[i].InternalPort,
			ExternalPort: bindings[i].HostPort,
			Health:       lab.HealthStarting,
		}
	}
	sess, err = m.update(e, func(s *lab.Session) {
		s.RuntimeHandle = containerID
		s.ImageTag = img.Tag
		s.ImageHash = img.Hash
		s.Surfaces = surfaces
		s.Limits = limits
	})
	if err != nil {
		sess.RuntimeHandle = containerID
		if terr := m.teardown(ctx, sess); terr != nil {
			m.logger.Warn("teardown after failed commit incomplete", "session_id", sess.ID, "error", terr)
		}
		return rollback(lab.ErrRuntimeUnavailable, err)
	}

	primary, err := m.verifySurfaces(ctx, e, sess, false)
	if err != nil {
		if terr := m.teardown(ctx, sess); terr != nil {
			m.logger.Warn("teardown after abandoned create incomplete", "session_id", sess.ID, "error", terr)
		}
		return rollback(lab.ErrRuntimeUnavailable, err)
	}
	if primary != lab.HealthHealthy {
		return lab.Session{}, m.failUnhealthy(ctx, e, "create", sess)
	}

	sess, err = m.transition(ctx, e, lab.StateRunning, ReasonRequest, nil)
	if err != nil {
		return sess, opError("create", sess.ID, lab.ErrRuntimeUnavailable, err)
	}
	return sess, nil
}

func (m *Manager) failUnhealthy(ctx context.Context, e *registry.Entry, op string, sess lab.Session) error {
	p, _ := sess.Primary()
	cause := fmt.Errorf("surface %s on port %d not ready after %d attempts", p.Kind, p.ExternalPort, m.cfg.Health.Attempts)
	_, err := m.fail(ctx, e, op, reasonUnhealthy, lab.ErrSurfaceUnhealthy, cause)
	return err
}

// createContainer retries transient runtime failures with backoff; anything
// else is returned at once.
func (m *Manager) createContainer(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval

	var id string
	op := func() error {
		cctx, cancel := m.callCtx(ctx)
		defer cancel()
		var err error
		id, err = m.runtime.Create(cctx, opts)
		if err != nil && !errors.Is(err, runtime.ErrTransient) {
			return backoff.Permanent(err)
		}
		if err != nil {
			m.logger.Warn("container create failed, retrying", "session_id", opts.SessionID, "error", err)
		}
		return err
	}
	retries := max(m.cfg.Runtime.CreateRetries, 0)
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)); err != nil {
		return "", err
	}
	return id, nil
}

type verifyResult struct {
	statuses []lab.HealthStatus
	err      error
}

// verifySurfaces starts the health task of sess and returns the final status
// of its primary surface. With waitAll it returns only once every surface has
// a final status; otherwise secondary surfaces keep being probed after it
// returns and their status lands in the record as it changes.
func (m *Manager) verifySurfaces(ctx context.Context, e *registry.Entry, sess lab.Session, waitAll bool) (lab.HealthStatus, error) {
	targets := m.targets(sess.Surfaces)
	bg := context.WithoutCancel(ctx)
	primary := make(chan lab.HealthStatus, 1)
	onChange := func(i int, st lab.HealthStatus) {
		m.setSurfaceHealth(bg, e, i, st)
		if i == 0 && !waitAll && (st == lab.HealthHealthy || st == lab.HealthUnhealthy) {
			primary <- st
		}
	}

	res := make(chan verifyResult, 1)
	go func() {
		statuses, err := m.health.Verify(bg, sess.ID, targets, onChange)
		res <- verifyResult{statuses: statuses, err: err}
	}()

	select {
	case st := <-primary:
		return st, nil
	case r := <-res:
		if r.err != nil || len(r.statuses) == 0 {
			return lab.HealthUnknown, fmt.Errorf("health verification interrupted: %w", r.err)
		}
		return r.statuses[0], nil
	case <-ctx.Done():
		return lab.HealthUnknown, ctx.Err()
	}
}

func (m *Manager) setSurfaceHealth(ctx context.Context, e *registry.Entry, i int, st lab.HealthStatus) {
	sess, err := m.reg.Commit(e, func(s *lab.Session) error {
		if i >= len(s.Surfaces) {
			return fmt.Errorf("no surface %d", i)
		}
		s.Surfaces[i].Health = st
		return nil
	})
	if err != nil {
		m.logger.Debug("surface health not recorded", "session_id", e.ID(), "error", err)
		return
	}
	if st == lab.HealthHealthy || st == lab.HealthUnhealthy {
		m.events.Publish(ctx, events.SurfaceHealth(&sess, sess.Surfaces[i].Kind, st))
	}
}

func (m *Manager) targets(surfaces []lab.Surface) []health.Target {
	out := make([]health.Target, len(surfaces))
	for i, s := range surfaces {
		sc := m.cfg.Surfaces[string(s.Kind)]
		out[i] = health.Target{
			Kind: s.Kind,
			Addr: net.JoinHostPort(m.cfg.Health.ProbeHost, strconv.Itoa(s.ExternalPort)),
			Mode: sc.Probe,
			Path: sc.ReadinessPath,
		}
	}
	return out
}

func (m *Manager) imageSpec(kinds []lab.SurfaceKind) imagebuild.Spec {
	spec := imagebuild.Spec{
		BaseImage: m.cfg.Image.BaseImage,
		Packages:  m.cfg.Image.Packages,
	}
	for _, k := range kinds {
		sc := m.cfg.Surfaces[string(k)]
		spec.Surfaces = append(spec.Surfaces, imagebuild.SurfaceSpec{
			Kind:    k,
			Port:    sc.Port,
			Install: sc.Install,
			Command: sc.Command,
		})
	}
	return spec
}

func joinKinds(kinds []lab.SurfaceKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
