// Package health decides when lab surfaces are ready. Each session gets one
// cancellable verification task that drives every surface through
// starting -> healthy/unhealthy.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/labkasten/internal/lab"
)

// Target is one surface endpoint to probe.
type Target struct {
	Kind lab.SurfaceKind
	Addr string // host:port
	Mode string // "http" or "tcp"
	Path string
}

// Prober performs a single readiness check.
type Prober interface {
	Probe(ctx context.Context, t Target) error
}

type Options struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// ChangeFunc is called on every status change of target i.
type ChangeFunc func(i int, status lab.HealthStatus)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Monitor struct {
	prober Prober
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

func NewMonitor(prober Prober, opts Options, logger *slog.Logger) *Monitor {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Monitor{
		prober: prober,
		opts:   opts,
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Verify probes all targets concurrently until each is healthy or out of
// attempts and returns the final status per target. A previous task for the
// same session is cancelled first. The error is non-nil only when ctx ended
// or the task was cancelled.
func (m *Monitor) Verify(ctx context.Context, sessionID string, targets []Target, onChange ChangeFunc) ([]lab.HealthStatus, error) {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.tasks[sessionID]
	m.tasks[sessionID] = t
	m.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	defer func() {
		cancel()
		m.mu.Lock()
		if m.tasks[sessionID] == t {
			delete(m.tasks, sessionID)
		}
		m.mu.Unlock()
		close(t.done)
	}()

	statuses := make([]lab.HealthStatus, len(targets))
	var notifyMu sync.Mutex
	set := func(i int, st lab.HealthStatus) {
		notifyMu.Lock()
		defer notifyMu.Unlock()
		statuses[i] = st
		if onChange != nil {
			onChange(i, st)
		}
	}

	var g errgroup.Group
	for i, target := range targets {
		set(i, lab.HealthStarting)
		g.Go(func() error {
			if err := m.poll(tctx, target); err != nil {
				m.logger.Warn("surface not ready", "session_id", sessionID, "surface", target.Kind, "addr", target.Addr, "error", err)
				set(i, lab.HealthUnhealthy)
				return nil
			}
			set(i, lab.HealthHealthy)
			return nil
		})
	}
	g.Wait()

	if err := tctx.Err(); err != nil {
		if ctx.Err() != nil {
			return statuses, ctx.Err()
		}
		return statuses, context.Canceled
	}
	return statuses, nil
}

func (m *Monitor) poll(ctx context.Context, t Target) error {
	b := backoff.NewExponentialBackOff()
	if m.opts.InitialBackoff > 0 {
		b.InitialInterval = m.opts.InitialBackoff
	}
	if m.opts.MaxBackoff > 0 {
		b.MaxInterval = m.opts.MaxBackoff
	}
	b.MaxElapsedTime = 0

	op := func() error {
		actx := ctx
		if m.opts.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, m.opts.AttemptTimeout)
			defer cancel()
		}
		err := m.prober.Probe(actx, t)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.Attempts-1)), ctx))
}

// Cancel stops the verification task of the session, if any, and waits for it
// to finish.
func (m *Monitor) Cancel(sessionID string) {
	m.mu.Lock()
	t := m.tasks[sessionID]
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Active reports how many verification tasks are running.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
