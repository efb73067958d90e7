// Package governor enforces capacity, idleness and resource limits on lab
// sessions and reaps the ones that are finished.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
)

// ErrCapacity is returned by Admit when the daemon is full.
var ErrCapacity = errors.New("session capacity reached")

type Governor struct {
	cfg      config.GovernorConfig
	sessions Lifecycle
	stats    StatsSource
	history  HistoryStore
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	violations map[string]int
	totals     Totals

	admitMu  sync.Mutex
	admitted map[string]bool
}

// Totals counts what the governor has done since start.
type Totals struct {
	Passes        int64     `json:"passes"`
	IdlePaused    int64     `json:"idle_paused"`
	ForcedPaused  int64     `json:"forced_paused"`
	Stopped       int64     `json:"stopped"`
	Purged        int64     `json:"purged"`
	Rejected      int64     `json:"rejected"`
	LastPass      time.Time `json:"last_pass,omitempty"`
	LastPassTook  string    `json:"last_pass_took,omitempty"`
	LastPassError string    `json:"last_pass_error,omitempty"`
}

func New(cfg config.GovernorConfig, stats StatsSource, history HistoryStore, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:        cfg,
		stats:      stats,
		history:    history,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		violations: make(map[string]int),
		admitted:   make(map[string]bool),
	}
}

// SetSessionManager connects the governor to the lifecycle it governs.
func (g *Governor) SetSessionManager(sm Lifecycle) {
	g.sessions = sm
}

// Admit reports whether the session being created fits. Settled sessions
// count by state; other sessions still creating count only once they have
// been admitted themselves. Admissions are serialized.
func (g *Governor) Admit(sessionID string) error {
	if g.cfg.MaxSessions <= 0 || g.sessions == nil {
		return nil
	}
	g.admitMu.Lock()
	defer g.admitMu.Unlock()

	n := 0
	creating := make(map[string]bool)
	for _, s := range g.sessions.Sessions() {
		switch {
		case s.ID == sessionID:
		case s.State == lab.StateCreating:
			creating[s.ID] = true
			if g.admitted[s.ID] {
				n++
			}
		case g.counted(s.State):
			n++
		}
	}
	for id := range g.admitted {
		if !creating[id] {
			delete(g.admitted, id)
		}
	}

	if n >= g.cfg.MaxSessions {
		g.mu.Lock()
		g.totals.Rejected++
		g.mu.Unlock()
		g.logger.Warn("session rejected at capacity", "session_id", sessionID, "active", n, "max_sessions", g.cfg.MaxSessions)
		return fmt.Errorf("%w: %d of %d sessions in use", ErrCapacity, n, g.cfg.MaxSessions)
	}
	g.admitted[sessionID] = true
	return nil
}

// counted reports whether a session in state s occupies capacity.
func (g *Governor) counted(s lab.State) bool {
	switch s {
	case lab.StateCreating, lab.StateRunning, lab.StateStopping:
		return true
	case lab.StatePaused:
		return g.cfg.CountPaused
	}
	return false
}

// Reconcile brings the session manager in line with the runtime. Run it once
// at startup, before the API accepts requests.
func (g *Governor) Reconcile(ctx context.Context) (session.ReconcileReport, error) {
	g.logger.Info("reconciliation starting")
	rep, err := g.sessions.Reconcile(ctx)
	if err != nil {
		g.logger.Error("reconcile", "error", err)
		return rep, err
	}
	g.logger.Info("reconciliation complete", "orphans", len(rep.Orphans))
	return rep, nil
}

// Run performs a pass every interval until ctx ends.
func (g *Governor) Run(ctx context.Context) {
	g.logger.Info("governor started", "interval", g.cfg.Interval)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("governor stopped")
			return
		case <-ticker.C:
			g.pass(ctx)
		}
	}
}

func (g *Governor) Totals() Totals {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totals
}

// pass applies every policy once. Failures are logged and the pass goes on
// with the next session.
func (g *Governor) pass(ctx context.Context) {
	start := g.now()
	var lastErr error
	seen := make(map[string]bool)

	for _, s := range g.sessions.Sessions() {
		if ctx.Err() != nil {
			return
		}
		seen[s.ID] = true

		var err error
		switch s.State {
		case lab.StateRunning:
			err = g.governRunning(ctx, s, start)
		case lab.StatePaused:
			if g.cfg.PausedTimeout > 0 && start.Sub(s.LastActiveAt) > g.cfg.PausedTimeout {
				err = g.stopIdle(ctx, s, start.Add(-g.cfg.PausedTimeout), session.ReasonPausedTimeout)
			}
		case lab.StateStopping:
			// Stop waits out a stop already in flight, so this only
			// finishes stops that gave up.
			err = g.stop(ctx, s, session.ReasonReconcile)
		case lab.StateFailed:
			if g.cfg.PausedTimeout > 0 && start.Sub(s.LastActiveAt) > g.cfg.PausedTimeout {
				err = g.stopIdle(ctx, s, start.Add(-g.cfg.PausedTimeout), session.ReasonFailedCleanup)
			}
		}
		if err != nil {
			lastErr = err
		}
	}

	g.mu.Lock()
	for id := range g.violations {
		if !seen[id] {
			delete(g.violations, id)
		}
	}
	g.mu.Unlock()

	if err := g.purge(start); err != nil {
		lastErr = err
	}

	g.mu.Lock()
	g.totals.Passes++
	g.totals.LastPass = start
	g.totals.LastPassTook = g.now().Sub(start).String()
	g.totals.LastPassError = ""
	if lastErr != nil {
		g.totals.LastPassError = lastErr.Error()
	}
	g.mu.Unlock()
}

func (g *Governor) governRunning(ctx context.Context, s lab.Session, now time.Time) error {
	if g.overLimits(ctx, s) {
		g.logger.Warn("pausing session over resource limits", "session_id", s.ID, "user_id", s.UserID, "course_id", s.CourseID)
		if _, err := g.sessions.Pause(ctx, s.ID, session.ReasonResource); err != nil {
			g.logger.Error("governor: forced pause", "session_id", s.ID, "error", err)
			return err
		}
		g.mu.Lock()
		delete(g.violations, s.ID)
		g.totals.ForcedPaused++
		g.mu.Unlock()
		return nil
	}

	if g.cfg.IdleTimeout <= 0 {
		return nil
	}
	idle := now.Sub(s.LastActiveAt)
	if idle <= g.cfg.IdleTimeout {
		return nil
	}
	g.logger.Info("pausing idle session", "session_id", s.ID, "idle", idle.Truncate(time.Second))
	_, paused, err := g.sessions.PauseIdle(ctx, s.ID, now.Add(-g.cfg.IdleTimeout), session.ReasonIdle)
	if err != nil {
		g.logger.Error("governor: idle pause", "session_id", s.ID, "error", err)
		return err
	}
	if !paused {
		g.logger.Debug("session active again, not pausing", "session_id", s.ID)
		return nil
	}
	g.mu.Lock()
	g.totals.IdlePaused++
	g.mu.Unlock()
	return nil
}

// overLimits samples the session's usage and reports whether it has been at
// or above a threshold for enough consecutive passes.
func (g *Governor) overLimits(ctx context.Context, s lab.Session) bool {
	if g.stats == nil || s.RuntimeHandle == "" {
		return false
	}
	sctx, cancel := context.WithCancel(ctx)
	if g.cfg.StatsTimeout > 0 {
		cancel()
		sctx, cancel = context.WithTimeout(ctx, g.cfg.StatsTimeout)
	}
	st, err := g.stats.Stats(sctx, s.RuntimeHandle)
	cancel()
	if err != nil {
		g.logger.Warn("governor: container stats", "session_id", s.ID, "error", err)
		return false
	}

	over := false
	if g.cfg.CPUThreshold > 0 && s.Limits.CPUs > 0 && st.CPUs >= s.Limits.CPUs*g.cfg.CPUThreshold {
		over = true
	}
	limit := s.Limits.MemoryBytes
	if st.MemoryLimit > 0 && (limit == 0 || st.MemoryLimit < limit) {
		limit = st.MemoryLimit
	}
	if g.cfg.MemoryThreshold > 0 && limit > 0 && float64(st.MemoryBytes) >= float64(limit)*g.cfg.MemoryThreshold {
		over = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !over {
		delete(g.violations, s.ID)
		return false
	}
	g.violations[s.ID]++
	n := g.violations[s.ID]
	g.logger.Debug("session over resource threshold",
		"session_id", s.ID,
		"cpus", st.CPUs,
		"memory_bytes", st.MemoryBytes,
		"passes", n,
	)
	return n >= max(g.cfg.SustainedPasses, 1)
}

func (g *Governor) stop(ctx context.Context, s lab.Session, reason string) error {
	g.logger.Info("stopping session", "session_id", s.ID, "state", s.State, "reason", reason)
	if _, err := g.sessions.Stop(ctx, s.ID, reason); err != nil {
		g.logger.Error("governor: stop session", "session_id", s.ID, "error", err)
		return err
	}
	g.mu.Lock()
	g.totals.Stopped++
	g.mu.Unlock()
	return nil
}

// stopIdle stops s unless it saw activity after cutoff once its lock is held.
func (g *Governor) stopIdle(ctx context.Context, s lab.Session, cutoff time.Time, reason string) error {
	g.logger.Info("stopping session", "session_id", s.ID, "state", s.State, "reason", reason)
	_, stopped, err := g.sessions.StopIdle(ctx, s.ID, cutoff, reason)
	if err != nil {
		g.logger.Error("governor: stop session", "session_id", s.ID, "error", err)
		return err
	}
	if !stopped {
		g.logger.Debug("session active again, not stopping", "session_id", s.ID)
		return nil
	}
	g.mu.Lock()
	g.totals.Stopped++
	g.mu.Unlock()
	return nil
}

func (g *Governor) purge(now time.Time) error {
	if g.history == nil || g.cfg.HistoryRetention <= 0 {
		return nil
	}
	n, err := g.history.PurgeFinished(now.Add(-g.cfg.HistoryRetention))
	if err != nil {
		g.logger.Error("governor: purge history", "error", err)
		return err
	}
	if n > 0 {
		g.logger.Info("governor: purged finished sessions", "count", n)
		g.mu.Lock()
		g.totals.Purged += n
		g.mu.Unlock()
	}
	return nil
}
