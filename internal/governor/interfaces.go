package governor

import (
	"context"
	"time"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
)

// Lifecycle is the part of the session manager the governor drives. Every
// pause and stop it orders goes through the manager's transition path.
type Lifecycle interface {
	Sessions() []lab.Session
	Pause(ctx context.Context, id, reason string) (lab.Session, error)
	PauseIdle(ctx context.Context, id string, cutoff time.Time, reason string) (lab.Session, bool, error)
	Stop(ctx context.Context, id, reason string) (lab.Session, error)
	StopIdle(ctx context.Context, id string, cutoff time.Time, reason string) (lab.Session, bool, error)
	Reconcile(ctx context.Context) (session.ReconcileReport, error)
}

// StatsSource reports live container usage.
type StatsSource interface {
	Stats(ctx context.Context, containerID string) (*runtime.Stats, error)
}

// HistoryStore drops finished sessions from the durable store.
type HistoryStore interface {
	PurgeFinished(cutoff time.Time) (int64, error)
}
