package api

import (
	"context"

	"github.com/p-arndt/labkasten/internal/bulk"
	"github.com/p-arndt/labkasten/internal/governor"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/workspace"
)

// LabService abstracts the lifecycle operations needed by API handlers.
type LabService interface {
	GetOrCreate(ctx context.Context, req session.CreateRequest) (lab.Session, error)
	Get(id string) (lab.Session, error)
	List(courseID string) []lab.Session
	History(courseID string) ([]lab.Session, error)
	Pause(ctx context.Context, id, reason string) (lab.Session, error)
	Resume(ctx context.Context, id, reason string) (lab.Session, error)
	Stop(ctx context.Context, id, reason string) (lab.Session, error)
	Touch(ctx context.Context, id string) (lab.Session, error)
	CountByState() map[lab.State]int
}

type BulkService interface {
	Apply(ctx context.Context, courseID string, verb bulk.Verb) (bulk.Report, error)
}

type GovernorService interface {
	Reconcile(ctx context.Context) (session.ReconcileReport, error)
	Totals() governor.Totals
}

// WorkspaceService is nil when workspaces are disabled.
type WorkspaceService interface {
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Delete(ctx context.Context, id string) error
}

type RuntimePinger interface {
	Ping(ctx context.Context) error
}

type PortStats interface {
	Stats() pool.Stats
}

type ImageStats interface {
	Len() int
	Builds() int64
}

type HealthStats interface {
	Active() int
}
