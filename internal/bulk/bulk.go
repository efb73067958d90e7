// Package bulk fans one instructor verb out to every session of a course.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/session"
)

type Verb string

const (
	VerbPause Verb = "pause"
	VerbStop  Verb = "stop"
)

func ParseVerb(s string) (Verb, error) {
	switch v := Verb(s); v {
	case VerbPause, VerbStop:
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown bulk verb %q", session.ErrInvalidRequest, s)
}

// Lifecycle is what the coordinator fans out over.
type Lifecycle interface {
	List(courseID string) []lab.Session
	Pause(ctx context.Context, id, reason string) (lab.Session, error)
	Stop(ctx context.Context, id, reason string) (lab.Session, error)
}

type Failure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Code      string `json:"error_code"`
}

type Report struct {
	Total     int       `json:"total"`
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

type Coordinator struct {
	sessions    Lifecycle
	concurrency int
	events      events.Publisher
	logger      *slog.Logger
}

func New(sessions Lifecycle, concurrency int, pub events.Publisher, logger *slog.Logger) *Coordinator {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{sessions: sessions, concurrency: concurrency, events: pub, logger: logger}
}

// targets reports whether a session in state s is acted on by verb. A
// session still being created is waited for.
func targets(verb Verb, s lab.State) bool {
	switch verb {
	case VerbPause:
		return s == lab.StateCreating || s == lab.StateRunning || s == lab.StatePaused
	case VerbStop:
		return s.Active() || s == lab.StateFailed
	}
	return false
}

// Apply runs verb against every matching session of the course. One session
// failing never stops the others and nothing is retried.
func (c *Coordinator) Apply(ctx context.Context, courseID string, verb Verb) (Report, error) {
	if courseID == "" {
		return Report{}, fmt.Errorf("%w: course_id is required", session.ErrInvalidRequest)
	}
	if _, err := ParseVerb(string(verb)); err != nil {
		return Report{}, err
	}

	var ids []string
	for _, s := range c.sessions.List(courseID) {
		if targets(verb, s.State) {
			ids = append(ids, s.ID)
		}
	}

	rep := Report{Total: len(ids), Succeeded: []string{}, Failed: []Failure{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := c.apply(gctx, id, verb)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed = append(rep.Failed, Failure{SessionID: id, Error: err.Error(), Code: lab.Code(err)})
				c.logger.Warn("bulk operation failed for session", "course_id", courseID, "verb", verb, "session_id", id, "error", err)
				return nil
			}
			rep.Succeeded = append(rep.Succeeded, id)
			return nil
		})
	}
	g.Wait()

	sort.Strings(rep.Succeeded)
	sort.Slice(rep.Failed, func(i, j int) bool { return rep.Failed[i].SessionID < rep.Failed[j].SessionID })

	c.logger.Info("bulk operation complete",
		"course_id", courseID,
		"verb", verb,
		"total", rep.Total,
		"succeeded", len(rep.Succeeded),
		"failed", len(rep.Failed),
	)
	c.events.Publish(ctx, events.Bulk(courseID, string(verb), rep.Total, len(rep.Failed)))
	return rep, nil
}

func (c *Coordinator) apply(ctx context.Context, id string, verb Verb) error {
	var err error
	if verb == VerbPause {
		_, err = c.sessions.Pause(ctx, id, session.ReasonBulk)
	} else {
		_, err = c.sessions.Stop(ctx, id, session.ReasonBulk)
	}
	return err
}
