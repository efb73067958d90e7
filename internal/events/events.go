// Package events publishes lab session lifecycle changes for the rest of the
// platform. Publishing is best effort and never blocks a state transition on
// a slow consumer.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/p-arndt/labkasten/internal/lab"
)

type Type string

const (
	TypeTransition Type = "session.transition"
	TypeHealth     Type = "session.health"
	TypeBulk       Type = "course.bulk"
	TypeOrphan     Type = "runtime.orphan"
)

type Event struct {
	EventType Type      `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

type Payload struct {
	SessionID string           `json:"session_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	CourseID  string           `json:"course_id,omitempty"`
	From      lab.State        `json:"from,omitempty"`
	To        lab.State        `json:"to,omitempty"`
	Surface   lab.SurfaceKind  `json:"surface,omitempty"`
	Health    lab.HealthStatus `json:"health,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Total     int              `json:"total,omitempty"`
	Failed    int              `json:"failed,omitempty"`
}

// Transition builds the event for a session moving between states.
func Transition(s *lab.Session, from lab.State, reason string) Event {
	return Event{
		EventType: TypeTransition,
		Timestamp: time.Now().UTC(),
		Payload: Payload{
			SessionID: s.ID,
			UserID:    s.UserID,
			CourseID:  s.CourseID,
			From:      from,
			To:        s.State,
			Reason:    reason,
		},
	}
}

// SurfaceHealth builds the event for a surface reaching a final health status.
func SurfaceHealth(s *lab.Session, kind lab.SurfaceKind, status lab.HealthStatus) Event {
	return Event{
		EventType: TypeHealth,
		Timestamp: time.Now().UTC(),
		Payload: Payload{
			SessionID: s.ID,
			UserID:    s.UserID,
			CourseID:  s.CourseID,
			To:        s.State,
			Surface:   kind,
			Health:    status,
		},
	}
}

// Orphan reports a labelled container no session owns.
func Orphan(sessionID, userID, courseID, reason string) Event {
	return Event{
		EventType: TypeOrphan,
		Timestamp: time.Now().UTC(),
		Payload: Payload{
			SessionID: sessionID,
			UserID:    userID,
			CourseID:  courseID,
			Reason:    reason,
		},
	}
}

// Bulk summarizes an instructor action over a course.
func Bulk(courseID, verb string, total, failed int) Event {
	return Event{
		EventType: TypeBulk,
		Timestamp: time.Now().UTC(),
		Payload: Payload{
			CourseID: courseID,
			Reason:   verb,
			Total:    total,
			Failed:   failed,
		},
	}
}

// Key is the partition key: all events of one learner/course pair stay ordered.
// Course-wide events are keyed by course alone.
func (e Event) Key() []byte {
	if e.Payload.UserID == "" {
		return []byte(e.Payload.CourseID)
	}
	return []byte(e.Payload.UserID + "/" + e.Payload.CourseID)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) {
	p.logger.InfoContext(ctx, "event",
		"type", e.EventType,
		"session_id", e.Payload.SessionID,
		"user_id", e.Payload.UserID,
		"course_id", e.Payload.CourseID,
		"from", e.Payload.From,
		"to", e.Payload.To,
		"reason", e.Payload.Reason,
		"surface", e.Payload.Surface,
		"health", e.Payload.Health,
	)
}

func (p *LogPublisher) Close() error { return nil }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }
