package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/p-arndt/labkasten/internal/events"
)

// messageReader is the part of *kafka.Reader tail uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func newEventsCmd() *cobra.Command {
	evs := &cobra.Command{Use: "events", Short: "Follow lifecycle events"}

	var brokers []string
	var topic, group, courseID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print lifecycle events from Kafka as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				Topic:       topic,
				GroupID:     group,
				StartOffset: kafka.LastOffset,
			})
			return tailEvents(cmd.Context(), r, courseID, cmd.OutOrStdout())
		},
	}
	tail.Flags().StringSliceVar(&brokers, "brokers", []string{"localhost:9092"}, "Kafka brokers")
	tail.Flags().StringVar(&topic, "topic", "labkasten.sessions", "event topic")
	tail.Flags().StringVar(&group, "group", "", "consumer group (empty reads without committing)")
	tail.Flags().StringVar(&courseID, "course", "", "only events of this course")

	evs.AddCommand(tail)
	return evs
}

// tailEvents prints one line per event until ctx ends or the reader fails.
func tailEvents(ctx context.Context, r messageReader, courseID string, out io.Writer) error {
	defer r.Close()
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			fmt.Fprintf(out, "skipping undecodable message at offset %d: %v\n", msg.Offset, err)
			continue
		}
		if courseID != "" && e.Payload.CourseID != courseID {
			continue
		}
		fmt.Fprintln(out, formatEvent(e))
	}
}

func formatEvent(e events.Event) string {
	p := e.Payload
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-18s", e.Timestamp.Format("15:04:05"), e.EventType)
	if p.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", p.SessionID)
	}
	if p.CourseID != "" {
		fmt.Fprintf(&b, " course=%s", p.CourseID)
	}
	switch e.EventType {
	case events.TypeTransition:
		fmt.Fprintf(&b, " %s->%s", p.From, p.To)
	case events.TypeHealth:
		fmt.Fprintf(&b, " %s=%s", p.Surface, p.Health)
	case events.TypeBulk:
		fmt.Fprintf(&b, " total=%d failed=%d", p.Total, p.Failed)
	}
	if p.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", p.Reason)
	}
	return b.String()
}
