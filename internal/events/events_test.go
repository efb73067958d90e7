package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/lab"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func testSession() *lab.Session {
	return &lab.Session{ID: "s1", UserID: "u1", CourseID: "c1", State: lab.StatePaused}
}

func TestTransitionEvent(t *testing.T) {
	e := Transition(testSession(), lab.StateRunning, "idle")

	assert.Equal(t, TypeTransition, e.EventType)
	assert.Equal(t, lab.StateRunning, e.Payload.From)
	assert.Equal(t, lab.StatePaused, e.Payload.To)
	assert.Equal(t, []byte("u1/c1"), e.Key())

	data, err := e.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "session.transition", decoded["event_type"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "running", payload["from"])
	assert.Equal(t, "idle", payload["reason"])
	assert.NotContains(t, payload, "surface")
}

func TestKafkaPublisherWritesKeyedMessage(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && string(msgs[0].Key) == "u1/c1" && bytes.Contains(msgs[0].Value, []byte(`"to":"paused"`))
	})).Return(nil)
	w.On("Close").Return(nil)

	p := &KafkaPublisher{writer: w, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	p.Publish(context.Background(), Transition(testSession(), lab.StateRunning, ""))
	require.NoError(t, p.Close())
	w.AssertExpectations(t)
}

func TestKafkaPublisherSwallowsErrors(t *testing.T) {
	w := new(mockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	var logs bytes.Buffer
	p := &KafkaPublisher{writer: w, logger: slog.New(slog.NewTextHandler(&logs, nil))}
	p.Publish(context.Background(), Transition(testSession(), lab.StateRunning, ""))

	assert.Contains(t, logs.String(), "broker down")
}

func TestLogPublisher(t *testing.T) {
	var logs bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&logs, nil)))
	p.Publish(context.Background(), Transition(testSession(), lab.StateRunning, "idle"))

	assert.Contains(t, logs.String(), "session_id=s1")
	assert.Contains(t, logs.String(), "to=paused")
	assert.NoError(t, p.Close())
}

func TestCourseWideEventKey(t *testing.T) {
	e := Bulk("c1", "stop", 5, 1)
	assert.Equal(t, TypeBulk, e.EventType)
	assert.Equal(t, []byte("c1"), e.Key())
	assert.Equal(t, 5, e.Payload.Total)
	assert.Equal(t, 1, e.Payload.Failed)
}

func TestSurfaceHealthEvent(t *testing.T) {
	e := SurfaceHealth(testSession(), lab.SurfaceNotebook, lab.HealthUnhealthy)
	data, err := e.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"surface":"notebook"`)
	assert.Contains(t, string(data), `"health":"unhealthy"`)
	assert.Equal(t, []byte("u1/c1"), e.Key())
}
