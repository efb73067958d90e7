package lab

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{"", StateCreating, true},
		{"", StateRunning, false},
		{StateCreating, StateRunning, true},
		{StateCreating, StateFailed, true},
		{StateCreating, StatePaused, false},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StatePaused, StateStopping, true},
		{StateFailed, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateRunning, false},
		{StateStopped, StateStopping, false},
		{StatePaused, StatePaused, false},
		{StateFailed, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateClassification(t *testing.T) {
	assert.True(t, StateCreating.Active())
	assert.True(t, StateStopping.Active())
	assert.False(t, StateStopped.Active())
	assert.False(t, StateFailed.Active())

	assert.False(t, StateCreating.Stable())
	assert.True(t, StateFailed.Stable())
}

func TestParseState(t *testing.T) {
	st, err := ParseState("paused")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st)

	_, err = ParseState("hibernating")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	paused := time.Now()
	s := Session{
		ID:       "s1",
		Surfaces: []Surface{{Kind: SurfaceTerminal, Health: HealthHealthy}},
		PausedAt: &paused,
	}
	c := s.Clone()
	c.Surfaces[0].Health = HealthUnhealthy
	*c.PausedAt = paused.Add(time.Hour)

	assert.Equal(t, HealthHealthy, s.Surfaces[0].Health)
	assert.Equal(t, paused, *s.PausedAt)
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial unix /var/run/docker.sock: connect: no such file")
	err := fmt.Errorf("create: %w", NewError("create", "abc", ErrRuntimeUnavailable, cause))

	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "create abc: container runtime unavailable")
}

func TestDiagnostics(t *testing.T) {
	err := &Error{Op: "build", Kind: ErrImageBuild, Output: "E: Unable to locate package foo"}
	assert.Equal(t, "E: Unable to locate package foo", Diagnostics(fmt.Errorf("wrap: %w", err)))
	assert.False(t, Retryable(err))
	assert.Empty(t, Diagnostics(errors.New("plain")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeSessionNotFound, Code(NewError("get", "x", ErrSessionNotFound, nil)))
	assert.Equal(t, CodeResourceExhausted, Code(fmt.Errorf("create: %w", ErrResourceExhausted)))
	assert.Equal(t, CodeImageBuildFailed, Code(&Error{Op: "build", Kind: ErrImageBuild}))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
}
