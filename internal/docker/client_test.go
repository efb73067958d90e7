package docker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/runtime"
)

func TestPortSpecs(t *testing.T) {
	exposed, bindings, err := portSpecs("0.0.0.0", []runtime.PortBinding{
		{InternalPort: 7681, HostPort: 20000},
		{InternalPort: 8888, HostPort: 20001},
	})
	require.NoError(t, err)

	assert.Len(t, exposed, 2)
	assert.Contains(t, exposed, nat.Port("7681/tcp"))
	assert.Equal(t, []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "20001"}}, bindings[nat.Port("8888/tcp")])
}

func TestBindingsRoundTrip(t *testing.T) {
	_, bindings, err := portSpecs("127.0.0.1", []runtime.PortBinding{{InternalPort: 8080, HostPort: 20005}})
	require.NoError(t, err)

	got := bindingsFrom(bindings)
	assert.Equal(t, []runtime.PortBinding{{InternalPort: 8080, HostPort: 20005}}, got)
}

func TestBindingsFromOnePerPort(t *testing.T) {
	pm := nat.PortMap{
		nat.Port("7681/tcp"): {
			{HostIP: "0.0.0.0", HostPort: "20001"},
			{HostIP: "::", HostPort: "20001"},
		},
	}
	assert.Equal(t, []runtime.PortBinding{{InternalPort: 7681, HostPort: 20001}}, bindingsFrom(pm))
}

func TestBindingsFromSkipsUnpublished(t *testing.T) {
	pm := nat.PortMap{
		nat.Port("3000/tcp"): {{HostIP: "0.0.0.0", HostPort: ""}},
	}
	assert.Empty(t, bindingsFrom(pm))
}

func TestContainerState(t *testing.T) {
	assert.Equal(t, runtime.ContainerRunning, containerState("running"))
	assert.Equal(t, runtime.ContainerPaused, containerState("paused"))
	assert.Equal(t, runtime.ContainerExited, containerState("dead"))
	assert.Equal(t, runtime.ContainerOther, containerState("restarting"))
}

func TestClassifyDeadline(t *testing.T) {
	err := classify(fmt.Errorf("request: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, runtime.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	plain := errors.New("conflict: name already in use")
	assert.Equal(t, plain, classify(plain))
	assert.NoError(t, classify(nil))
}
