package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/store"
)

// TestConfig returns a Config with fast timings for tests.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:          "127.0.0.1:0",
		APIKey:          "test-api-key",
		DBPath:          ":memory:",
		LogLevel:        "debug",
		DefaultSurfaces: []string{"terminal", "notebook"},
		Surfaces: map[string]config.Surface{
			"terminal": {Port: 7681, Probe: "http", ReadinessPath: "/", URLPath: "/", Command: "ttyd -p 7681 bash"},
			"notebook": {Port: 8888, Probe: "http", ReadinessPath: "/api", URLPath: "/lab", Command: "jupyter lab --port=8888"},
			"ide":      {Port: 8080, Probe: "http", ReadinessPath: "/healthz", URLPath: "/", Command: "code-server --bind-addr 0.0.0.0:8080"},
			"editor":   {Port: 3000, Probe: "tcp", URLPath: "/", Command: "lite-editor --port 3000"},
		},
		Image: config.ImageConfig{
			BaseImage:      "ubuntu:24.04",
			InstallCommand: "apt-get install -y %s",
			TagPrefix:      "labkasten/lab",
			BuildTimeout:   time.Minute,
		},
		Limits: config.Limits{
			Single: config.LimitPolicy{CPULimit: 1, Memory: "512m", PidsLimit: 128},
			Multi:  config.LimitPolicy{CPULimit: 2, Memory: "1g", PidsLimit: 256},
		},
		Ports: config.PortsConfig{
			RangeStart:  30000,
			RangeEnd:    30009,
			BindAddress: "127.0.0.1",
			PublicHost:  "labs.example.test",
			Scheme:      "https",
		},
		Health: config.HealthConfig{
			Attempts:       2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			AttemptTimeout: 100 * time.Millisecond,
			ProbeHost:      "127.0.0.1",
		},
		Governor: config.GovernorConfig{
			Interval:         time.Second,
			IdleTimeout:      30 * time.Minute,
			PausedTimeout:    24 * time.Hour,
			MaxSessions:      10,
			CountPaused:      true,
			CPUThreshold:     0.95,
			MemoryThreshold:  0.95,
			SustainedPasses:  2,
			StatsTimeout:     time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
			AdoptOrphans:     true,
		},
		Runtime: config.RuntimeConfig{
			CallTimeout:   5 * time.Second,
			StopTimeout:   time.Second,
			CreateRetries: 2,
			NetworkMode:   "bridge",
		},
		Workspace: config.WorkspaceConfig{MountPath: "/home/learner/work"},
		Events:    config.EventsConfig{Driver: "none"},
		Bulk:      config.BulkConfig{Concurrency: 4},
	}
}

// TestSession returns a running session with one healthy terminal surface.
func TestSession(id, userID, courseID string) *lab.Session {
	now := time.Now().UTC()
	return &lab.Session{
		ID:            id,
		UserID:        userID,
		CourseID:      courseID,
		State:         lab.StateRunning,
		RuntimeHandle: "ctr-" + id,
		ImageTag:      "labkasten/lab:abc",
		ImageHash:     "abc",
		Surfaces: []lab.Surface{
			{Kind: lab.SurfaceTerminal, InternalPort: 7681, ExternalPort: 30000, Health: lab.HealthHealthy},
		},
		Limits:       lab.ResourceLimits{CPUs: 1, MemoryBytes: 512 << 20},
		CreatedAt:    now,
		LastActiveAt: now,
		Version:      1,
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
