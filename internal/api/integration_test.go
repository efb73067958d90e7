//go:build integration && linux

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/bulk"
	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/docker"
	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/governor"
	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
	"github.com/p-arndt/labkasten/internal/testutil"
	"github.com/p-arndt/labkasten/protocol"
)

// integrationConfig serves a plain HTTP server as the terminal surface so the
// image builds without extra packages.
func integrationConfig() *config.Config {
	cfg := testutil.TestConfig()
	cfg.DefaultSurfaces = []string{"terminal"}
	cfg.Surfaces = map[string]config.Surface{
		"terminal": {Port: 7681, Probe: "http", ReadinessPath: "/", URLPath: "/", Command: "python3 -m http.server 7681"},
	}
	cfg.Image.BaseImage = "python:3.12-alpine"
	cfg.Image.TagPrefix = "labkasten-it/lab"
	cfg.Image.BuildTimeout = 5 * time.Minute
	cfg.Ports.RangeStart, cfg.Ports.RangeEnd = 38000, 38019
	cfg.Health.Attempts = 20
	cfg.Health.InitialBackoff = 200 * time.Millisecond
	cfg.Health.MaxBackoff = time.Second
	cfg.Health.AttemptTimeout = time.Second
	cfg.Runtime.CallTimeout = 30 * time.Second
	return cfg
}

func startIntegrationServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := integrationConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st, err := store.New(cfg.DBPath, 0)
	require.NoError(t, err)
	dc, err := docker.New(cfg.Ports.BindAddress, cfg.Runtime.NetworkMode)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	if err := dc.Ping(ctx); err != nil {
		cancel()
		t.Skipf("docker not available: %v", err)
	}

	ports := pool.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, logger)
	monitor := health.NewMonitor(health.NewNetProber(), health.Options{
		Attempts:       cfg.Health.Attempts,
		InitialBackoff: cfg.Health.InitialBackoff,
		MaxBackoff:     cfg.Health.MaxBackoff,
		AttemptTimeout: cfg.Health.AttemptTimeout,
	}, logger)
	images := imagebuild.NewCache(dc, imagebuild.Options{
		TagPrefix:      cfg.Image.TagPrefix,
		InstallCommand: cfg.Image.InstallCommand,
		Timeout:        cfg.Image.BuildTimeout,
	}, logger)

	mgr := session.NewManager(cfg, session.Deps{
		Store:   st,
		Runtime: dc,
		Images:  images,
		Ports:   ports,
		Health:  monitor,
		Events:  events.Nop{},
	}, logger)
	gov := governor.New(cfg.Governor, dc, st, logger)
	gov.SetSessionManager(mgr)
	mgr.SetAdmitter(gov)
	_, err = gov.Reconcile(ctx)
	require.NoError(t, err)
	go gov.Run(ctx)

	srv := NewServer(cfg, Deps{
		Labs:     mgr,
		Bulk:     bulk.New(mgr, 4, events.Nop{}, logger),
		Governor: gov,
		Runtime:  dc,
		Ports:    ports,
		Images:   images,
		Health:   monitor,
	}, logger)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		for _, s := range mgr.Sessions() {
			mgr.Stop(context.Background(), s.ID, session.ReasonRequest)
		}
		cancel()
		ts.Close()
		dc.Close()
		st.Close()
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testutil.TestConfig().APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestIntegration_LabLifecycle(t *testing.T) {
	ts := startIntegrationServer(t)
	req := protocol.CreateLabRequest{UserID: "it-user", CourseID: "it-course"}

	var created protocol.Lab
	require.Equal(t, http.StatusOK, call(t, ts, "POST", "/v1/labs", req, &created))
	assert.Equal(t, "running", created.State)
	require.Len(t, created.Surfaces, 1)
	assert.Equal(t, "healthy", created.Surfaces[0].Health)

	var again protocol.Lab
	require.Equal(t, http.StatusOK, call(t, ts, "POST", "/v1/labs", req, &again))
	assert.Equal(t, created.ID, again.ID, "second request must return the same lab")

	var paused protocol.Lab
	require.Equal(t, http.StatusOK, call(t, ts, "POST", "/v1/labs/"+created.ID+"/pause", nil, &paused))
	assert.Equal(t, "paused", paused.State)

	var resumed protocol.Lab
	require.Equal(t, http.StatusOK, call(t, ts, "POST", "/v1/labs/"+created.ID+"/resume", nil, &resumed))
	assert.Equal(t, "running", resumed.State)

	var rep protocol.BulkReport
	require.Equal(t, http.StatusOK, call(t, ts, "POST", "/v1/courses/it-course/stop", nil, &rep))
	assert.Equal(t, []string{created.ID}, rep.Succeeded)
	assert.Empty(t, rep.Failed)

	var list protocol.LabList
	require.Equal(t, http.StatusOK, call(t, ts, "GET", "/v1/labs?course_id=it-course", nil, &list))
	assert.Empty(t, list.Labs)
}

func TestIntegration_Healthz(t *testing.T) {
	ts := startIntegrationServer(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
