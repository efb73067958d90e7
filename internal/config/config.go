package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/labkasten/internal/lab"
)

// Surface describes how one kind of interactive surface is installed,
// started and probed inside a lab container.
type Surface struct {
	Port          int      `yaml:"port"`
	Probe         string   `yaml:"probe"` // "http" or "tcp"
	ReadinessPath string   `yaml:"readiness_path"`
	URLPath       string   `yaml:"url_path"`
	Install       []string `yaml:"install"`
	Command       string   `yaml:"command"`
}

type LimitPolicy struct {
	CPULimit  float64 `yaml:"cpu_limit"`
	Memory    string  `yaml:"memory"`
	PidsLimit int     `yaml:"pids_limit"`
}

// Limits are keyed by whether a session exposes one or several surfaces.
type Limits struct {
	Single LimitPolicy `yaml:"single"`
	Multi  LimitPolicy `yaml:"multi"`
}

type ImageConfig struct {
	BaseImage      string        `yaml:"base_image"`
	Packages       []string      `yaml:"packages"`
	InstallCommand string        `yaml:"install_command"`
	TagPrefix      string        `yaml:"tag_prefix"`
	BuildTimeout   time.Duration `yaml:"build_timeout"`
	BuildRetries   int           `yaml:"build_retries"`
}

type PortsConfig struct {
	RangeStart  int    `yaml:"range_start"`
	RangeEnd    int    `yaml:"range_end"`
	BindAddress string `yaml:"bind_address"`
	PublicHost  string `yaml:"public_host"`
	Scheme      string `yaml:"scheme"`
}

type HealthConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// ProbeHost is the address the daemon dials to reach published ports.
	ProbeHost string `yaml:"probe_host"`
}

type GovernorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	PausedTimeout    time.Duration `yaml:"paused_timeout"`
	MaxSessions      int           `yaml:"max_sessions"`
	CountPaused      bool          `yaml:"count_paused"`
	CPUThreshold     float64       `yaml:"cpu_threshold"`
	MemoryThreshold  float64       `yaml:"memory_threshold"`
	SustainedPasses  int           `yaml:"sustained_passes"`
	StatsTimeout     time.Duration `yaml:"stats_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	AdoptOrphans     bool          `yaml:"adopt_orphans"`
}

type RuntimeConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	CreateRetries int           `yaml:"create_retries"`
	NetworkMode   string        `yaml:"network_mode"`
}

type WorkspaceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MountPath string `yaml:"mount_path"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EventsConfig struct {
	Driver string      `yaml:"driver"` // "log", "kafka" or "none"
	Kafka  KafkaConfig `yaml:"kafka"`
}

type BulkConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type Config struct {
	Listen          string             `yaml:"listen"`
	APIKey          string             `yaml:"api_key"`
	DBPath          string             `yaml:"db_path"`
	LogLevel        string             `yaml:"log_level"`
	DefaultSurfaces []string           `yaml:"default_surfaces"`
	Surfaces        map[string]Surface `yaml:"surfaces"`
	Image           ImageConfig        `yaml:"image"`
	Limits          Limits             `yaml:"limits"`
	Ports           PortsConfig        `yaml:"ports"`
	Health          HealthConfig       `yaml:"health"`
	Governor        GovernorConfig     `yaml:"governor"`
	Runtime         RuntimeConfig      `yaml:"runtime"`
	Workspace       WorkspaceConfig    `yaml:"workspace"`
	Events          EventsConfig       `yaml:"events"`
	Bulk            BulkConfig         `yaml:"bulk"`
}

func defaultSurfaces() map[string]Surface {
	return map[string]Surface{
		string(lab.SurfaceTerminal): {
			Port:          7681,
			Probe:         "http",
			ReadinessPath: "/",
			URLPath:       "/",
			Command:       "ttyd -p 7681 -W bash",
		},
		string(lab.SurfaceNotebook): {
			Port:          8888,
			Probe:         "http",
			ReadinessPath: "/api",
			URLPath:       "/lab",
			Command:       "jupyter lab --ip=0.0.0.0 --port=8888 --no-browser --ServerApp.token=''",
		},
		string(lab.SurfaceIDE): {
			Port:          8080,
			Probe:         "http",
			ReadinessPath: "/healthz",
			URLPath:       "/",
			Command:       "code-server --bind-addr 0.0.0.0:8080 --auth none",
		},
		string(lab.SurfaceEditor): {
			Port:          3000,
			Probe:         "tcp",
			ReadinessPath: "/",
			URLPath:       "/",
			Command:       "lite-editor --port 3000",
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:          "127.0.0.1:8080",
		DBPath:          "./labkasten.db",
		LogLevel:        "info",
		DefaultSurfaces: []string{string(lab.SurfaceTerminal), string(lab.SurfaceNotebook), string(lab.SurfaceIDE), string(lab.SurfaceEditor)},
		Surfaces:        defaultSurfaces(),
		Image: ImageConfig{
			BaseImage:      "ubuntu:24.04",
			InstallCommand: "apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
			TagPrefix:      "labkasten/lab",
			BuildTimeout:   15 * time.Minute,
			BuildRetries:   2,
		},
		Limits: Limits{
			Single: LimitPolicy{CPULimit: 1.0, Memory: "1g", PidsLimit: 512},
			Multi:  LimitPolicy{CPULimit: 2.0, Memory: "4g", PidsLimit: 1024},
		},
		Ports: PortsConfig{
			RangeStart:  20000,
			RangeEnd:    20999,
			BindAddress: "0.0.0.0",
			PublicHost:  "localhost",
			Scheme:      "http",
		},
		Health: HealthConfig{
			Attempts:       8,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			AttemptTimeout: 3 * time.Second,
			ProbeHost:      "127.0.0.1",
		},
		Governor: GovernorConfig{
			Interval:         30 * time.Second,
			IdleTimeout:      30 * time.Minute,
			PausedTimeout:    24 * time.Hour,
			MaxSessions:      50,
			CountPaused:      true,
			CPUThreshold:     0.95,
			MemoryThreshold:  0.95,
			SustainedPasses:  3,
			StatsTimeout:     5 * time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
			AdoptOrphans:     true,
		},
		Runtime: RuntimeConfig{
			CallTimeout:   60 * time.Second,
			StopTimeout:   10 * time.Second,
			CreateRetries: 2,
			NetworkMode:   "bridge",
		},
		Workspace: WorkspaceConfig{
			Enabled:   false,
			MountPath: "/home/learner/work",
		},
		Events: EventsConfig{
			Driver: "log",
			Kafka:  KafkaConfig{Topic: "labkasten.sessions"},
		},
		Bulk: BulkConfig{Concurrency: 8},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if len(c.DefaultSurfaces) == 0 {
		return fmt.Errorf("default_surfaces must not be empty")
	}
	for _, name := range c.DefaultSurfaces {
		if _, ok := c.Surfaces[name]; !ok {
			return fmt.Errorf("default surface %q has no surfaces entry", name)
		}
	}
	for name, s := range c.Surfaces {
		if _, err := lab.ParseSurfaceKind(name); err != nil {
			return err
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("surface %s: invalid port %d", name, s.Port)
		}
		if s.Probe != "http" && s.Probe != "tcp" {
			return fmt.Errorf("surface %s: probe must be http or tcp", name)
		}
	}
	if c.Governor.PausedTimeout <= c.Governor.IdleTimeout {
		return fmt.Errorf("governor.paused_timeout must exceed governor.idle_timeout")
	}
	if c.Health.Attempts <= 0 {
		return fmt.Errorf("health.attempts must be positive")
	}
	if _, err := c.LimitsFor(false); err != nil {
		return err
	}
	if _, err := c.LimitsFor(true); err != nil {
		return err
	}
	switch c.Events.Driver {
	case "log", "none":
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers required for kafka driver")
		}
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}
	return nil
}

// LimitsFor resolves the resource policy for a single- or multi-surface session.
func (c *Config) LimitsFor(multiSurface bool) (lab.ResourceLimits, error) {
	p := c.Limits.Single
	if multiSurface {
		p = c.Limits.Multi
	}
	mem, err := units.RAMInBytes(p.Memory)
	if err != nil {
		return lab.ResourceLimits{}, fmt.Errorf("limits memory %q: %w", p.Memory, err)
	}
	return lab.ResourceLimits{
		CPUs:        p.CPULimit,
		MemoryBytes: mem,
		PidsLimit:   int64(p.PidsLimit),
	}, nil
}

// DefaultSurfaceKinds returns the configured default surfaces in order.
func (c *Config) DefaultSurfaceKinds() []lab.SurfaceKind {
	kinds := make([]lab.SurfaceKind, 0, len(c.DefaultSurfaces))
	for _, name := range c.DefaultSurfaces {
		kinds = append(kinds, lab.SurfaceKind(name))
	}
	return kinds
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LABKASTEN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LABKASTEN_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LABKASTEN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LABKASTEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LABKASTEN_DEFAULT_SURFACES"); v != "" {
		cfg.DefaultSurfaces = strings.Split(v, ",")
	}
	if v := os.Getenv("LABKASTEN_BASE_IMAGE"); v != "" {
		cfg.Image.BaseImage = v
	}
	if v := os.Getenv("LABKASTEN_PUBLIC_HOST"); v != "" {
		cfg.Ports.PublicHost = v
	}
	if v := os.Getenv("LABKASTEN_PORT_RANGE"); v != "" {
		if lo, hi, ok := strings.Cut(v, "-"); ok {
			a, errA := strconv.Atoi(lo)
			b, errB := strconv.Atoi(hi)
			if errA == nil && errB == nil {
				cfg.Ports.RangeStart, cfg.Ports.RangeEnd = a, b
			}
		}
	}
	if v := os.Getenv("LABKASTEN_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Governor.MaxSessions = n
		}
	}
	if v := os.Getenv("LABKASTEN_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Governor.IdleTimeout = d
		}
	}
	if v := os.Getenv("LABKASTEN_PAUSED_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Governor.PausedTimeout = d
		}
	}
	if v := os.Getenv("LABKASTEN_COUNT_PAUSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Governor.CountPaused = b
		}
	}
	if v := os.Getenv("LABKASTEN_WORKSPACE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workspace.Enabled = b
		}
	}
	if v := os.Getenv("LABKASTEN_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("LABKASTEN_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = strings.Split(v, ",")
	}
}
