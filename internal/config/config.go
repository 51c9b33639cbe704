// ABOUTME: Configuration loading and parsing for burrowd
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and env overrides

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete burrowd configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Attach     AttachConfig     `yaml:"attach"`
	Containers ContainersConfig `yaml:"containers"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the controller's HTTP settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// AdvertiseHost is the host agents use to reach the controller. Empty
	// means loopback for host processes and the network gateway for
	// containers.
	AdvertiseHost string `yaml:"advertise_host"`
}

// DiscoveryConfig holds process scanning settings
type DiscoveryConfig struct {
	ExecutableNames    []string `yaml:"executable_names"`
	ExcludeClassPath   []string `yaml:"exclude_class_path"`
	ExcludeCommandLine []string `yaml:"exclude_command_line"`

	ScanInterval     time.Duration `yaml:"-"`
	PerfDataInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ScanIntervalRaw     string `yaml:"scan_interval"`
	PerfDataIntervalRaw string `yaml:"perfdata_interval"`
}

// AttachConfig holds attachment orchestration settings
type AttachConfig struct {
	Enabled      bool       `yaml:"enabled"`
	AgentBinary  string     `yaml:"agent_binary"`
	ContainerDir string     `yaml:"container_dir"`
	AgentArgs    string     `yaml:"agent_args"`
	Retries      int        `yaml:"retries"`
	CoreWorkers  int        `yaml:"core_workers"`
	MaxWorkers   int        `yaml:"max_workers"`
	QueueSize    int        `yaml:"queue_size"`
	AutoLoad     []AutoLoad `yaml:"auto_load"`

	KeepAlive      time.Duration `yaml:"-"`
	AttachTimeout  time.Duration `yaml:"-"`
	ConnectTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	KeepAliveRaw      string `yaml:"keep_alive"`
	AttachTimeoutRaw  string `yaml:"attach_timeout"`
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// AutoLoad names a plugin to load into every agent whose runtime has
// MarkerClass loaded. An empty MarkerClass matches every runtime.
type AutoLoad struct {
	MarkerClass string `yaml:"marker_class"`
	Path        string `yaml:"path"`
	Args        string `yaml:"args"`
}

// ContainersConfig holds the container runtime CLIs
type ContainersConfig struct {
	DockerBinary string `yaml:"docker_binary"`
	CRIBinary    string `yaml:"cri_binary"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:7463",
		},
		Discovery: DiscoveryConfig{
			ExecutableNames:     []string{"java"},
			ScanInterval:        5 * time.Second,
			PerfDataInterval:    30 * time.Second,
			ScanIntervalRaw:     "5s",
			PerfDataIntervalRaw: "30s",
		},
		Attach: AttachConfig{
			Enabled:           true,
			AgentBinary:       "burrow-agent",
			ContainerDir:      "/tmp/burrow",
			Retries:           5,
			CoreWorkers:       1,
			MaxWorkers:        4,
			QueueSize:         16,
			KeepAlive:         time.Minute,
			AttachTimeout:     60 * time.Second,
			ConnectTimeout:    90 * time.Second,
			KeepAliveRaw:      "1m",
			AttachTimeoutRaw:  "60s",
			ConnectTimeoutRaw: "90s",
		},
		Containers: ContainersConfig{
			DockerBinary: "docker",
			CRIBinary:    "crictl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. Values absent
// from the file keep their defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides applies BURROW_ATTACH_ENABLED and BURROW_HTTP_ADDR.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BURROW_ATTACH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BURROW_ATTACH_ENABLED %q: %w", v, err)
		}
		cfg.Attach.Enabled = enabled
	}
	if v := os.Getenv("BURROW_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if len(c.Discovery.ExecutableNames) == 0 {
		return fmt.Errorf("discovery.executable_names must not be empty")
	}
	if c.Discovery.ScanInterval <= 0 {
		return fmt.Errorf("discovery.scan_interval must be positive")
	}

	if c.Attach.Enabled {
		if c.Attach.AgentBinary == "" {
			return fmt.Errorf("attach.agent_binary is required when attach is enabled")
		}
		if c.Attach.Retries < 1 {
			return fmt.Errorf("attach.retries must be at least 1")
		}
		if c.Attach.CoreWorkers < 1 {
			return fmt.Errorf("attach.core_workers must be at least 1")
		}
		if c.Attach.MaxWorkers < c.Attach.CoreWorkers {
			return fmt.Errorf("attach.max_workers (%d) must not be below attach.core_workers (%d)",
				c.Attach.MaxWorkers, c.Attach.CoreWorkers)
		}
		if c.Attach.QueueSize < 1 {
			return fmt.Errorf("attach.queue_size must be at least 1")
		}
		for i, al := range c.Attach.AutoLoad {
			if al.Path == "" {
				return fmt.Errorf("attach.auto_load[%d].path is required", i)
			}
		}
		if _, err := ParseAgentArgs(c.Attach.AgentArgs); err != nil {
			return fmt.Errorf("attach.agent_args: %w", err)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"discovery.scan_interval", cfg.Discovery.ScanIntervalRaw, &cfg.Discovery.ScanInterval},
		{"discovery.perfdata_interval", cfg.Discovery.PerfDataIntervalRaw, &cfg.Discovery.PerfDataInterval},
		{"attach.keep_alive", cfg.Attach.KeepAliveRaw, &cfg.Attach.KeepAlive},
		{"attach.attach_timeout", cfg.Attach.AttachTimeoutRaw, &cfg.Attach.AttachTimeout},
		{"attach.connect_timeout", cfg.Attach.ConnectTimeoutRaw, &cfg.Attach.ConnectTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// LevelTrace sits below debug for per-poll and unchanged-state messages.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a level name to its slog level. Names are case
// insensitive and "" means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "finest", "finer":
		return LevelTrace, nil
	case "debug", "fine", "config":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "severe":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// LevelName is the inverse of ParseLevel for the levels it produces.
func LevelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l <= slog.LevelInfo:
		return "INFO"
	case l <= slog.LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}
