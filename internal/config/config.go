// Package config handles YAML configuration loading with environment
// variable expansion. Every field has a usable default so the worker runs
// with no config file at all.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go.yaml.in/yaml/v3"

	worker "github.com/lumenai/lumen-worker/internal"
)

// Config is the top-level worker configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Sidecar   SidecarConfig   `yaml:"sidecar"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Search    SearchConfig    `yaml:"search"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig controls the stderr logger. Stdout carries protocol frames, so
// logs never go there.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel maps the configured name onto a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OllamaConfig holds the local model runtime endpoints.
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url"`
	Bin     string        `yaml:"bin"`
	Timeout time.Duration `yaml:"timeout"`
}

// SidecarConfig holds the AirLLM child process command line.
type SidecarConfig struct {
	Bin  string   `yaml:"bin"`
	Args []string `yaml:"args"`
}

// HTTPConfig holds the loopback HTTP server settings used for remote
// access. The server binds 127.0.0.1 only; the tunnel is the way in.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TunnelConfig holds cloudflared placement.
type TunnelConfig struct {
	BinDir string `yaml:"bin_dir"` // defaults to <data_dir>/bin
}

// SearchConfig holds the web search endpoint.
type SearchConfig struct {
	BaseURL string `yaml:"base_url"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls the Prometheus registry exposed on /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	dataDir := filepath.Join(xdg.DataHome, worker.AppName)
	return &Config{
		DataDir: dataDir,
		Log:     LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			Bin:     "ollama",
			Timeout: 120 * time.Second,
		},
		Sidecar: SidecarConfig{
			Bin:  "python3",
			Args: []string{"-u", "-m", "airllm_server"},
		},
		HTTP: HTTPConfig{
			Port:            8765,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file over the defaults, expanding
// environment variables. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg.resolve(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg.resolve(), nil
}

// resolve fills fields derived from others after the file is applied.
func (c *Config) resolve() *Config {
	if c.Tunnel.BinDir == "" {
		c.Tunnel.BinDir = filepath.Join(c.DataDir, "bin")
	}
	return c
}
