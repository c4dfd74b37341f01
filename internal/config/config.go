// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with the precedence
// ENV > config file > defaults. The file is optional YAML selected via
// SCRIBE_CONFIG; every key it carries has an environment twin.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names consumed by the daemon.
const (
	EnvConfigFile      = "SCRIBE_CONFIG"
	EnvHost            = "SCRIBE_HOST"
	EnvPort            = "SCRIBE_PORT"
	EnvDBPath          = "SCRIBE_DB_PATH"
	EnvModelsDir       = "SCRIBE_MODELS_DIR"
	EnvModelCacheBytes = "SCRIBE_MODEL_CACHE_BYTES"
	EnvLogLevel        = "SCRIBE_LOG_LEVEL"
	EnvLogFormat       = "SCRIBE_LOG_FORMAT"
	EnvShutdownGrace   = "SCRIBE_SHUTDOWN_GRACE"
	EnvTraceExporter   = "SCRIBE_TRACE_EXPORTER"
	EnvTraceEndpoint   = "SCRIBE_TRACE_ENDPOINT"
)

// DefaultModelCacheBytes is the model cache budget when unconfigured (2 GiB).
const DefaultModelCacheBytes = int64(2) << 30

// Config is the resolved daemon configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	ModelsDir       string        `yaml:"models_dir"`
	ModelCacheBytes int64         `yaml:"model_cache_bytes"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	Trace           TraceConfig   `yaml:"trace"`
}

// TraceConfig selects the optional OTLP trace exporter.
type TraceConfig struct {
	Exporter string `yaml:"exporter"` // "", "grpc" or "http"
	Endpoint string `yaml:"endpoint"`
}

// Addr returns the host:port the RPC listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Load resolves the configuration: defaults, then the optional YAML file,
// then environment overrides, then validation.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaults mirrors the original deployment layout: state lives next to
// the backend binary unless redirected.
func defaults() Config {
	base := baseDir()
	return Config{
		Host:            "127.0.0.1",
		Port:            50051,
		DBPath:          filepath.Join(base, "data", "scribe.db"),
		ModelsDir:       filepath.Join(base, "models"),
		ModelCacheBytes: DefaultModelCacheBytes,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownGrace:   5 * time.Second,
	}
}

// baseDir is the directory of the running executable, falling back to the
// working directory when the executable path cannot be resolved.
func baseDir() string {
	exe, err := os.Executable()
	if err != nil {
		if wd, werr := os.Getwd(); werr == nil {
			return wd
		}
		return "."
	}
	return filepath.Dir(exe)
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path) // #nosec G304 -- operator-chosen config path
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Host = ParseString(EnvHost, cfg.Host)
	cfg.Port = ParseInt(EnvPort, cfg.Port)
	cfg.DBPath = ParseString(EnvDBPath, cfg.DBPath)
	cfg.ModelsDir = ParseString(EnvModelsDir, cfg.ModelsDir)
	cfg.ModelCacheBytes = ParseInt64(EnvModelCacheBytes, cfg.ModelCacheBytes)
	cfg.LogLevel = ParseString(EnvLogLevel, cfg.LogLevel)
	cfg.LogFormat = ParseString(EnvLogFormat, cfg.LogFormat)
	cfg.ShutdownGrace = ParseDuration(EnvShutdownGrace, cfg.ShutdownGrace)
	cfg.Trace.Exporter = ParseString(EnvTraceExporter, cfg.Trace.Exporter)
	cfg.Trace.Endpoint = ParseString(EnvTraceEndpoint, cfg.Trace.Endpoint)
}

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !isLoopbackHost(c.Host) {
		return fmt.Errorf("host %q is not a loopback address; the service only serves the local frontend", c.Host)
	}
	if !filepath.IsAbs(c.DBPath) {
		return fmt.Errorf("db_path %q must be absolute", c.DBPath)
	}
	if !filepath.IsAbs(c.ModelsDir) {
		return fmt.Errorf("models_dir %q must be absolute", c.ModelsDir)
	}
	if c.ModelCacheBytes <= 0 {
		return fmt.Errorf("model_cache_bytes must be positive, got %d", c.ModelCacheBytes)
	}
	switch c.Trace.Exporter {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unsupported trace exporter %q (supported: grpc, http)", c.Trace.Exporter)
	}
	if c.Trace.Exporter != "" && c.Trace.Endpoint == "" {
		return fmt.Errorf("trace exporter %q requires an endpoint", c.Trace.Exporter)
	}
	return nil
}

// isLoopbackHost accepts "localhost" and literal loopback IPs.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
