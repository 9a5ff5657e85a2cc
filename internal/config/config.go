// Package config handles configuration loading and validation for vtpmd.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Engine backend types.
const (
	EngineNoop   = "noop"
	EngineSocket = "socket"
	EngineDevice = "device"
)

// Config holds the daemon configuration.
type Config struct {
	// DeviceName is the name of the exposed device endpoint.
	DeviceName string `toml:"device_name" yaml:"device_name" json:"device_name"`

	// Major and Minor are the device numbers advertised to the device
	// framework hosting the endpoint.
	Major uint32 `toml:"major" yaml:"major" json:"major"`
	Minor uint32 `toml:"minor" yaml:"minor" json:"minor"`

	// SocketDir is the directory holding the endpoint socket.
	SocketDir string `toml:"socket_dir" yaml:"socket_dir" json:"socket_dir"`

	// StateDir overrides the TPM_PATH environment variable as the
	// location of persisted TPM state.
	StateDir string `toml:"state_dir" yaml:"state_dir" json:"state_dir"`

	// Engine selects the TPM engine backend: noop, socket or device.
	Engine string `toml:"engine" yaml:"engine" json:"engine"`

	// EngineCommandAddress and EnginePlatformAddress name the
	// simulator ports for the socket engine.
	EngineCommandAddress  string `toml:"engine_command_address" yaml:"engine_command_address" json:"engine_command_address"`
	EnginePlatformAddress string `toml:"engine_platform_address" yaml:"engine_platform_address" json:"engine_platform_address"`

	// EngineDevicePath is the TPM character device for the device
	// engine.
	EngineDevicePath string `toml:"engine_device_path" yaml:"engine_device_path" json:"engine_device_path"`

	// RunAs drops privileges to this user once the endpoint is up.
	RunAs string `toml:"runas" yaml:"runas" json:"runas"`

	// LogLevel is debug, info, warn or error. LogFormat is text or
	// json. An empty LogPath logs to stderr.
	LogLevel  string `toml:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format" json:"log_format"`
	LogPath   string `toml:"log_path" yaml:"log_path" json:"log_path"`

	// HealthAddress, when set, serves liveness/readiness/health probes
	// over HTTP on that address (for example "127.0.0.1:9120").
	HealthAddress string `toml:"health_address" yaml:"health_address" json:"health_address"`

	// TracePath, when set, enables span tracing and appends spans to
	// the named file as JSON lines.
	TracePath string `toml:"trace_path" yaml:"trace_path" json:"trace_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:            "vtpm0",
		SocketDir:             defaultSocketDir(),
		Engine:                EngineNoop,
		EngineCommandAddress:  "127.0.0.1:2321",
		EnginePlatformAddress: "127.0.0.1:2322",
		EngineDevicePath:      "/dev/tpmrm0",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

func defaultSocketDir() string {
	if os.Geteuid() == 0 {
		return "/run/vtpmd"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "vtpmd")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".vtpmd")
}

// SocketPath returns the endpoint socket path for the configured
// device name.
func (c *Config) SocketPath() string {
	return filepath.Join(c.SocketDir, c.DeviceName+".sock")
}

// Load reads configuration from the specified path. If the file doesn't
// exist, it returns the default configuration. The format follows the
// file extension (toml, yaml or json); an unknown extension tries each
// in turn.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return errors.New("unable to parse config file (tried TOML, JSON, YAML)")
}

// ApplyEnvOverrides applies VTPMD_* environment variables over the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VTPMD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VTPMD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("VTPMD_SOCKET_DIR"); v != "" {
		c.SocketDir = v
	}
	if v := os.Getenv("VTPMD_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return errors.New("config: device_name is required")
	}

	switch c.Engine {
	case EngineNoop:
	case EngineSocket:
		if c.EngineCommandAddress == "" || c.EnginePlatformAddress == "" {
			return errors.New("config: socket engine requires command and platform addresses")
		}
	case EngineDevice:
		if c.EngineDevicePath == "" {
			return errors.New("config: device engine requires a device path")
		}
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	return nil
}
