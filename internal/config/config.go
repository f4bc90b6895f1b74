// ABOUTME: Configuration loading and parsing for claw-relay.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete claw-relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	CORS     CORSConfig     `yaml:"cors"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Devices  DevicesConfig  `yaml:"devices"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CORSConfig lists the browser origins allowed to call the HTTP API.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// GatewayConfig holds upstream link and discovery tuning.
type GatewayConfig struct {
	ScanPort          int           `yaml:"scan_port"`
	RequestTimeout    time.Duration `yaml:"-"`
	ReconnectMaxDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw    string `yaml:"request_timeout"`
	ReconnectMaxDelayRaw string `yaml:"reconnect_max_delay"`
}

// DevicesConfig holds device poller configuration.
type DevicesConfig struct {
	PollInterval time.Duration `yaml:"-"`
	SSHKeyFile   string        `yaml:"ssh_key_file"`

	PollIntervalRaw string `yaml:"poll_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file location.
// Priority: CLAW_RELAY_CONFIG env var > XDG_CONFIG_HOME/claw-relay/relay.yaml
// > ~/.config/claw-relay/relay.yaml.
func DefaultPath() string {
	if envPath := os.Getenv("CLAW_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "claw-relay", "relay.yaml")
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8000"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/chat.db"
	}
	if len(c.CORS.Origins) == 0 {
		c.CORS.Origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all configuration fields parse to usable values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Gateway.ScanPort < 0 || c.Gateway.ScanPort > 65535 {
		return fmt.Errorf("gateway.scan_port %d is out of range", c.Gateway.ScanPort)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.RequestTimeoutRaw != "" {
		cfg.Gateway.RequestTimeout, err = time.ParseDuration(cfg.Gateway.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Gateway.RequestTimeoutRaw, err)
		}
	}

	if cfg.Gateway.ReconnectMaxDelayRaw != "" {
		cfg.Gateway.ReconnectMaxDelay, err = time.ParseDuration(cfg.Gateway.ReconnectMaxDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max_delay %q: %w", cfg.Gateway.ReconnectMaxDelayRaw, err)
		}
	}

	if cfg.Devices.PollIntervalRaw != "" {
		cfg.Devices.PollInterval, err = time.ParseDuration(cfg.Devices.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Devices.PollIntervalRaw, err)
		}
	}

	return nil
}
