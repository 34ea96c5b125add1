// ABOUTME: Configuration loading and parsing for echo-router
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "ECHO_ROUTER_CONFIG"

// Defaults applied when a value is left empty.
const (
	DefaultDatabasePath     = "echo-router.db"
	DefaultConversationsDir = "conversations"
	DefaultCommandPrefix    = "!"
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeSize       = 10000
	DefaultJobTimeout       = 10 * time.Minute
	DefaultIdleTimeout      = time.Hour
	DefaultTokenTTL         = 5 * time.Minute
	DefaultSendRate         = 5.0
	DefaultSendBurst        = 10
	DefaultMetricsAddr      = "127.0.0.1:9464"
	DefaultMetricsPath      = "/metrics"
)

// Config represents the complete echo-router configuration
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Router   RouterConfig   `yaml:"router" toml:"router"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// MatrixConfig holds the Matrix account and room settings
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	DisplayName  string   `yaml:"display_name" toml:"display_name"`
	RecoveryKey  string   `yaml:"recovery_key" toml:"recovery_key"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	SendRate     float64  `yaml:"send_rate" toml:"send_rate"`
	SendBurst    int      `yaml:"send_burst" toml:"send_burst"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// StorageConfig holds where conversation bodies are written
type StorageConfig struct {
	ConversationsDir string `yaml:"conversations_dir" toml:"conversations_dir"`
}

// RouterConfig holds routing behavior
type RouterConfig struct {
	CommandPrefix    string `yaml:"command_prefix" toml:"command_prefix"`
	Acknowledgement  string `yaml:"acknowledgement" toml:"acknowledgement"`
	ThreadNameFormat string `yaml:"thread_name_format" toml:"thread_name_format"`
	DedupeSize       int    `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTL   time.Duration `yaml:"-" toml:"-"`
	JobTimeout  time.Duration `yaml:"-" toml:"-"`
	IdleTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DedupeTTLRaw   string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	JobTimeoutRaw  string `yaml:"job_timeout" toml:"job_timeout"`
	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// GatewayConfig holds the agent gateway the runner talks to
type GatewayConfig struct {
	URL       string `yaml:"url" toml:"url"`
	AgentID   string `yaml:"agent_id" toml:"agent_id"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

// DefaultPath returns the config file location.
// Priority: ECHO_ROUTER_CONFIG > $XDG_CONFIG_HOME/echo-router/config.yaml > ~/.config/echo-router/config.yaml
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "echo-router", "config.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Storage.ConversationsDir == "" {
		c.Storage.ConversationsDir = DefaultConversationsDir
	}
	if c.Router.CommandPrefix == "" {
		c.Router.CommandPrefix = DefaultCommandPrefix
	}
	if c.Router.DedupeTTL == 0 {
		c.Router.DedupeTTL = DefaultDedupeTTL
	}
	if c.Router.DedupeSize == 0 {
		c.Router.DedupeSize = DefaultDedupeSize
	}
	if c.Router.JobTimeout == 0 {
		c.Router.JobTimeout = DefaultJobTimeout
	}
	if c.Router.IdleTimeout == 0 {
		c.Router.IdleTimeout = DefaultIdleTimeout
	}
	if c.Gateway.TokenTTL == 0 {
		c.Gateway.TokenTTL = DefaultTokenTTL
	}
	if c.Matrix.SendRate == 0 {
		c.Matrix.SendRate = DefaultSendRate
	}
	if c.Matrix.SendBurst == 0 {
		c.Matrix.SendBurst = DefaultSendBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if err := httpURL(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver %w", err)
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id must be a full Matrix ID like @bot:example.org")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.SendRate < 0 || c.Matrix.SendBurst < 0 {
		return fmt.Errorf("matrix.send_rate and matrix.send_burst must not be negative")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if err := httpURL(c.Gateway.URL); err != nil {
		return fmt.Errorf("gateway.url %w", err)
	}

	if c.Router.DedupeSize < 0 {
		return fmt.Errorf("router.dedupe_size must not be negative")
	}
	if c.Router.ThreadNameFormat != "" && strings.Count(c.Router.ThreadNameFormat, "%s") != 1 {
		return fmt.Errorf("router.thread_name_format must contain exactly one %%s")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

func httpURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
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
		{"router.dedupe_ttl", cfg.Router.DedupeTTLRaw, &cfg.Router.DedupeTTL},
		{"router.job_timeout", cfg.Router.JobTimeoutRaw, &cfg.Router.JobTimeout},
		{"router.idle_timeout", cfg.Router.IdleTimeoutRaw, &cfg.Router.IdleTimeout},
		{"gateway.token_ttl", cfg.Gateway.TokenTTLRaw, &cfg.Gateway.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
