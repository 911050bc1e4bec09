// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "FLEET_CONFIG"

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Updates    UpdatesConfig    `yaml:"updates" toml:"updates"`
	Events     EventsConfig     `yaml:"events" toml:"events"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr   string `yaml:"http_addr" toml:"http_addr"`
	FramedAddr string `yaml:"framed_addr" toml:"framed_addr"`
	// PublicURL is the externally reachable HTTP base, used in download
	// commands sent to framed agents.
	PublicURL string `yaml:"public_url" toml:"public_url"`
	// ServerID is reported to agents on acceptance. Defaults to the hostname.
	ServerID string `yaml:"server_id" toml:"server_id"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds the history database location. An empty path
// disables history.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret leaves the
// admin API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig holds liveness and shutdown timings.
type SessionsConfig struct {
	HeartbeatInterval  Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepInterval      Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	FramedIdleTimeout  Duration `yaml:"framed_idle_timeout" toml:"framed_idle_timeout"`
	FramedPollInterval Duration `yaml:"framed_poll_interval" toml:"framed_poll_interval"`
	ShutdownGrace      Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// SupervisorConfig holds the framed listener restart limits.
type SupervisorConfig struct {
	Window        Duration `yaml:"window" toml:"window"`
	MaxRestarts   int      `yaml:"max_restarts" toml:"max_restarts"`
	ShortCooldown Duration `yaml:"short_cooldown" toml:"short_cooldown"`
	LongCooldown  Duration `yaml:"long_cooldown" toml:"long_cooldown"`
}

// UpdatesConfig locates the update manifest and the helper binary.
type UpdatesConfig struct {
	Dir        string `yaml:"dir" toml:"dir"`
	HelperPath string `yaml:"helper_path" toml:"helper_path"`
	BinaryName string `yaml:"binary_name" toml:"binary_name"`
	// MaxUploadMB caps version uploads through the admin API.
	MaxUploadMB int64 `yaml:"max_upload_mb" toml:"max_upload_mb"`
}

// EventsConfig enables the NATS forwarder when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Duration is a time.Duration read from a "30s" style string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultPath returns $FLEET_CONFIG, else $XDG_CONFIG_HOME/fleet/gateway.yaml,
// else ~/.config/fleet/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleet", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config bytes, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ServerID = host
		} else {
			c.Server.ServerID = "fleet-gateway"
		}
	}

	setDuration(&c.Sessions.HeartbeatInterval, 15*time.Second)
	setDuration(&c.Sessions.HeartbeatTimeout, 30*time.Second)
	setDuration(&c.Sessions.SweepInterval, 10*time.Second)
	setDuration(&c.Sessions.FramedIdleTimeout, 60*time.Second)
	setDuration(&c.Sessions.FramedPollInterval, 3*time.Second)
	setDuration(&c.Sessions.ShutdownGrace, 2*time.Second)

	setDuration(&c.Supervisor.Window, 60*time.Second)
	if c.Supervisor.MaxRestarts <= 0 {
		c.Supervisor.MaxRestarts = 5
	}
	setDuration(&c.Supervisor.ShortCooldown, time.Second)
	setDuration(&c.Supervisor.LongCooldown, 30*time.Second)

	if c.Updates.Dir == "" {
		c.Updates.Dir = "updates"
	}
	if c.Updates.BinaryName == "" {
		c.Updates.BinaryName = "fleet-agent"
	}
	if c.Updates.MaxUploadMB <= 0 {
		c.Updates.MaxUploadMB = 512
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "fleet.events"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return errors.New("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Sessions.SweepInterval > c.Sessions.HeartbeatTimeout {
		return fmt.Errorf("sessions.sweep_interval (%s) must not exceed sessions.heartbeat_timeout (%s)",
			c.Sessions.SweepInterval, c.Sessions.HeartbeatTimeout)
	}
	if c.Sessions.FramedPollInterval > c.Sessions.FramedIdleTimeout {
		return fmt.Errorf("sessions.framed_poll_interval (%s) must not exceed sessions.framed_idle_timeout (%s)",
			c.Sessions.FramedPollInterval, c.Sessions.FramedIdleTimeout)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}
