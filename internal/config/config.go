// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the verifier's requirement for HS256 keys.
const MinJWTSecretLength = 32

// Config represents the complete toolgate configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Quota       QuotaConfig       `yaml:"quota" toml:"quota"`
	Engine      EngineConfig      `yaml:"engine" toml:"engine"`
	MCP         MCPConfig         `yaml:"mcp" toml:"mcp"`
	Audit       AuditConfig       `yaml:"audit" toml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	CatalogPage CatalogPageConfig `yaml:"catalog_page" toml:"catalog_page"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC service
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects the store driver and its data source
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, sqlite3 or postgres
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// ExternalPrincipalConfig describes the fixed principal delegated credentials resolve to
type ExternalPrincipalConfig struct {
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Role        string `yaml:"role" toml:"role"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret       string                  `yaml:"jwt_secret" toml:"jwt_secret"`
	External        ExternalPrincipalConfig `yaml:"external_principal" toml:"external_principal"`
	SessionTTL      time.Duration           `yaml:"-" toml:"-"`
	SessionTTLRaw   string                  `yaml:"session_ttl" toml:"session_ttl"`
	DelegatedPrefix string                  `yaml:"delegated_prefix" toml:"delegated_prefix"`
}

// QuotaConfig controls quota enforcement
type QuotaConfig struct {
	// Exact closes the check-then-record race within one process.
	Exact    bool   `yaml:"exact" toml:"exact"`
	Timezone string `yaml:"timezone" toml:"timezone"` // IANA name; empty means the server's local zone
}

// EngineConfig bounds the execution backends
type EngineConfig struct {
	ExpressionTimeout    time.Duration `yaml:"-" toml:"-"`
	QueryTimeout         time.Duration `yaml:"-" toml:"-"`
	ExpressionTimeoutRaw string        `yaml:"expression_timeout" toml:"expression_timeout"`
	QueryTimeoutRaw      string        `yaml:"query_timeout" toml:"query_timeout"`
	MaxResultBytes       int           `yaml:"max_result_bytes" toml:"max_result_bytes"`
}

// MCPConfig holds MCP transport configuration
type MCPConfig struct {
	RequireAuth           bool          `yaml:"require_auth" toml:"require_auth"`
	SessionIdleTimeout    time.Duration `yaml:"-" toml:"-"`
	SessionIdleTimeoutRaw string        `yaml:"session_idle_timeout" toml:"session_idle_timeout"`
	SweepSchedule         string        `yaml:"sweep_schedule" toml:"sweep_schedule"`
	WebSocket             bool          `yaml:"websocket" toml:"websocket"`
	AllowedOrigins        []string      `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ClickHouseConfig configures the optional analytics mirror of usage records
type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	DSN              string        `yaml:"dsn" toml:"dsn"`
	BatchSize        int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval    time.Duration `yaml:"-" toml:"-"`
	FlushIntervalRaw string        `yaml:"flush_interval" toml:"flush_interval"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	MaxSnapshotBytes int              `yaml:"max_snapshot_bytes" toml:"max_snapshot_bytes"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse" toml:"clickhouse"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// CatalogPageConfig controls the read-only HTML tool catalog
type CatalogPageConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Quota: QuotaConfig{Exact: true}, MCP: MCPConfig{WebSocket: true}}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := &Config{Quota: QuotaConfig{Exact: true}, MCP: MCPConfig{WebSocket: true}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if dsn := os.Getenv("TOOLGATE_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ResolvePath picks the config file: explicit flag, then TOOLGATE_CONFIG, then
// $XDG_CONFIG_HOME/toolgate/toolgate.yaml (or ~/.config/toolgate/toolgate.yaml).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TOOLGATE_CONFIG"); env != "" {
		return env
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "toolgate.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "toolgate", "toolgate.yaml")
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver != "postgres" {
		c.Database.DSN = "./data/toolgate.db"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Auth.External.DisplayName == "" {
		c.Auth.External.DisplayName = "external"
	}
	if c.Auth.External.Role == "" {
		c.Auth.External.Role = "ROLE_ADMIN"
	}
	if c.Auth.DelegatedPrefix == "" {
		c.Auth.DelegatedPrefix = "sk_"
	}
	if c.Engine.ExpressionTimeout == 0 {
		c.Engine.ExpressionTimeout = 250 * time.Millisecond
	}
	if c.Engine.QueryTimeout == 0 {
		c.Engine.QueryTimeout = 30 * time.Second
	}
	if c.Engine.MaxResultBytes == 0 {
		c.Engine.MaxResultBytes = 1 << 20
	}
	if c.MCP.SessionIdleTimeout == 0 {
		c.MCP.SessionIdleTimeout = 30 * time.Minute
	}
	if c.MCP.SweepSchedule == "" {
		c.MCP.SweepSchedule = "@every 1m"
	}
	if c.Audit.MaxSnapshotBytes == 0 {
		c.Audit.MaxSnapshotBytes = 64 << 10
	}
	if c.Audit.ClickHouse.BatchSize == 0 {
		c.Audit.ClickHouse.BatchSize = 500
	}
	if c.Audit.ClickHouse.FlushInterval == 0 {
		c.Audit.ClickHouse.FlushInterval = 5 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.CatalogPage.Path == "" {
		c.CatalogPage.Path = "/tools"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite, sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Quota.Timezone != "" {
		if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
			return fmt.Errorf("quota.timezone: %w", err)
		}
	}

	if c.Audit.ClickHouse.Enabled && c.Audit.ClickHouse.DSN == "" {
		return fmt.Errorf("audit.clickhouse.dsn is required when clickhouse is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Location returns the time zone that bounds a quota day.
func (c *Config) Location() *time.Location {
	if c.Quota.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"engine.expression_timeout", cfg.Engine.ExpressionTimeoutRaw, &cfg.Engine.ExpressionTimeout},
		{"engine.query_timeout", cfg.Engine.QueryTimeoutRaw, &cfg.Engine.QueryTimeout},
		{"mcp.session_idle_timeout", cfg.MCP.SessionIdleTimeoutRaw, &cfg.MCP.SessionIdleTimeout},
		{"audit.clickhouse.flush_interval", cfg.Audit.ClickHouse.FlushIntervalRaw, &cfg.Audit.ClickHouse.FlushInterval},
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
