package server

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/registry"
)

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"`
	ServerName string `yaml:"server_name"`

	// Administrator credentials for the admin channel
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	// Session settings
	ConnectionLimit        int                      `yaml:"connection_limit"`
	ShardCount             int                      `yaml:"shard_count"`
	IdleTimeout            time.Duration            `yaml:"idle_timeout"`
	ClientTypeIdleTimeouts map[string]time.Duration `yaml:"client_type_idle_timeouts"`
	MaintenanceInterval    time.Duration            `yaml:"maintenance_interval"`

	// Message settings
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
	RateLimit      RateLimit     `yaml:"rate_limit"`

	Serialization SerializationConfig `yaml:"serialization"`
	Login         LoginConfig         `yaml:"login"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// RateLimit caps the frames a client may send per window. Zero messages
// disables the limit.
type RateLimit struct {
	Messages int           `yaml:"messages"`
	Window   time.Duration `yaml:"window"`
}

type SerializationConfig struct {
	// Whitelist is a file path or file: URI; empty accepts every registered type.
	Whitelist string `yaml:"whitelist"`
	// DryRun records the types seen to DryRunFile instead of rejecting.
	DryRun        bool          `yaml:"dry_run"`
	DryRunFile    string        `yaml:"dry_run_file"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LoginConfig struct {
	Credentials *CredentialsLoginConfig `yaml:"credentials"`
	Token       *TokenLoginConfig       `yaml:"token"`
	SQL         *SQLLoginConfig         `yaml:"sql"`
}

type CredentialsLoginConfig struct {
	File       string `yaml:"file"`
	ClientType string `yaml:"client_type"`
	Watch      bool   `yaml:"watch"`
}

type TokenLoginConfig struct {
	ClientType string        `yaml:"client_type"`
	SigningKey string        `yaml:"signing_key"`
	Issuer     string        `yaml:"issuer"`
	Leeway     time.Duration `yaml:"leeway"`
}

type SQLLoginConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	ClientType string `yaml:"client_type"`
	Table      string `yaml:"table"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:2222",
		ServerName:          "remote-server",
		ConnectionLimit:     registry.Unlimited,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		MaxMessageSize:      1024 * 1024, // 1MB
		WriteTimeout:        10 * time.Second,
		StatsInterval:       5 * time.Second,
		LogLevel:            "info",
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.IO("reading configuration "+path, err)
	}
	return ParseConfig(bytes.NewReader(data))
}

func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errs.Configuration("parsing configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errs.Configuration(fmt.Sprintf(format, args...), nil)
	}

	if c.ListenAddr == "" {
		return invalid("listen_addr is required")
	}
	if c.ConnectionLimit < registry.Unlimited {
		return invalid("connection_limit must be -1 or more, got %d", c.ConnectionLimit)
	}
	if c.MaintenanceInterval <= 0 {
		return invalid("maintenance_interval must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return invalid("max_message_size must be positive")
	}
	if c.RateLimit.Messages < 0 || (c.RateLimit.Messages > 0 && c.RateLimit.Window <= 0) {
		return invalid("rate_limit needs a positive window when messages is set")
	}
	if c.AdminAddr != "" && (c.AdminUser == "" || c.AdminPassword == "") {
		return invalid("admin_user and admin_password are required when admin_addr is set")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errs.Configuration("log_level", err)
	}

	s := c.Serialization
	if s.DryRun && s.DryRunFile == "" {
		return invalid("serialization.dry_run_file is required in dry-run mode")
	}
	if s.DryRun && s.Whitelist != "" {
		return invalid("serialization.whitelist and serialization.dry_run are exclusive")
	}
	if s.FlushInterval < 0 {
		return invalid("serialization.flush_interval must not be negative")
	}

	if t := c.Login.Token; t != nil && t.SigningKey == "" {
		return invalid("login.token.signing_key is required")
	}
	if f := c.Login.Credentials; f != nil && f.File == "" {
		return invalid("login.credentials.file is required")
	}
	if q := c.Login.SQL; q != nil && (q.Driver == "" || q.DSN == "") {
		return invalid("login.sql.driver and login.sql.dsn are required")
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() log.Level {
	level, _ := log.ParseLevel(c.LogLevel)
	return level
}
