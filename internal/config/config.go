// Package config loads and validates the relay's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the relay.
type Config struct {
	Listener ListenerConfig `koanf:"listener"`
	Sender   SenderConfig   `koanf:"sender"`
	Relay    RelayConfig    `koanf:"relay"`
	Control  ControlConfig  `koanf:"control"`
	Audit    AuditConfig    `koanf:"audit"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ListenerConfig configures the ingress SMTP/LMTP server.
type ListenerConfig struct {
	Address  string `koanf:"address"`  // bind IP, default "0.0.0.0"
	Port     int    `koanf:"port"`     // bind port, default 25
	Secure   bool   `koanf:"secure"`   // require/advertise TLS, default false
	LMTP     bool   `koanf:"lmtp"`     // use LMTP instead of SMTP, default false
	Greeting string `koanf:"greeting"` // banner string appended to the ESMTP response

	ReadTimeout  string `koanf:"read_timeout"`  // default "60s"
	WriteTimeout string `koanf:"write_timeout"` // default "30s"

	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`

	AutoTLS  bool   `koanf:"auto_tls"`  // obtain a certificate via Let's Encrypt instead of cert_file/key_file
	Hostname string `koanf:"hostname"`  // public hostname autocert requests a certificate for
	CacheDir string `koanf:"cache_dir"` // directory autocert caches issued certificates in
	Email    string `koanf:"email"`     // contact address registered with the ACME account
}

// SenderConfig configures the upstream SMTP submission client.
type SenderConfig struct {
	SMTPHost          string     `koanf:"smtp_host"`            // if unset, sender disabled
	SMTPPort          int        `koanf:"smtp_port"`            // default 587
	SMTPSecure        bool       `koanf:"smtp_secure"`          // connect TLS, default false
	IgnoreInvalidCert bool       `koanf:"ignore_invalid_cert"`  // skip TLS verify, default false
	Auth              *AuthPair  `koanf:"auth"`                 // nil disables AUTH
	LMTP              bool       `koanf:"lmtp"`                 // upstream in LMTP mode
	DSN               *DSNConfig `koanf:"dsn"`                  // nil disables DSN requests
	CommandTimeout    string     `koanf:"command_timeout"`      // default "60s"
}

// AuthPair is a username/password pair for upstream AUTH PLAIN/LOGIN.
type AuthPair struct {
	User string `koanf:"user"`
	Pass string `koanf:"pass"`
}

// DSNConfig requests delivery status notifications from the upstream host.
type DSNConfig struct {
	Notify []string `koanf:"notify"` // e.g. "SUCCESS", "FAILURE", "DELAY"
	Ret    string   `koanf:"ret"`    // "FULL" or "HDRS"
}

// RelayConfig configures the spool and the timed dispatcher.
type RelayConfig struct {
	EmlStorageFolder string `koanf:"eml_storage_folder"` // spool root, relative or absolute
	TimerIntervalSec int    `koanf:"timer_interval_sec"` // 0 = direct mode
	BackupEnabled    bool   `koanf:"backup_enabled"`
	LogEnabled       bool   `koanf:"log_enabled"` // emit transport-level events to the sink
}

// ControlConfig configures the HTTP control API.
type ControlConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"` // default "127.0.0.1"
	Port    int    `koanf:"port"`    // default 8081
	APIKey  string `koanf:"api_key"`

	MaxBodyBytes   int64 `koanf:"max_body_bytes"`   // default 10MB
	RateLimitPerMin int  `koanf:"rate_limit_per_min"` // failed api_key attempts per source per minute
}

// AuditConfig configures the delivery-history log.
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	DatabasePath string `koanf:"database_path"` // SQLite file path
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:      "0.0.0.0",
			Port:         25,
			Secure:       false,
			LMTP:         false,
			Greeting:     "",
			ReadTimeout:  "60s",
			WriteTimeout: "30s",
		},
		Sender: SenderConfig{
			SMTPPort:       587,
			SMTPSecure:     false,
			CommandTimeout: "60s",
		},
		Relay: RelayConfig{
			EmlStorageFolder: "spool",
			TimerIntervalSec: 60,
			BackupEnabled:    true,
			LogEnabled:       true,
		},
		Control: ControlConfig{
			Enabled:         true,
			Address:         "127.0.0.1",
			Port:            8081,
			MaxBodyBytes:    10 * 1024 * 1024,
			RateLimitPerMin: 30,
		},
		Audit: AuditConfig{
			Enabled:      true,
			DatabasePath: "spool/history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file, layering it over the defaults.
// A missing file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: failed to load file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.validatePorts(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if c.Relay.EmlStorageFolder == "" {
		return fmt.Errorf("relay.eml_storage_folder is required")
	}
	if c.Relay.TimerIntervalSec < 0 {
		return fmt.Errorf("relay.timer_interval_sec cannot be negative")
	}

	if c.Sender.SMTPHost != "" {
		if c.Sender.Auth != nil {
			if c.Sender.Auth.User == "" || c.Sender.Auth.Pass == "" {
				return fmt.Errorf("sender.auth requires both user and pass when set")
			}
		}
	}

	if c.Listener.Secure {
		switch {
		case c.Listener.AutoTLS:
			if c.Listener.Hostname == "" {
				return fmt.Errorf("listener.hostname is required when listener.auto_tls is true")
			}
			if c.Listener.CacheDir == "" {
				return fmt.Errorf("listener.cache_dir is required when listener.auto_tls is true")
			}
		case c.Listener.CertFile != "" || c.Listener.KeyFile != "":
			if c.Listener.CertFile == "" || c.Listener.KeyFile == "" {
				return fmt.Errorf("listener.cert_file and listener.key_file must both be set")
			}
			if err := validateFileReadable(c.Listener.CertFile); err != nil {
				return fmt.Errorf("listener.cert_file: %w", err)
			}
			if err := validateFileReadable(c.Listener.KeyFile); err != nil {
				return fmt.Errorf("listener.key_file: %w", err)
			}
		default:
			return fmt.Errorf("listener.secure requires either listener.auto_tls or listener.cert_file/listener.key_file")
		}
	}

	if c.Control.Enabled {
		if c.Control.Port < 1 || c.Control.Port > 65535 {
			return fmt.Errorf("control.port must be between 1 and 65535 (got: %d)", c.Control.Port)
		}
		if c.Control.APIKey == "" {
			return fmt.Errorf("control.api_key is required when control is enabled")
		}
		if c.Control.MaxBodyBytes <= 0 {
			return fmt.Errorf("control.max_body_bytes must be positive")
		}
	}

	if c.Audit.Enabled && c.Audit.DatabasePath == "" {
		return fmt.Errorf("audit.database_path is required when audit is enabled")
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

func (c *Config) validatePorts() error {
	if c.Listener.Port < 1 || c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port must be between 1 and 65535 (got: %d)", c.Listener.Port)
	}
	if c.Sender.SMTPHost != "" && (c.Sender.SMTPPort < 1 || c.Sender.SMTPPort > 65535) {
		return fmt.Errorf("sender.smtp_port must be between 1 and 65535 (got: %d)", c.Sender.SMTPPort)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"listener.read_timeout":  c.Listener.ReadTimeout,
		"listener.write_timeout": c.Listener.WriteTimeout,
		"sender.command_timeout": c.Sender.CommandTimeout,
	}

	for name, raw := range timeouts {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, raw)
		}
	}

	return nil
}

func validateFileReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()
	return nil
}

// SpoolRoot resolves the configured spool folder against base when relative.
func (c *Config) SpoolRoot(base string) string {
	if filepath.IsAbs(c.Relay.EmlStorageFolder) {
		return c.Relay.EmlStorageFolder
	}
	return filepath.Join(base, c.Relay.EmlStorageFolder)
}

// TimerIntervalMs converts the configured interval to milliseconds.
func (c *Config) TimerIntervalMs() int {
	return c.Relay.TimerIntervalSec * 1000
}

// ReadTimeoutDuration parses listener.read_timeout, defaulting to 60s.
func (c *ListenerConfig) ReadTimeoutDuration() time.Duration {
	return parseDurationOr(c.ReadTimeout, 60*time.Second)
}

// WriteTimeoutDuration parses listener.write_timeout, defaulting to 30s.
func (c *ListenerConfig) WriteTimeoutDuration() time.Duration {
	return parseDurationOr(c.WriteTimeout, 30*time.Second)
}

// CommandTimeoutDuration parses sender.command_timeout, defaulting to 60s.
func (c *SenderConfig) CommandTimeoutDuration() time.Duration {
	return parseDurationOr(c.CommandTimeout, 60*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
