// Package config provides Viper-based configuration loading for the roomchat
// server: defaults, YAML file, ROOMCHAT_* environment overrides and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. ROOMCHAT_CHAT_HEARTBEAT_INTERVAL=2s.
const EnvPrefix = "ROOMCHAT"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChatConfig holds coordinator and session protocol settings.
type ChatConfig struct {
	// DefaultRoom is the room every new session starts in. It exists before
	// any connection arrives.
	DefaultRoom string `mapstructure:"default_room"`
	// HeartbeatInterval is how often a session checks liveness and pings the peer.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ClientTimeout is the silence after which a session is closed.
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	// WriteTimeout bounds every frame written to a peer.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RegisterTimeout bounds how long a connecting session waits for its id.
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	// MaxMessageSize is the read limit applied to each connection, in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the number of undelivered outbound lines a session may queue.
	SendBuffer int `mapstructure:"send_buffer"`
	// MailboxSize is the capacity of the coordinator's event queue.
	MailboxSize int `mapstructure:"mailbox_size"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// SecurityConfig holds the WebSocket origin allow-list. A "*" entry allows
// every origin.
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, sends logs to a size-rotated file instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Chat      ChatConfig      `mapstructure:"chat"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			DefaultRoom:       "Main",
			HeartbeatInterval: 5 * time.Second,
			ClientTimeout:     10 * time.Second,
			WriteTimeout:      10 * time.Second,
			RegisterTimeout:   5 * time.Second,
			MaxMessageSize:    512,
			SendBuffer:        256,
			MailboxSize:       1024,
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() []string{
		c.validateServer,
		c.validateChat,
		c.validateRateLimit,
		c.validateLogging,
	} {
		errs = append(errs, check()...)
	}

	if len(errs) > 0 {
		return errors.Newf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) validateServer() []string {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		errs = append(errs, "server timeouts must not be negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return errs
}

func (c Config) validateChat() []string {
	var errs []string
	ch := c.Chat
	if strings.TrimSpace(ch.DefaultRoom) == "" {
		errs = append(errs, "chat.default_room must not be empty")
	}
	if ch.HeartbeatInterval <= 0 {
		errs = append(errs, "chat.heartbeat_interval must be positive")
	}
	if ch.ClientTimeout <= ch.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf("chat.client_timeout (%s) must exceed chat.heartbeat_interval (%s)", ch.ClientTimeout, ch.HeartbeatInterval))
	}
	if ch.WriteTimeout <= 0 {
		errs = append(errs, "chat.write_timeout must be positive")
	}
	if ch.RegisterTimeout <= 0 {
		errs = append(errs, "chat.register_timeout must be positive")
	}
	if ch.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Sprintf("chat.max_message_size must be > 0, got %d", ch.MaxMessageSize))
	}
	if ch.SendBuffer <= 0 {
		errs = append(errs, fmt.Sprintf("chat.send_buffer must be > 0, got %d", ch.SendBuffer))
	}
	if ch.MailboxSize <= 0 {
		errs = append(errs, fmt.Sprintf("chat.mailbox_size must be > 0, got %d", ch.MailboxSize))
	}
	return errs
}

func (c Config) validateRateLimit() []string {
	var errs []string
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.burst must be > 0, got %d", c.RateLimit.Burst))
	}
	if c.RateLimit.RefillInterval <= 0 {
		errs = append(errs, "rate_limit.refill_interval must be positive")
	}
	return errs
}

func (c Config) validateLogging() []string {
	var errs []string
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}
	return errs
}

// Load reads configuration from the given YAML file, applies environment
// variable overrides, and validates the result. An empty path skips the file
// and uses defaults plus environment.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "reading config file")
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshalling config")
	}
	cfg.Security.AllowedOrigins = ParseOrigins(cfg.Security.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseOrigins trims entries and splits comma-separated values, so that both
// a YAML list and ROOMCHAT_SECURITY_ALLOWED_ORIGINS="a, b" are accepted.
func ParseOrigins(origins []string) []string {
	var out []string
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("chat.default_room", d.Chat.DefaultRoom)
	v.SetDefault("chat.heartbeat_interval", d.Chat.HeartbeatInterval)
	v.SetDefault("chat.client_timeout", d.Chat.ClientTimeout)
	v.SetDefault("chat.write_timeout", d.Chat.WriteTimeout)
	v.SetDefault("chat.register_timeout", d.Chat.RegisterTimeout)
	v.SetDefault("chat.max_message_size", d.Chat.MaxMessageSize)
	v.SetDefault("chat.send_buffer", d.Chat.SendBuffer)
	v.SetDefault("chat.mailbox_size", d.Chat.MailboxSize)

	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)

	v.SetDefault("security.allowed_origins", d.Security.AllowedOrigins)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}
