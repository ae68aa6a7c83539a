// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the TOML configuration shared by the commands.
package config // import "mellium.im/jabber/internal/config"

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"mellium.im/jabber"
	"mellium.im/jabber/archive"
)

// Archive backends.
const (
	BackendNone  = "none"
	BackendTCP   = "tcp"
	BackendRedis = "redis"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Connection ConnectionConfig `toml:"connection"`
	SASL       SASLConfig       `toml:"sasl"`
	Session    SessionConfig    `toml:"session"`
	Reconnect  ReconnectConfig  `toml:"reconnect"`
	Archive    ArchiveConfig    `toml:"archive"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ConnectionConfig contains dialing and stream settings.
type ConnectionConfig struct {
	ConnectTimeout     time.Duration `toml:"connect_timeout"`
	ReadTimeout        time.Duration `toml:"read_timeout"`
	RequireTLS         bool          `toml:"require_tls"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify"`

	// ServerName overrides the name the server certificate is verified against.
	ServerName string `toml:"server_name"`

	Resource string `toml:"resource"`
	Proxy    string `toml:"proxy"`
	Lang     string `toml:"lang"`
}

// SASLConfig contains authentication settings.
type SASLConfig struct {
	Mechanisms []string `toml:"mechanisms"`
}

// SessionConfig contains settings for established sessions.
type SessionConfig struct {
	KeepAlive       time.Duration `toml:"keep_alive"`
	ResourceLockTTL time.Duration `toml:"resource_lock_ttl"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
}

// ReconnectConfig contains the reconnection policy.
type ReconnectConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	Base        time.Duration `toml:"base"`
	Forever     bool          `toml:"forever"`
}

// ArchiveConfig selects where transcripts are stored and configures the
// transcript server.
type ArchiveConfig struct {
	Backend string `toml:"backend"`
	Addr    string `toml:"addr"`

	RedisAddr string        `toml:"redis_addr"`
	RedisDB   int           `toml:"redis_db"`
	RedisTTL  time.Duration `toml:"redis_ttl"`

	Listen string `toml:"listen"`
	Dir    string `toml:"dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			ConnectTimeout: jabber.DefaultConnectTimeout,
			ReadTimeout:    jabber.DefaultReadTimeout,
			Lang:           "en",
		},
		SASL: SASLConfig{
			Mechanisms: append([]string(nil), jabber.DefaultMechanisms...),
		},
		Session: SessionConfig{
			KeepAlive:       jabber.DefaultKeepAlive,
			ResourceLockTTL: jabber.DefaultResourceLockTTL,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: jabber.DefaultMaxAttempts,
			Base:        jabber.DefaultBackoffBase,
			Forever:     true,
		},
		Archive: ArchiveConfig{
			Backend:   BackendTCP,
			Addr:      archive.DefaultAddr,
			RedisAddr: "localhost:6379",
			Listen:    archive.DefaultAddr,
			Dir:       ".",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads the file at path over the defaults.
// If path is empty the defaults are returned.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be validated by their types alone.
func (c *Config) Validate() error {
	if _, err := language.Parse(c.Connection.Lang); err != nil {
		return fmt.Errorf("%w: connection.lang %q: %w", ErrInvalid, c.Connection.Lang, err)
	}
	for _, m := range c.SASL.Mechanisms {
		if _, ok := jabber.LookupMechanism(m); !ok {
			return fmt.Errorf("%w: sasl.mechanisms: unsupported mechanism %q", ErrInvalid, m)
		}
	}
	switch c.Archive.Backend {
	case BackendNone, BackendTCP, BackendRedis:
	default:
		return fmt.Errorf("%w: archive.backend %q", ErrInvalid, c.Archive.Backend)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalid, err)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalid)
	}
	return nil
}

// Jabber returns the negotiation config.
func (c *Config) Jabber(log *zerolog.Logger) (jabber.Config, error) {
	lang, err := language.Parse(c.Connection.Lang)
	if err != nil {
		return jabber.Config{}, fmt.Errorf("%w: connection.lang %q: %w", ErrInvalid, c.Connection.Lang, err)
	}
	return jabber.Config{
		Lang: lang,
		TLSConfig: &tls.Config{
			ServerName: c.Connection.ServerName,
			MinVersion: tls.VersionTLS12,
			/* #nosec */
			InsecureSkipVerify: c.Connection.InsecureSkipVerify,
		},
		RequireTLS:     c.Connection.RequireTLS,
		Mechanisms:     c.SASL.Mechanisms,
		Resource:       c.Connection.Resource,
		ConnectTimeout: c.Connection.ConnectTimeout,
		ReadTimeout:    c.Connection.ReadTimeout,
		IdleTimeout:    c.Session.IdleTimeout,
		Proxy:          c.Connection.Proxy,
		Logger:         log,
	}, nil
}

// Client returns the client config.
// The archive sink is built by the caller.
func (c *Config) Client(sink archive.Sink, log *zerolog.Logger) jabber.ClientConfig {
	return jabber.ClientConfig{
		KeepAlive:       c.Session.KeepAlive,
		ResourceLockTTL: c.Session.ResourceLockTTL,
		Archive:         sink,
		Presence:        true,
		Logger:          log,
	}
}

// Supervisor returns the reconnection config.
func (c *Config) Supervisor(notify func(jabber.Progress), log *zerolog.Logger) jabber.SupervisorConfig {
	return jabber.SupervisorConfig{
		Base:        c.Reconnect.Base,
		MaxAttempts: c.Reconnect.MaxAttempts,
		Forever:     c.Reconnect.Forever,
		Notify:      notify,
		Logger:      log,
	}
}
