// Package config maps file, environment and flag input onto the typed
// configuration consumed by the fx graph. Precedence follows viper: explicit
// flags beat environment variables beat the config file beat defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration of one fabric node.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Validation ValidationConfig `mapstructure:"validation"`
	Codec      CodecConfig      `mapstructure:"codec"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Store      StoreConfig      `mapstructure:"store"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// source is the config file the values came from, if any; the watcher
	// needs it for hot reload.
	source string
}

// ServiceConfig identifies the node and paces its housekeeping.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	// PriorityThreshold routes envelopes at or above it straight to the
	// socket instead of through the user queue.
	PriorityThreshold int           `mapstructure:"priority_threshold"`
	FlushTimeout      time.Duration `mapstructure:"flush_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	GhostAfter        time.Duration `mapstructure:"ghost_after"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// LimitsConfig caps admission.
type LimitsConfig struct {
	MaxPerUser  int           `mapstructure:"max_per_user"`
	MaxTotal    int           `mapstructure:"max_total"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// HeartbeatConfig tunes the liveness supervisor.
type HeartbeatConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	MaxMissed   int           `mapstructure:"max_missed"`
	Sweep       time.Duration `mapstructure:"sweep"`
	ZombieAfter time.Duration `mapstructure:"zombie_after"`
	Grace       time.Duration `mapstructure:"grace"`
}

// QueueConfig shapes every per-user mailbox. Capacity applies to each
// sub-queue (priority, normal, failed-retry) individually.
type QueueConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// ReconnectConfig shapes the resume ledger.
type ReconnectConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxEntries  int           `mapstructure:"max_entries"`
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	Rate            float64       `mapstructure:"rate"`
	Burst           int           `mapstructure:"burst"`
	MaxViolations   int           `mapstructure:"max_violations"`
	ViolationWindow time.Duration `mapstructure:"violation_window"`
}

// ValidationConfig bounds inbound frame shape and content.
type ValidationConfig struct {
	MaxMessageBytes int  `mapstructure:"max_message_bytes"`
	MaxTextChars    int  `mapstructure:"max_text_chars"`
	Strict          bool `mapstructure:"strict"`
}

// CodecConfig tunes large-message chunking.
type CodecConfig struct {
	// Compression is the server-side default; connections may negotiate
	// their own at handshake. One of none, gzip, lz4.
	Compression string `mapstructure:"compression"`
	Threshold   int    `mapstructure:"threshold"`
	ChunkSize   int    `mapstructure:"chunk_size"`
}

// ShutdownConfig paces the coordinated stop.
type ShutdownConfig struct {
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	ForceCloseTimeout time.Duration `mapstructure:"force_close_timeout"`
	NotifyClients     bool          `mapstructure:"notify_clients"`
}

// HTTPConfig is the listener serving websocket upgrades, long-poll and the
// reporting endpoints.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	WSPath          string        `mapstructure:"ws_path"`
	LPPath          string        `mapstructure:"lp_path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	// AllowedOrigins lists origins accepted at upgrade; empty allows all,
	// which is only sane behind a gateway.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BrokerConfig connects the node to the message bus. Disabled nodes run
// standalone: no command ingestion, no event publishing.
type BrokerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	// QueuePrefix namespaces this node's consumer queues.
	QueuePrefix string `mapstructure:"queue_prefix"`
}

// StoreConfig selects the session persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
}

// AuthConfig verifies handshake tokens.
type AuthConfig struct {
	// Secret signs and verifies HMAC tokens. Empty generates an ephemeral
	// secret at boot, which only single-node development setups survive.
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`

	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	// Breaker settings fence off a failing verifier backend. The local
	// HMAC validator never errors, so it cannot trip the circuit.
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// GuardConfig sheds load when the host is saturated.
type GuardConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxCPUPercent float64       `mapstructure:"max_cpu_percent"`
	MaxMemPercent float64       `mapstructure:"max_mem_percent"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// LoggingConfig shapes the slog root.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Hot-reloadable.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
	// OTLP forwards records through the OpenTelemetry log bridge as well.
	OTLP bool `mapstructure:"otlp"`
}

// Source returns the config file in effect, or "" when running on defaults,
// environment and flags alone.
func (c *Config) Source() string { return c.source }

// Validate rejects configurations that cannot work at all. Soft mistakes
// (tiny timeouts, generous limits) pass through; components clamp their own
// inputs.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr must not be empty")
	}
	if c.Limits.MaxPerUser <= 0 || c.Limits.MaxTotal <= 0 {
		return fmt.Errorf("config: connection limits must be positive")
	}
	if c.Limits.MaxPerUser > c.Limits.MaxTotal {
		return fmt.Errorf("config: limits.max_per_user %d exceeds limits.max_total %d",
			c.Limits.MaxPerUser, c.Limits.MaxTotal)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue.capacity must be positive")
	}
	if c.Shutdown.DrainTimeout <= 0 {
		return fmt.Errorf("config: shutdown.drain_timeout must be positive")
	}
	switch c.Codec.Compression {
	case "none", "gzip", "lz4":
	default:
		return fmt.Errorf("config: unknown codec.compression %q", c.Codec.Compression)
	}
	switch c.Store.Driver {
	case "memory", "nutsdb":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	if c.Guard.Enabled {
		if c.Guard.MaxCPUPercent <= 0 || c.Guard.MaxCPUPercent > 100 {
			return fmt.Errorf("config: guard.max_cpu_percent out of range")
		}
		if c.Guard.MaxMemPercent <= 0 || c.Guard.MaxMemPercent > 100 {
			return fmt.Errorf("config: guard.max_mem_percent out of range")
		}
	}
	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("config: broker.url required when broker.enabled")
	}
	return nil
}
