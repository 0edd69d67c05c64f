package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix turns e.g. SF_HTTP_ADDR into http.addr.
const envPrefix = "SF"

// LoadConfig assembles the configuration from defaults, an optional config
// file, SF_* environment variables and command-line flags, in ascending
// precedence.
func LoadConfig() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	fs := defineFlags()
	// The cli command owns its own flags; ours pick theirs out of the same
	// argv and ignore the rest.
	fs.ParseErrorsWhitelist.UnknownFlags = true
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fabric")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/session-fabric")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defineFlags declares the command-line overrides. Flag names double as
// viper keys, so only knobs people actually override at launch get one.
func defineFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("session-fabric", pflag.ContinueOnError)
	fs.Usage = func() {}

	fs.StringP("config", "c", "", "path to config file")
	fs.String("http.addr", ":8080", "listen address")
	fs.String("logging.level", "info", "log level: debug|info|warn|error")
	fs.String("logging.format", "text", "log format: text|json")
	fs.String("store.driver", "memory", "session store driver: memory|nutsdb")
	fs.String("store.dir", "./data/fabric", "nutsdb data directory")
	fs.Bool("broker.enabled", false, "connect to the message bus")
	fs.String("broker.url", "", "amqp broker url")
	fs.String("auth.secret", "", "jwt hmac secret")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "session-fabric")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.priority_threshold", 30)
	v.SetDefault("service.flush_timeout", 5*time.Second)
	v.SetDefault("service.sweep_interval", 30*time.Second)
	v.SetDefault("service.ghost_after", time.Minute)
	v.SetDefault("service.stale_after", 90*time.Second)

	v.SetDefault("limits.max_per_user", 5)
	v.SetDefault("limits.max_total", 1000)
	v.SetDefault("limits.idle_timeout", 5*time.Minute)

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.min_interval", 10*time.Second)
	v.SetDefault("heartbeat.max_interval", 120*time.Second)
	v.SetDefault("heartbeat.pong_timeout", 10*time.Second)
	v.SetDefault("heartbeat.max_missed", 3)
	v.SetDefault("heartbeat.sweep", time.Second)
	v.SetDefault("heartbeat.zombie_after", 60*time.Second)
	v.SetDefault("heartbeat.grace", 30*time.Second)

	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.max_age", time.Duration(0))
	v.SetDefault("queue.base_backoff", time.Second)
	v.SetDefault("queue.max_backoff", time.Minute)
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("reconnect.window", 5*time.Minute)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.max_entries", 10_000)

	v.SetDefault("rate_limit.rate", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.max_violations", 3)
	v.SetDefault("rate_limit.violation_window", time.Minute)

	v.SetDefault("validation.max_message_bytes", 1<<20)
	v.SetDefault("validation.max_text_chars", 10_000)
	v.SetDefault("validation.strict", false)

	v.SetDefault("codec.compression", "lz4")
	v.SetDefault("codec.threshold", 64<<10)
	v.SetDefault("codec.chunk_size", 48<<10)

	v.SetDefault("shutdown.drain_timeout", 30*time.Second)
	v.SetDefault("shutdown.force_close_timeout", time.Minute)
	v.SetDefault("shutdown.notify_clients", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.ws_path", "/ws")
	v.SetDefault("http.lp_path", "/lp")
	v.SetDefault("http.read_buffer_size", 4096)
	v.SetDefault("http.write_buffer_size", 4096)
	v.SetDefault("http.shutdown_grace", 10*time.Second)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("broker.enabled", false)
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "session-fabric")
	v.SetDefault("broker.queue_prefix", "fabric")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dir", "./data/fabric")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)
	v.SetDefault("auth.cache_size", 1024)
	v.SetDefault("auth.cache_ttl", time.Minute)
	v.SetDefault("auth.breaker_threshold", 5)
	v.SetDefault("auth.breaker_cooldown", 30*time.Second)

	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.max_cpu_percent", 95.0)
	v.SetDefault("guard.max_mem_percent", 90.0)
	v.SetDefault("guard.check_interval", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.otlp", false)
}
