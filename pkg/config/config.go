// Package config loads the relayd configuration surface from an optional
// YAML file plus RELAYD_* environment overrides.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	HeartbeatInterval         time.Duration
	MissedHeartbeatsThreshold int
	PresenceLinger            time.Duration
	TypingTimeout             time.Duration
	MessageQueueMaxSize       int
	MessageTTL                time.Duration
	MaxBufferedChunks         int
	RecoveryWindow            time.Duration
	StreamIdleTimeout         time.Duration
	DefaultChunkDelay         time.Duration
	MaxConnections            int

	Redis   Redis
	History History
	Auth    Auth
}

type Redis struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

type History struct {
	Driver string // "none" or "sqlite"
	DSN    string
}

type Auth struct {
	Mode      string // "static" or "jwt"
	JWTSecret string
	// StaticTokens maps bearer token to user id. Dev/test only.
	StaticTokens map[string]string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("heartbeat_interval", 30)
	v.SetDefault("missed_heartbeats_threshold", 3)
	v.SetDefault("presence_linger_seconds", 10)
	v.SetDefault("typing_timeout_seconds", 5)
	v.SetDefault("message_queue_max_size", 100)
	v.SetDefault("message_ttl_seconds", 86400)
	v.SetDefault("max_buffered_chunks", 256)
	v.SetDefault("recovery_window_seconds", 60)
	v.SetDefault("stream_idle_timeout_seconds", 300)
	v.SetDefault("default_chunk_delay_ms", 50)
	v.SetDefault("max_connections", 10000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "relayd")
	v.SetDefault("redis.consumer", "relayd-1")

	v.SetDefault("history.driver", "none")
	v.SetDefault("history.dsn", "")

	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.jwt_secret", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults, a relayd.yaml in the working directory, and environment
// variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAYD")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("relayd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, errors.Wrap(err, "read config")
			}
		}
	}

	cfg := Config{
		ListenAddr:  v.GetString("listen_addr"),
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevel:    v.GetString("log_level"),

		HeartbeatInterval:         time.Duration(v.GetInt("heartbeat_interval")) * time.Second,
		MissedHeartbeatsThreshold: v.GetInt("missed_heartbeats_threshold"),
		PresenceLinger:            time.Duration(v.GetInt("presence_linger_seconds")) * time.Second,
		TypingTimeout:             time.Duration(v.GetInt("typing_timeout_seconds")) * time.Second,
		MessageQueueMaxSize:       v.GetInt("message_queue_max_size"),
		MessageTTL:                time.Duration(v.GetInt("message_ttl_seconds")) * time.Second,
		MaxBufferedChunks:         v.GetInt("max_buffered_chunks"),
		RecoveryWindow:            time.Duration(v.GetInt("recovery_window_seconds")) * time.Second,
		StreamIdleTimeout:         time.Duration(v.GetInt("stream_idle_timeout_seconds")) * time.Second,
		DefaultChunkDelay:         time.Duration(v.GetInt("default_chunk_delay_ms")) * time.Millisecond,
		MaxConnections:            v.GetInt("max_connections"),

		Redis: Redis{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Group:    v.GetString("redis.group"),
			Consumer: v.GetString("redis.consumer"),
		},
		History: History{
			Driver: v.GetString("history.driver"),
			DSN:    v.GetString("history.dsn"),
		},
		Auth: Auth{
			Mode:         v.GetString("auth.mode"),
			JWTSecret:    v.GetString("auth.jwt_secret"),
			StaticTokens: v.GetStringMapString("auth.static_tokens"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.MissedHeartbeatsThreshold <= 0 {
		return errors.New("missed_heartbeats_threshold must be positive")
	}
	if c.MessageQueueMaxSize <= 0 {
		return errors.New("message_queue_max_size must be positive")
	}
	if c.MaxBufferedChunks <= 0 {
		return errors.New("max_buffered_chunks must be positive")
	}
	switch c.History.Driver {
	case "", "none":
	case "sqlite":
		if c.History.DSN == "" {
			return errors.New("history.dsn is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown history driver %q", c.History.Driver)
	}
	switch c.Auth.Mode {
	case "static":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required for jwt mode")
		}
	default:
		return errors.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}
