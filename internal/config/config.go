package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends for admission counters and the replay backlog.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Backlog   BacklogConfig   `mapstructure:"backlog"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	PublicURL       string        `mapstructure:"public_url" validate:"omitempty,url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	WSEnabled       bool          `mapstructure:"ws_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StreamConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"gt=0"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime" validate:"gt=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	QueueSize         int           `mapstructure:"queue_size" validate:"min=1"`
}

type AdmissionConfig struct {
	Store         string        `mapstructure:"store" validate:"oneof=memory redis"`
	Limit         int           `mapstructure:"limit" validate:"min=1"`
	Window        time.Duration `mapstructure:"window" validate:"gt=0"`
	GlobalRate    float64       `mapstructure:"global_rate" validate:"gte=0"`
	GlobalBurst   int           `mapstructure:"global_burst" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type BacklogConfig struct {
	Store             string        `mapstructure:"store" validate:"oneof=memory redis"`
	MaxEvents         int           `mapstructure:"max_events" validate:"min=1"`
	MaxAge            time.Duration `mapstructure:"max_age" validate:"gt=0"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	CompressThreshold int           `mapstructure:"compress_threshold" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

type AuthConfig struct {
	Secret       string        `mapstructure:"secret" validate:"required,min=16"`
	Issuer       string        `mapstructure:"issuer"`
	Audience     string        `mapstructure:"audience"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	NegotiateTTL time.Duration `mapstructure:"negotiate_ttl" validate:"gt=0"`
	Leeway       time.Duration `mapstructure:"leeway" validate:"gte=0"`
}

type NotifyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Server      string `mapstructure:"server" validate:"omitempty,url"`
	TopicPrefix string `mapstructure:"topic_prefix" validate:"required_if=Enabled true"`
	Priority    string `mapstructure:"priority" validate:"oneof=min low default high urgent"`
	Tags        string `mapstructure:"tags"`
	Token       string `mapstructure:"token"`
	Workers     int    `mapstructure:"workers" validate:"min=1"`
	QueueSize   int    `mapstructure:"queue_size" validate:"min=1"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.ws_enabled", true)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("stream.keepalive_interval", "25s")
	v.SetDefault("stream.max_lifetime", "5m")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.queue_size", 64)
	v.SetDefault("admission.store", StoreMemory)
	v.SetDefault("admission.limit", 10)
	v.SetDefault("admission.window", "1m")
	v.SetDefault("admission.global_rate", 200)
	v.SetDefault("admission.global_burst", 400)
	v.SetDefault("admission.sweep_interval", "1m")
	v.SetDefault("backlog.store", StoreMemory)
	v.SetDefault("backlog.max_events", 500)
	v.SetDefault("backlog.max_age", "10m")
	v.SetDefault("backlog.sweep_interval", "1m")
	v.SetDefault("backlog.compress_threshold", 1024)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("auth.issuer", "pulse")
	v.SetDefault("auth.audience", "pulse")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.negotiate_ttl", "5m")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic_prefix", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "bell")
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Secrets have no defaults, so bind them explicitly
	_ = v.BindEnv("auth.secret", "PULSE_AUTH_SECRET")
	_ = v.BindEnv("redis.password", "PULSE_REDIS_PASSWORD")
	_ = v.BindEnv("notify.token", "PULSE_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UsesRedis reports whether any store is backed by Redis.
func (c *Config) UsesRedis() bool {
	return c.Admission.Store == StoreRedis || c.Backlog.Store == StoreRedis
}
