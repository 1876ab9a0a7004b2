// Package config loads collabConfig.yaml, overridable through COLLAB_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port   int    `mapstructure:"port"`
		NodeID string `mapstructure:"nodeId"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Session struct {
		TTL          time.Duration `mapstructure:"ttl"`
		LogSize      int           `mapstructure:"logSize"`
		MaxRetries   int           `mapstructure:"maxRetries"`
		RetryBackoff time.Duration `mapstructure:"retryBackoff"`
		// Fallback serves from process memory while Redis is unreachable.
		Fallback             bool `mapstructure:"fallback"`
		MaxConcurrentSubmits int  `mapstructure:"maxConcurrentSubmits"`
	} `mapstructure:"session"`
	Bus struct {
		Driver  string `mapstructure:"driver"`
		NatsURL string `mapstructure:"natsUrl"`
	} `mapstructure:"bus"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Mysql struct {
		DSN      string        `mapstructure:"dsn"`
		CacheTTL time.Duration `mapstructure:"cacheTtl"`
	} `mapstructure:"mysql"`
	Auth struct {
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Presence struct {
		IdleAfter time.Duration `mapstructure:"idleAfter"`
		AwayAfter time.Duration `mapstructure:"awayAfter"`
		SweepCron string        `mapstructure:"sweepCron"`
	} `mapstructure:"presence"`
	Rooms struct {
		Types []string `mapstructure:"types"`
	} `mapstructure:"rooms"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Cors struct {
		Enabled      bool     `mapstructure:"enabled"`
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

var (
	ErrInvalidCron   = errors.New("invalid presence.sweepCron")
	ErrInvalidDriver = errors.New("invalid bus.driver")
)

func setDefaults(v *viper.Viper) {
	// every key needs a default so AutomaticEnv can override it without a file
	v.SetDefault("running.port", 8081)
	v.SetDefault("running.nodeId", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.logSize", 1000)
	v.SetDefault("session.maxRetries", 3)
	v.SetDefault("session.retryBackoff", 20*time.Millisecond)
	v.SetDefault("session.fallback", true)
	v.SetDefault("session.maxConcurrentSubmits", 256)
	// empty picks redis when redis.addrs is set, memory otherwise
	v.SetDefault("bus.driver", "")
	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab.operations")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.cacheTtl", 30*time.Second)
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("presence.idleAfter", 2*time.Minute)
	v.SetDefault("presence.awayAfter", 10*time.Minute)
	v.SetDefault("presence.sweepCron", "* * * * *")
	v.SetDefault("rooms.types", []string{"document", "page", "canvas", "notebook"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.allowOrigins", []string{})
}

// Load reads the configuration. A missing file is fine; every key has a
// default or can come from the environment (COLLAB_REDIS_ADDRS, ...).
func Load(paths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// started from the repo root or from backend/
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Redis.Addrs = splitList(cfg.Redis.Addrs)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Rooms.Types = splitList(cfg.Rooms.Types)
	cfg.Cors.AllowOrigins = splitList(cfg.Cors.AllowOrigins)
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = "memory"
		if len(cfg.Redis.Addrs) > 0 {
			cfg.Bus.Driver = "redis"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList expands comma separated entries, which is how lists arrive from
// the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Presence.SweepCron != "" && !gronx.IsValid(c.Presence.SweepCron) {
		return fmt.Errorf("%w: %q", ErrInvalidCron, c.Presence.SweepCron)
	}
	switch c.Bus.Driver {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Bus.Driver)
	}
	if c.Bus.Driver == "redis" && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("%w: redis driver needs redis.addrs", ErrInvalidDriver)
	}
	if c.Bus.Driver == "nats" && c.Bus.NatsURL == "" {
		return fmt.Errorf("%w: nats driver needs bus.natsUrl", ErrInvalidDriver)
	}
	if c.Presence.AwayAfter > 0 && c.Presence.AwayAfter < c.Presence.IdleAfter {
		return fmt.Errorf("presence.awayAfter %s is shorter than idleAfter %s", c.Presence.AwayAfter, c.Presence.IdleAfter)
	}
	return nil
}
