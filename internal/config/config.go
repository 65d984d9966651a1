package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port              int      `mapstructure:"port"`
		AllowedOrigins    []string `mapstructure:"allowed_origins"`
		SendBuffer        int      `mapstructure:"send_buffer"`
		MaxMessageSize    int64    `mapstructure:"max_message_size"`
		MessagesPerSecond float64  `mapstructure:"messages_per_second"`
		MessageBurst      int      `mapstructure:"message_burst"`
		APIRequestsPerSec float64  `mapstructure:"api_requests_per_second"`
		APIBurst          int      `mapstructure:"api_burst"`
	} `mapstructure:"server"`

	Storage struct {
		Driver        string        `mapstructure:"driver"`
		SQLitePath    string        `mapstructure:"sqlite_path"`
		PostgresDSN   string        `mapstructure:"postgres_dsn"`
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"storage"`

	Writer struct {
		Shards    int `mapstructure:"shards"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"writer"`

	Cursor struct {
		StaleAfter    time.Duration `mapstructure:"stale_after"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"cursor"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Discovery struct {
		MDNS bool `mapstructure:"mdns"`
	} `mapstructure:"discovery"`
}

const envPrefix = "SKETCHROOM"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.messages_per_second", 100)
	v.SetDefault("server.message_burst", 200)
	v.SetDefault("server.api_requests_per_second", 20)
	v.SetDefault("server.api_burst", 40)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/sketchroom.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.timeout", 5*time.Second)

	v.SetDefault("writer.shards", 8)
	v.SetDefault("writer.queue_size", 1024)

	v.SetDefault("cursor.stale_after", 5*time.Second)
	v.SetDefault("cursor.sweep_interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("discovery.mdns", false)
}

// LoadConfig reads the optional YAML file at path, then SKETCHROOM_* environment
// overrides. An empty path means defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain PORT is honoured for platforms that inject it.
	if err := v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
	}
	if c.Cursor.StaleAfter <= 0 {
		return fmt.Errorf("cursor.stale_after must be positive")
	}
	if c.Writer.Shards <= 0 || c.Writer.QueueSize <= 0 {
		return fmt.Errorf("writer.shards and writer.queue_size must be positive")
	}
	return nil
}
