package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Mode selects where the snapshot fallback lives: a single-seat kiosk keeps it
// on disk, a lab deployment shares it through the center's infrastructure.
type Mode string

const (
	ModeKiosk Mode = "kiosk"
	ModeLab   Mode = "lab"
)

type Config struct {
	Mode Mode `mapstructure:"mode"`

	Bridge BridgeConfig `mapstructure:"bridge"`
	Remote RemoteConfig `mapstructure:"remote"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`
}

// BridgeConfig is the localhost HTTP surface the UI shell talks to.
type BridgeConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	Timeout        time.Duration `mapstructure:"-"`
}

type CacheConfig struct {
	// Driver: memory | sqlite | postgres | redis
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	HorizonHours  int           `mapstructure:"horizon_hours"`
	Horizon       time.Duration `mapstructure:"-"`
}

type SyncConfig struct {
	FlushIntervalSeconds int           `mapstructure:"flush_interval_seconds"`
	FlushInterval        time.Duration `mapstructure:"-"`
	SubmitRate           float64       `mapstructure:"submit_rate"`
	SubmitBurst          int           `mapstructure:"submit_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CBT_CLIENT")
	viper.AutomaticEnv()

	viper.BindEnv("mode", "CBT_MODE")
	viper.BindEnv("bridge.addr", "BRIDGE_ADDR")
	viper.BindEnv("remote.base_url", "REMOTE_BASE_URL")
	viper.BindEnv("cache.driver", "CACHE_DRIVER")
	viper.BindEnv("cache.dsn", "CACHE_DSN")
	viper.BindEnv("cache.redis_addr", "REDIS_ADDR")
	viper.BindEnv("cache.redis_password", "REDIS_PASSWORD")
	viper.BindEnv("log.level", "LOG_LEVEL")

	viper.SetDefault("mode", string(ModeKiosk))
	viper.SetDefault("bridge.addr", "127.0.0.1:7320")
	viper.SetDefault("bridge.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("remote.timeout_seconds", 15)
	viper.SetDefault("cache.driver", "sqlite")
	viper.SetDefault("cache.horizon_hours", 24)
	viper.SetDefault("sync.flush_interval_seconds", 30)
	viper.SetDefault("sync.submit_rate", 10.0)
	viper.SetDefault("sync.submit_burst", 5)
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		// Env-only deployments are normal on kiosks; a missing file is fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}
	cfg.Remote.Timeout = time.Duration(cfg.Remote.TimeoutSeconds) * time.Second
	cfg.Cache.Horizon = time.Duration(cfg.Cache.HorizonHours) * time.Hour
	cfg.Sync.FlushInterval = time.Duration(cfg.Sync.FlushIntervalSeconds) * time.Second

	return &cfg, nil
}
