package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	LogLevel       string        `mapstructure:"log_level"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	TokenEndpoint  string        `mapstructure:"token_endpoint"`
	SignalURL      string        `mapstructure:"signal_url"`
	FeedDriver     string        `mapstructure:"feed_driver"`
	FeedURL        string        `mapstructure:"feed_url"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	TokenTimeout   time.Duration `mapstructure:"token_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	ClaimLimit     int           `mapstructure:"claim_limit"`
	ClaimInterval  time.Duration `mapstructure:"claim_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("token_endpoint", "http://localhost:8080/api/livekit-token")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("feed_driver", "ws")
	v.SetDefault("feed_url", "ws://localhost:8080/api/ws/rooms")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_prefix", "room-changes:")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("token_timeout", "15s")
	v.SetDefault("connect_timeout", "30s")
	v.SetDefault("token_ttl", "15m")
	v.SetDefault("claim_limit", 5)
	v.SetDefault("claim_interval", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Feed: %s\n", cfg.Mode, cfg.Port, cfg.FeedDriver)
	return &cfg, nil
}
