package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port             int           `mapstructure:"port"`
	DBPath           string        `mapstructure:"db_path"`
	LogLevel         string        `mapstructure:"log_level"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	MessagesPerSec   float64       `mapstructure:"messages_per_sec"`
	MessageBurst     int           `mapstructure:"message_burst"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
}

// Load reads configuration from an optional config.yaml plus TANDEM_*
// environment variables, falling back to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./data/tandem.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("max_message_size", 1024*1024)
	v.SetDefault("messages_per_sec", 100)
	v.SetDefault("message_burst", 200)
	v.SetDefault("autosave_interval", "30s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug().Msg("no config file found, using defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
