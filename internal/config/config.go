// Package config loads the service configuration from a JSON file.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Config is immutable after startup.
type Config struct {
	Port                int    `mapstructure:"port"`
	Auth                string `mapstructure:"auth"`
	MaxFetchConcurrency int    `mapstructure:"maxFetchConcurrency"`
	MaxResponseBytes    int    `mapstructure:"maxResponseBytes"`
	HistoryPath         string `mapstructure:"historyPath"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("port", 3000)
	v.SetDefault("maxFetchConcurrency", 5)
	v.SetDefault("maxResponseBytes", 5*1024*1024)
	v.SetDefault("historyPath", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Auth == "" {
		return nil, errors.New("auth secret is required")
	}
	if cfg.MaxFetchConcurrency < 1 {
		return nil, errors.New("maxFetchConcurrency must be at least 1")
	}
	return &cfg, nil
}
