package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration, loaded from an optional yaml file
// with environment overrides for deployment knobs.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Gateway struct {
		WriteTimeoutSec int `yaml:"write_timeout_sec"`
		ReadTimeoutSec  int `yaml:"read_timeout_sec"`
		PingIntervalSec int `yaml:"ping_interval_sec"`
	} `yaml:"gateway"`

	Sweep struct {
		IntervalMin int `yaml:"interval_min"`
	} `yaml:"sweep"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Gateway.WriteTimeoutSec = 10
	cfg.Gateway.ReadTimeoutSec = 60
	cfg.Gateway.PingIntervalSec = 30
	cfg.Sweep.IntervalMin = 60
	cfg.Log.Level = "info"
	return &cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml config at path and applies env overrides. A
// missing file is not an error; defaults apply.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Log.Level = getEnv("LOG_LEVEL", config.Log.Level)
	config.Sweep.IntervalMin = getEnvAsInt("SWEEP_INTERVAL_MIN", config.Sweep.IntervalMin)

	return config, nil
}

func (c *Config) sweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMin) * time.Minute
}
