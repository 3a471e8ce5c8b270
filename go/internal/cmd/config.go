package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client's file configuration. Environment variables and
// flags override it, in that order.
type Config struct {
	Client struct {
		DisplayName string `yaml:"display_name"`
		Color       string `yaml:"color"`
		DataFile    string `yaml:"data_file"`
	} `yaml:"client"`

	Sync struct {
		RelayURL           string        `yaml:"relay_url"`
		NATSURL            string        `yaml:"nats_url"`
		ConnectTimeout     time.Duration `yaml:"connect_timeout"`
		ProtocolVersion    string        `yaml:"protocol_version"`
		MinProtocolVersion string        `yaml:"min_protocol_version"`
		IncludeLoopback    bool          `yaml:"include_loopback"`
	} `yaml:"sync"`

	Registry struct {
		// Backend is one of remote, nats, redis or doc.
		Backend   string        `yaml:"backend"`
		URL       string        `yaml:"url"`
		RedisAddr string        `yaml:"redis_addr"`
		Cleanup   time.Duration `yaml:"cleanup_interval"`
	} `yaml:"registry"`

	History struct {
		JetStream bool `yaml:"jetstream"`
	} `yaml:"history"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Client.DataFile = "scoresync.db"
	cfg.Sync.RelayURL = "ws://localhost:8081/ws/relay"
	cfg.Sync.NATSURL = "nats://localhost:4222"
	cfg.Sync.ConnectTimeout = 10 * time.Second
	cfg.Sync.ProtocolVersion = "1.0.0"
	cfg.Sync.MinProtocolVersion = "1.0.0"
	cfg.Registry.Backend = "remote"
	cfg.Registry.URL = "http://localhost:8081"
	cfg.Registry.RedisAddr = "localhost:6379"
	cfg.Registry.Cleanup = 10 * time.Minute
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// applyEnv overrides file settings with SCORESYNC_* variables.
func (c *Config) applyEnv() {
	c.Client.DisplayName = getEnv("SCORESYNC_NAME", c.Client.DisplayName)
	c.Client.Color = getEnv("SCORESYNC_COLOR", c.Client.Color)
	c.Client.DataFile = getEnv("SCORESYNC_DATA_FILE", c.Client.DataFile)
	c.Sync.RelayURL = getEnv("SCORESYNC_RELAY_URL", c.Sync.RelayURL)
	c.Sync.NATSURL = getEnv("NATS_URL", c.Sync.NATSURL)
	c.Sync.ConnectTimeout = getEnvAsDuration("SCORESYNC_CONNECT_TIMEOUT", c.Sync.ConnectTimeout)
	c.Sync.MinProtocolVersion = getEnv("SCORESYNC_MIN_PROTOCOL_VERSION", c.Sync.MinProtocolVersion)
	c.Registry.Backend = getEnv("SCORESYNC_REGISTRY", c.Registry.Backend)
	c.Registry.URL = getEnv("SCORESYNC_REGISTRY_URL", c.Registry.URL)
	c.Registry.RedisAddr = getEnv("REDIS_ADDR", c.Registry.RedisAddr)
	c.History.JetStream = getEnvAsBool("SCORESYNC_HISTORY_JETSTREAM", c.History.JetStream)
}
