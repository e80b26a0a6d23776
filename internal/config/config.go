// Package config loads the registry's YAML configuration with
// ${VAR:default} environment substitution and well-known environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// BusType selects the transport backing the message bus.
type BusType string

const (
	BusRedis    BusType = "REDIS"
	BusInMemory BusType = "IN_MEMORY"
)

type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Registry   RegistryConfig   `yaml:"registry"`
	MessageBus MessageBusConfig `yaml:"message-bus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RegistryConfig struct {
	HeartbeatTimeout int  `yaml:"heartbeat-timeout"` // seconds
	CheckInterval    int  `yaml:"check-interval"`    // seconds
	RecycleIDs       bool `yaml:"recycle-ids"`
	Debug            bool `yaml:"debug"`
}

type MessageBusConfig struct {
	Type BusType `yaml:"type"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration used when no file is
// given.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Registry: RegistryConfig{
			HeartbeatTimeout: 15,
			CheckInterval:    5,
			RecycleIDs:       true,
		},
		MessageBus: MessageBusConfig{Type: BusRedis},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// varPattern matches ${VAR} and ${VAR:default}.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expand substitutes ${VAR:default} references from the environment.
func expand(raw []byte) []byte {
	return varPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := varPattern.FindSubmatch(match)
		if v, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(v)
		}
		return groups[2]
	})
}

// Load reads and expands a YAML config file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expand(raw), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the documented environment variable overrides on top
// of whatever the file set.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Registry.HeartbeatTimeout <= 0 {
		return fmt.Errorf("registry.heartbeat-timeout must be positive")
	}
	if c.Registry.CheckInterval <= 0 {
		return fmt.Errorf("registry.check-interval must be positive")
	}
	switch BusType(strings.ToUpper(string(c.MessageBus.Type))) {
	case BusRedis, BusInMemory:
		c.MessageBus.Type = BusType(strings.ToUpper(string(c.MessageBus.Type)))
	default:
		return fmt.Errorf("message-bus.type must be REDIS or IN_MEMORY, got %q", c.MessageBus.Type)
	}
	return nil
}
