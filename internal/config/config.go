// Package config loads and validates the MEF3 server's process-wide configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Configuration holds the five recognized options from the RPC/process
// configuration contract: port, n_prefetch, cache_capacity_multiplier,
// max_workers and log_level. There is no persisted state beyond this file;
// the server is stateless across restarts.
type Configuration struct {
	Port                    int    `yaml:"port"`
	NPrefetch               int    `yaml:"n_prefetch"`
	CacheCapacityMultiplier int    `yaml:"cache_capacity_multiplier"`
	MaxWorkers              int    `yaml:"max_workers"`
	LogLevel                string `yaml:"log_level"`
}

// NewDefault returns a configuration with sensible defaults: a small
// worker pool, prefetch depth of three, and cache capacity five times the
// prefetch depth.
func NewDefault() *Configuration {
	return &Configuration{
		Port:                    50051,
		NPrefetch:               3,
		CacheCapacityMultiplier: 5,
		MaxWorkers:              4,
		LogLevel:                "info",
	}
}

// CacheCapacity returns n_prefetch * cache_capacity_multiplier, floored at 1.
func (c *Configuration) CacheCapacity() int {
	capacity := c.NPrefetch * c.CacheCapacityMultiplier
	if capacity < 1 {
		return 1
	}
	return capacity
}

// LoadFromFile loads configuration from a YAML file. Unknown keys are
// rejected: the recognized-options contract requires startup failure on
// anything it doesn't name.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := rejectUnknownKeys(raw); err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

var recognizedKeys = map[string]bool{
	"port":                      true,
	"n_prefetch":                true,
	"cache_capacity_multiplier": true,
	"max_workers":               true,
	"log_level":                 true,
}

func rejectUnknownKeys(raw map[string]interface{}) error {
	var unknown []string
	for key := range raw {
		if !recognizedKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unrecognized configuration option(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

// LoadFromEnv applies MEF3_* environment variable overrides on top of
// whatever is already set.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MEF3_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEF3_PORT: %w", err)
		}
		c.Port = port
	}
	if val := os.Getenv("MEF3_N_PREFETCH"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEF3_N_PREFETCH: %w", err)
		}
		c.NPrefetch = n
	}
	if val := os.Getenv("MEF3_CACHE_CAPACITY_MULTIPLIER"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEF3_CACHE_CAPACITY_MULTIPLIER: %w", err)
		}
		c.CacheCapacityMultiplier = n
	}
	if val := os.Getenv("MEF3_MAX_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("MEF3_MAX_WORKERS: %w", err)
		}
		c.MaxWorkers = n
	}
	if val := os.Getenv("MEF3_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	return nil
}

// Validate checks the configuration against its constraints: n_prefetch >=
// 0, cache_capacity_multiplier >= 1, max_workers >= 1, and a recognized log
// level.
func (c *Configuration) Validate() error {
	if c.NPrefetch < 0 {
		return fmt.Errorf("n_prefetch must be >= 0, got %d", c.NPrefetch)
	}
	if c.CacheCapacityMultiplier < 1 {
		return fmt.Errorf("cache_capacity_multiplier must be >= 1, got %d", c.CacheCapacityMultiplier)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in [0, 65535], got %d", c.Port)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("invalid log_level: %s (must be one of debug, info, warning, error, critical)", c.LogLevel)
	}
	return nil
}
