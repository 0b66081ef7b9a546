package commands

import (
	"os"
	"strconv"
	"time"
)

// BusConfig controls command queue and worker behavior.
type BusConfig struct {
	Workers        int           // Max concurrent dispatch workers. Default 4.
	QueueSize      int           // Pending command capacity. Default 256.
	CommandTimeout time.Duration // Processing budget per command. Default 30s.
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		Workers:        4,
		QueueSize:      256,
		CommandTimeout: 30 * time.Second,
	}
}

// BusConfigFromEnv loads config from environment variables.
// REGISTRY_COMMAND_WORKERS, REGISTRY_COMMAND_QUEUE_SIZE,
// REGISTRY_COMMAND_TIMEOUT_SECONDS
func BusConfigFromEnv() *BusConfig {
	cfg := DefaultBusConfig()

	if v := os.Getenv("REGISTRY_COMMAND_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}

	if v := os.Getenv("REGISTRY_COMMAND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}

	if v := os.Getenv("REGISTRY_COMMAND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CommandTimeout = time.Duration(n) * time.Second
		}
	}

	return cfg
}
