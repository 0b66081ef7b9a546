package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds leader election settings.
type Config struct {
	// Enabled controls whether lease-based leader election is active.
	// When false the instance behaves as the sole leader, which suits
	// single-replica deployments.
	Enabled bool

	// LeaseName identifies the lease row the replica set competes for.
	LeaseName string

	// LeaseDuration is how long an unrenewed lease stays valid. Followers
	// take over once it elapses.
	LeaseDuration time.Duration

	// RetryPeriod is the cadence of renewals for the leader and of
	// acquisition attempts for followers. Keep it well under
	// LeaseDuration so a healthy leader never expires.
	RetryPeriod time.Duration

	// Identity uniquely names this instance in the lease row. Defaults
	// to the pod name (POD_NAME env var) or the hostname.
	Identity string
}

// DefaultConfig returns a Config suitable for a small replica set, with
// election disabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       false,
		LeaseName:     "registry-server-leader",
		LeaseDuration: 15 * time.Second,
		RetryPeriod:   2 * time.Second,
		Identity:      defaultIdentity(),
	}
}

// ConfigFromEnv reads leader election configuration from environment
// variables, falling back to defaults for any unset variable.
//
// Environment variables:
//   - REGISTRY_LEADER_ELECTION_ENABLED: "true" or "false" (default: "false")
//   - REGISTRY_LEADER_LEASE_NAME: lease row name (default: "registry-server-leader")
//   - REGISTRY_LEADER_LEASE_DURATION: lease validity in seconds (default: 15)
//   - REGISTRY_LEADER_RETRY_PERIOD: renew/acquire cadence in seconds (default: 2)
//   - POD_NAME: replica identity used in the lease row
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("REGISTRY_LEADER_ELECTION_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("REGISTRY_LEADER_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("REGISTRY_LEADER_LEASE_DURATION"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.LeaseDuration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("REGISTRY_LEADER_RETRY_PERIOD"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RetryPeriod = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		cfg.Identity = v
	}

	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
