// Package config loads the agent's environment-variable configuration.
// The configuration surface itself is an external/trivial concern —
// the daemon only needs a thin, validated reader around os.Getenv, not
// a general-purpose config layer.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/vishvananda/netlink"
)

// Config holds every tunable from the environment.
type Config struct {
	SiteID           string
	CloudAPIURL      string
	AgentAuthToken   string
	NetworkInterface string
	Subnet           string // CIDR

	PingInterval         time.Duration
	OfflineFailureCount  int
	OfflineThreshold     time.Duration
	PingLockTimeout      time.Duration
	SystemHeartbeatCheck time.Duration

	DataPath  string
	NTPServer string
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		SiteID:           os.Getenv("SITE_ID"),
		CloudAPIURL:      os.Getenv("CLOUD_API_URL"),
		AgentAuthToken:   os.Getenv("AGENT_AUTH_TOKEN"),
		NetworkInterface: os.Getenv("NETWORK_INTERFACE"),
		Subnet:           os.Getenv("SUBNET"),
		DataPath:         envOr("DATA_PATH", "/var/lib/presence-agent/agent.db"),
		NTPServer:        envOr("NTP_SERVER", "pool.ntp.org"),
	}

	for name, val := range map[string]string{
		"SITE_ID":           cfg.SiteID,
		"CLOUD_API_URL":     cfg.CloudAPIURL,
		"AGENT_AUTH_TOKEN":  cfg.AgentAuthToken,
		"NETWORK_INTERFACE": cfg.NetworkInterface,
		"SUBNET":            cfg.Subnet,
	} {
		if val == "" {
			return Config{}, fmt.Errorf("%s environment variable is required", name)
		}
	}

	if _, _, err := net.ParseCIDR(cfg.Subnet); err != nil {
		return Config{}, fmt.Errorf("SUBNET %q is not a valid CIDR: %w", cfg.Subnet, err)
	}

	var err error
	if cfg.PingInterval, err = envSeconds("PING_INTERVAL_SECONDS", 90); err != nil {
		return Config{}, err
	}
	if cfg.OfflineFailureCount, err = envInt("OFFLINE_FAILURE_COUNT", 2); err != nil {
		return Config{}, err
	}
	if cfg.OfflineThreshold, err = envSeconds("OFFLINE_THRESHOLD_SECONDS", 15); err != nil {
		return Config{}, err
	}
	if cfg.PingLockTimeout, err = envSeconds("PING_LOCK_TIMEOUT_SECONDS", 60); err != nil {
		return Config{}, err
	}
	if cfg.SystemHeartbeatCheck, err = envSeconds("SYSTEM_HEARTBEAT_CHECK_SECONDS", 120); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ValidateInterface confirms NetworkInterface resolves to a real link
// on this host, so a typo'd interface name fails fast at startup
// instead of silently scanning nothing forever.
func (c Config) ValidateInterface() error {
	if _, err := netlink.LinkByName(c.NetworkInterface); err != nil {
		return fmt.Errorf("NETWORK_INTERFACE %q: %w", c.NetworkInterface, err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, defSeconds int) (time.Duration, error) {
	n, err := envInt(key, defSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
