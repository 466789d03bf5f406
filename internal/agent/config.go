package agent

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all agent configuration, loaded from the SLM_* environment
// variables.
type Config struct {
	AdminURL     string // SLM_ADMIN_URL
	NodeID       string // SLM_NODE_ID (required)
	BufferDBPath string // SLM_BUFFER_DB
	NotifyPort   int    // SLM_NOTIFY_PORT
	CodeSource   bool   // SLM_CODE_SOURCE
	AgentToken   string // SLM_AGENT_TOKEN, sent as a Bearer credential

	HeartbeatInterval time.Duration
	Services          []string
	Hostname          string
	Insecure          bool // disables TLS verification; must be explicit
}

// DefaultConfig returns a config with every optional field at its default.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		AdminURL:          "http://localhost:8000",
		BufferDBPath:      "/var/lib/slm-agent/events.db",
		NotifyPort:        8600,
		HeartbeatInterval: 30 * time.Second,
		Hostname:          hostname,
	}
}

// LoadFromEnv loads configuration from the environment using the
// getEnv/parseBool/splitNonEmpty helpers below.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.AdminURL = getEnv("SLM_ADMIN_URL", cfg.AdminURL)

	cfg.NodeID = os.Getenv("SLM_NODE_ID")
	if cfg.NodeID == "" {
		return nil, errors.New("SLM_NODE_ID is required")
	}

	cfg.BufferDBPath = getEnv("SLM_BUFFER_DB", cfg.BufferDBPath)

	if port := os.Getenv("SLM_NOTIFY_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, errors.New("SLM_NOTIFY_PORT must be a number")
		}
		cfg.NotifyPort = p
	}

	cfg.CodeSource = parseBool("SLM_CODE_SOURCE", false)

	cfg.AgentToken = os.Getenv("SLM_AGENT_TOKEN")

	if interval := os.Getenv("SLM_HEARTBEAT_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			seconds, serr := strconv.Atoi(interval)
			if serr != nil {
				return nil, errors.New("SLM_HEARTBEAT_INTERVAL must be a duration or a number of seconds")
			}
			d = time.Duration(seconds) * time.Second
		}
		cfg.HeartbeatInterval = d
	}

	if services := os.Getenv("SLM_SERVICES"); services != "" {
		cfg.Services = splitNonEmpty(services, ",")
	}

	if hostname := os.Getenv("SLM_HOSTNAME"); hostname != "" {
		cfg.Hostname = hostname
	}

	cfg.Insecure = parseBool("SLM_INSECURE", false)

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.AdminURL == "" {
		return errors.New("admin url is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
