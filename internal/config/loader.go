package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Load from YAML file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("DBSYNC_DATA_DIR"); val != "" {
		cfg.Node.DataDir = val
	}
	if val := os.Getenv("DBSYNC_NODE_NAME"); val != "" {
		cfg.Node.Name = val
	}
	if val := os.Getenv("DBSYNC_REGISTRATION_KEY"); val != "" {
		cfg.Node.RegistrationKey = val
	}

	if val := os.Getenv("DBSYNC_DB_DRIVER"); val != "" {
		cfg.Database.Driver = val
	}
	if val := os.Getenv("DBSYNC_DB_DSN"); val != "" {
		cfg.Database.DSN = val
	}

	if val := os.Getenv("DBSYNC_PORT"); val != "" {
		if port := parseInt(val); port > 0 {
			cfg.Network.Port = port
		}
	}
	if val := os.Getenv("DBSYNC_PROTOCOL"); val != "" {
		cfg.Network.Protocol = val
	}
	if val := os.Getenv("DBSYNC_ADVERTISE_ADDRESS"); val != "" {
		cfg.Network.AdvertiseAddress = val
	}

	// Manual peer list
	if val := os.Getenv("DBSYNC_PEERS"); val != "" {
		cfg.Network.Peers = splitList(val)
	}

	if val := os.Getenv("DBSYNC_DISCOVERY_MODE"); val != "" {
		cfg.Discovery.Mode = val
	}
	if val := os.Getenv("DBSYNC_DISCOVERY_PORT"); val != "" {
		if port := parseInt(val); port > 0 {
			cfg.Discovery.Port = port
		}
	}

	if val := os.Getenv("DBSYNC_ADMIN_LISTEN"); val != "" {
		cfg.Admin.Listen = val
	}

	// Observability
	if val := os.Getenv("OTEL_ENDPOINT"); val != "" {
		cfg.Observability.OTELendpoint = val
	}
	if val := os.Getenv("DBSYNC_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = val
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseInt parses an integer from a string, returns 0 on error
func parseInt(s string) int {
	var val int
	fmt.Sscanf(s, "%d", &val)
	return val
}
