package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/rootkey"
)

// Config holds the TEE daemon configuration
type Config struct {
	// DevMode enables development mode (TCP instead of vsock)
	DevMode bool `yaml:"dev_mode"`

	// Listen configures where secure calls arrive
	Listen ListenConfig `yaml:"listen"`

	// RootKey selects where the session root key comes from
	RootKey rootkey.Config `yaml:"root_key"`

	// Store configures the trusted session store
	Store StoreConfig `yaml:"store"`

	// Audit configures NATS publication of audit events
	Audit audit.NATSConfig `yaml:"audit"`

	// Health check configuration
	Health HealthConfig `yaml:"health"`
}

// ListenConfig holds listener settings
type ListenConfig struct {
	VsockPort uint32 `yaml:"vsock_port"`
	TCPPort   uint16 `yaml:"tcp_port"`
}

// StoreConfig holds session store settings
type StoreConfig struct {
	DSN string `yaml:"dsn"`
	// PendingTTL is how long a provisioned session may stay unopened
	PendingTTL    int `yaml:"pending_ttl_seconds"`
	PurgeInterval int `yaml:"purge_interval_seconds"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port     int `yaml:"port"`
	Interval int `yaml:"interval_seconds"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Store.PendingTTL <= 0 {
		return fmt.Errorf("store.pending_ttl_seconds must be positive")
	}
	if c.Store.PurgeInterval <= 0 {
		return fmt.Errorf("store.purge_interval_seconds must be positive")
	}
	if c.Audit.Enabled && c.Audit.URL == "" {
		return fmt.Errorf("audit.url is required when audit is enabled")
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Listen: ListenConfig{
			VsockPort: 5010,
			TCPPort:   5010,
		},
		RootKey: rootkey.Config{
			Source: rootkey.KindRandom,
			Region: "us-east-1",
		},
		Store: StoreConfig{
			DSN:           "",
			PendingTTL:    60,
			PurgeInterval: 30,
		},
		Audit: audit.NATSConfig{
			Enabled:         false,
			URL:             "nats://localhost:4222",
			CredentialsFile: "/etc/tzdriver/nats.creds",
			SubjectPrefix:   audit.DefaultSubjectPrefix,
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Health: HealthConfig{
			Port:     8080,
			Interval: 30,
		},
	}
}
