package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Config holds the smoke client configuration
type Config struct {
	// DevMode enables development mode (TCP instead of vsock)
	DevMode bool `yaml:"dev_mode"`

	// TEE is where teed listens
	TEE smc.Endpoint `yaml:"tee"`

	// Application is the trusted application to open
	Application string `yaml:"application"`

	// Login is sent encrypted with the open session call
	Login string `yaml:"login"`

	// Invocations is the number of increment calls to make
	Invocations int `yaml:"invocations"`

	// PoolSize bounds the mailbox in bytes
	PoolSize int `yaml:"pool_size"`

	// Audit configures NATS publication of audit events
	Audit audit.NATSConfig `yaml:"audit"`
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
	return cfg, nil
}

// ApplicationUUID parses the configured trusted application.
func (c *Config) ApplicationUUID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Application)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid application uuid %q: %w", c.Application, err)
	}
	return id, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		TEE: smc.Endpoint{
			CID:  16,
			Port: 5010,
		},
		Application: "6b7c3a1e-2f4d-4e6a-9b8c-0d1e2f3a4b5c",
		Invocations: 3,
		Audit: audit.NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: audit.DefaultSubjectPrefix,
			ReconnectWait: 2000,
			MaxReconnects: 5,
		},
	}
}
