package config

import (
	"fmt"
	"os"

	"oaiserver/internal/oai"
	"oaiserver/internal/propagator"
	"oaiserver/internal/server"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     server.Config     `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Storage    StorageConfig     `yaml:"storage"`
	OAI        oai.Config        `yaml:"oai"`
	Propagator propagator.Config `yaml:"propagator"`
}

// StorageConfig holds MongoDB connection settings shared by the record
// store and the set registry.
type StorageConfig struct {
	URI               string `yaml:"uri"`
	Database          string `yaml:"database"`
	RecordsCollection string `yaml:"records_collection"`
	SetsCollection    string `yaml:"sets_collection"`
}

// DefaultStorageConfig returns default storage settings.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		URI:               "mongodb://localhost:27017",
		Database:          "oaiserver",
		RecordsCollection: "records",
		SetsCollection:    "oai_sets",
	}
}

// Load loads configuration with the usual layering:
// defaults -> config.yml -> config.local.yml -> env overrides -> validate.
func Load(configDir string) (*Config, error) {
	cfg := &Config{
		Server:     server.DefaultConfig(),
		Logging:    DefaultLoggingConfig(),
		Storage:    DefaultStorageConfig(),
		OAI:        oai.DefaultConfig(),
		Propagator: propagator.DefaultConfig(),
	}

	loadFile(configDir+"/config.yml", cfg)
	loadFile(configDir+"/config.local.yml", cfg)

	cfg.Logging.ApplyDefaults()
	cfg.Logging.ResolvePaths(configDir)
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OAISERVER_MONGO_URI"); v != "" {
		c.Storage.URI = v
	}
	if v := os.Getenv("OAISERVER_NATS_URL"); v != "" {
		c.Propagator.NatsURL = v
	}
	if v := os.Getenv("OAISERVER_TOKEN_SECRET"); v != "" {
		c.OAI.TokenSecret = v
	}
	if v := os.Getenv("OAISERVER_ADMIN_KEY_HASH"); v != "" {
		c.OAI.AdminKeyHash = v
	}
	if v := os.Getenv("OAISERVER_BASE_URL"); v != "" {
		c.OAI.BaseURL = v
	}
}

// Validate checks cross-component invariants that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	if c.OAI.TokenSecret == "" {
		return fmt.Errorf("oai.token_secret is required (resumption tokens are signed)")
	}
	if c.OAI.PageSize <= 0 {
		return fmt.Errorf("oai.page_size must be positive, got %d", c.OAI.PageSize)
	}
	if c.Propagator.ChunkSize <= 0 {
		return fmt.Errorf("propagator.chunk_size must be positive, got %d", c.Propagator.ChunkSize)
	}
	if c.Storage.Database == "" {
		return fmt.Errorf("storage.database is required")
	}
	return nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return // missing config files are fine, defaults apply
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: error parsing %s: %v\n", filename, err)
	}
}
