package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for GraphDoc
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Session  SessionConfig  `mapstructure:"session"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig holds on-disk storage roots
type StorageConfig struct {
	Uploads    string `mapstructure:"uploads"`
	Workspaces string `mapstructure:"workspaces"`
}

// IngestConfig holds document ingestion configuration
type IngestConfig struct {
	MaxParallelInsert int   `mapstructure:"max_parallel_insert"`
	ChunkSize         int   `mapstructure:"chunk_size"`
	ChunkOverlap      int   `mapstructure:"chunk_overlap"`
	MaxUploadSize     int64 `mapstructure:"max_upload_size"`
}

// SessionConfig holds chat session lifecycle configuration
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EngineConfig holds the external knowledge engine configuration
type EngineConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`
	Retries      int           `mapstructure:"retries"`
	RateLimit    float64       `mapstructure:"rate_limit"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("GRAPHDOC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/graphdoc.db")
	v.SetDefault("storage.uploads", "./data/uploads")
	v.SetDefault("storage.workspaces", "./data/workspaces")

	v.SetDefault("ingest.max_parallel_insert", 4)
	v.SetDefault("ingest.chunk_size", 512)
	v.SetDefault("ingest.chunk_overlap", 50)
	v.SetDefault("ingest.max_upload_size", 10*1024*1024)

	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.sweep_interval", "5m")

	v.SetDefault("engine.base_url", "http://localhost:9621")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.chunk_timeout", "60s")
	v.SetDefault("engine.retries", 1)
	v.SetDefault("engine.rate_limit", 10)
}

// Validate checks the configuration once at startup so business logic
// never has to re-validate ambient settings.
func (c *Config) Validate() error {
	if c.Ingest.MaxParallelInsert < 1 {
		return fmt.Errorf("ingest.max_parallel_insert must be at least 1, got %d", c.Ingest.MaxParallelInsert)
	}
	if c.Ingest.ChunkSize < 1 {
		return fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap)
	}
	if c.Ingest.MaxUploadSize < 1 {
		return fmt.Errorf("ingest.max_upload_size must be positive, got %d", c.Ingest.MaxUploadSize)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.ChunkTimeout <= 0 {
		return fmt.Errorf("engine.chunk_timeout must be positive, got %s", c.Engine.ChunkTimeout)
	}
	if c.Engine.Retries < 0 {
		return fmt.Errorf("engine.retries must not be negative, got %d", c.Engine.Retries)
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
