// Package config provides configuration for the ingestor.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the ingestor configuration.
type Config struct {
	// Server settings
	HTTPPort     int    `env:"HTTP_PORT,default=8080"`
	InternalPort int    `env:"INTERNAL_PORT,default=8081"`
	RPCAddr      string `env:"RPC_ADDR,default=:8082"`
	MaxBodySize  string `env:"MAX_BODY_SIZE,default=10M"`

	// Database
	DatabaseURL string `env:"DATABASE_URL,default=file:ingestor.db?cache=shared&mode=rwc"`

	// Ingestion
	ParentRetryDelay  time.Duration `env:"PARENT_RETRY_DELAY,default=2s"`
	OTLPAsync         bool          `env:"OTLP_ASYNC,default=true"`
	DefaultProjectKey string        `env:"DEFAULT_PROJECT_KEY"`
	SeedFile          string        `env:"SEED_FILE"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// Logging
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load loads configuration from environment variables.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if cfg.ParentRetryDelay < 0 {
		return nil, fmt.Errorf("PARENT_RETRY_DELAY must not be negative")
	}
	if _, err := bytes.Parse(cfg.MaxBodySize); err != nil {
		return nil, fmt.Errorf("invalid MAX_BODY_SIZE %q: %w", cfg.MaxBodySize, err)
	}
	return &cfg, nil
}

// MaxBodyBytes returns MaxBodySize in bytes, or 0 (no limit) when it does
// not parse.
func (c *Config) MaxBodyBytes() int64 {
	n, err := bytes.Parse(c.MaxBodySize)
	if err != nil {
		return 0
	}
	return n
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Seed lists projects created at startup.
type Seed struct {
	Projects []SeedProject `yaml:"projects"`
}

// SeedProject is one project entry of the seed file. Rules maps a rule
// type (e.g. "filtering") to its rego module.
type SeedProject struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	PublicKey  string            `yaml:"public_key"`
	PrivateKey string            `yaml:"private_key"`
	Rules      map[string]string `yaml:"rules"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, p := range seed.Projects {
		if p.ID == "" || p.PublicKey == "" {
			return nil, fmt.Errorf("seed project %d: id and public_key are required", i)
		}
		if p.Name == "" {
			seed.Projects[i].Name = p.ID
		}
	}
	return &seed, nil
}
