// Package config provides configuration loading and structs for the
// recommendation server and its workers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/similarity"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceDrill    = "drill"
	SourceSQL      = "sql"
	SourceLogIndex = "log_index"
)

// EnvDrillPassword overrides source.drill.auth_password when set.
const EnvDrillPassword = "CGR_DRILL_AUTH_PASSWORD"

// Config holds all configuration for the application.
type Config struct {
	Debug  bool         `yaml:"debug"`
	Server ServerConfig `yaml:"server"`
	Pool   PoolConfig   `yaml:"pool"`
	Cache  CacheConfig  `yaml:"cache"`
	Model  ModelConfig  `yaml:"model"`
	Source SourceConfig `yaml:"source"`
	Lookup LookupConfig `yaml:"lookup"`
}

// ServerConfig holds the HTTP and gRPC listener settings. Both protocols
// share one port.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PoolConfig sizes the worker pool and its health probe.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
}

// CacheConfig locates the shared model cache.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig controls training.
type ModelConfig struct {
	Variants      []string `yaml:"variants"`
	MaxRecords    int      `yaml:"max_records"`
	PageSize      int      `yaml:"page_size"`
	Neighbors     int      `yaml:"neighbors"`
	ChunkSize     int      `yaml:"chunk_size"`
	MinBasketSize int      `yaml:"min_basket_size"`
	WarmOnStart   bool     `yaml:"warm_on_start"`
}

// SourceConfig selects where observations are read from.
type SourceConfig struct {
	Kind     string         `yaml:"kind"`
	Drill    DrillConfig    `yaml:"drill"`
	SQL      SQLConfig      `yaml:"sql"`
	LogIndex LogIndexConfig `yaml:"log_index"`
}

// DrillConfig holds Drill connection settings. The auth proxy is used only
// when AuthProxy is set.
type DrillConfig struct {
	URL          string        `yaml:"url"`
	AuthProxy    string        `yaml:"auth_proxy"`
	AuthUsername string        `yaml:"auth_username"`
	AuthPassword string        `yaml:"auth_password"`
	Timeout      time.Duration `yaml:"timeout"`
	Query        string        `yaml:"query"`
}

// SQLConfig reads observations from a SQLite event table.
type SQLConfig struct {
	DatabasePath string `yaml:"database_path"`
	Query        string `yaml:"query"`
}

// LogIndexConfig reads observations from a local log index.
type LogIndexConfig struct {
	Path string `yaml:"path"`
}

// LookupConfig locates the course catalog used for display names.
type LookupConfig struct {
	DatabasePath string `yaml:"database_path"`
	CacheSize    int    `yaml:"cache_size"`
}

// Load reads and parses the config file at path, applies environment
// overrides and defaults, and expands paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if pw := os.Getenv(EnvDrillPassword); pw != "" {
		cfg.Source.Drill.AuthPassword = pw
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Cache.Path = expandPath(cfg.Cache.Path, configDir)
	cfg.Lookup.DatabasePath = expandPath(cfg.Lookup.DatabasePath, configDir)
	if cfg.Source.SQL.DatabasePath != "" {
		cfg.Source.SQL.DatabasePath = expandPath(cfg.Source.SQL.DatabasePath, configDir)
	}
	if cfg.Source.LogIndex.Path != "" {
		cfg.Source.LogIndex.Path = expandPath(cfg.Source.LogIndex.Path, configDir)
	}

	return &cfg, nil
}

// Validate reports settings that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceDrill:
		if c.Source.Drill.URL == "" {
			return fmt.Errorf("source.drill.url is required")
		}
		if c.Source.Drill.AuthProxy != "" && c.Source.Drill.AuthUsername == "" {
			return fmt.Errorf("source.drill.auth_username is required with auth_proxy")
		}
	case SourceSQL:
		if c.Source.SQL.DatabasePath == "" {
			return fmt.Errorf("source.sql.database_path is required")
		}
	case SourceLogIndex:
		if c.Source.LogIndex.Path == "" {
			return fmt.Errorf("source.log_index.path is required")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive")
	}
	if _, err := recommend.ParseVariants(c.Model.Variants); err != nil {
		return fmt.Errorf("model.variants: %w", err)
	}
	if c.Model.Neighbors <= 0 || c.Model.Neighbors > similarity.DefaultNeighbors {
		return fmt.Errorf("model.neighbors must be between 1 and %d, got %d", similarity.DefaultNeighbors, c.Model.Neighbors)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
