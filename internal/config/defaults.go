package config

import (
	"runtime"
	"time"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50051
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 5 * time.Minute
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = max(1, runtime.NumCPU()/2)
	}
	if cfg.Pool.HealthInterval == 0 {
		cfg.Pool.HealthInterval = time.Second
	}
	if cfg.Pool.HealthTimeout == 0 {
		cfg.Pool.HealthTimeout = 10 * time.Second
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "/usr/local/var/cgrcompute/cache/models.db"
	}
	if len(cfg.Model.Variants) == 0 {
		cfg.Model.Variants = []string{"COSINE"}
	}
	if cfg.Model.MaxRecords == 0 {
		cfg.Model.MaxRecords = 100000
	}
	if cfg.Model.PageSize == 0 {
		cfg.Model.PageSize = 5000
	}
	if cfg.Model.Neighbors == 0 {
		cfg.Model.Neighbors = 300
	}
	if cfg.Model.ChunkSize == 0 {
		cfg.Model.ChunkSize = 500
	}
	if cfg.Model.MinBasketSize == 0 {
		cfg.Model.MinBasketSize = 4
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourceDrill
	}
	if cfg.Source.Drill.Timeout == 0 {
		cfg.Source.Drill.Timeout = 2 * time.Minute
	}
	if cfg.Lookup.DatabasePath == "" {
		cfg.Lookup.DatabasePath = "/usr/local/var/cgrcompute/courses.db"
	}
	if cfg.Lookup.CacheSize == 0 {
		cfg.Lookup.CacheSize = 4096
	}
}
