// Package main is the cgrcompute CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hyperjump/cgrcompute/internal/cache"
	"github.com/hyperjump/cgrcompute/internal/config"
	"github.com/hyperjump/cgrcompute/internal/dispatch"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/server"
	"github.com/hyperjump/cgrcompute/internal/service"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/hyperjump/cgrcompute/internal/storage"
	"github.com/hyperjump/cgrcompute/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/cgrcompute/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded, which workers reuse.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "worker":
		runWorker()
	case "recommend":
		runRecommend()
	case "health":
		runHealth()
	case "import":
		runImport()
	case "version", "--version", "-v":
		fmt.Printf("cgrcompute version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`cgrcompute: course recommendation server

Usage:
  cgrcompute server    [-config path] [-debug]     serve HTTP and gRPC on one port
  cgrcompute worker    [-config path] [-debug]     worker process (started by server)
  cgrcompute recommend -program CPE [-selected 261207,261208] [-variant COSINE] [-format text|json]
  cgrcompute health    [-service name] [-watch]
  cgrcompute import    courses|events [-config path] <file.jsonl|->
  cgrcompute version
  cgrcompute help
`)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.String("source", cfg.Source.Kind),
		zap.Int("pool_size", cfg.Pool.Size),
	)

	// The shared cache lives only as long as this process tree.
	if err := removeCacheFiles(cfg.Cache.Path); err != nil {
		logger.Fatal("Failed to reset model cache", zap.Error(err))
	}
	defer func() {
		if err := removeCacheFiles(cfg.Cache.Path); err != nil {
			logger.Warn("model cache cleanup failed", zap.Error(err))
		}
	}()

	workerArgs := []string{"worker", "-config", resolvedConfigPath}
	if debugMode {
		workerArgs = append(workerArgs, "-debug")
	}
	pool, err := dispatch.NewPool(dispatch.Config{
		Size:  cfg.Pool.Size,
		Args:  workerArgs,
		Codes: service.TaskErrors,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to start worker pool", zap.Error(err))
	}
	defer pool.Close()

	courses, err := storage.NewSQLiteCourseStore(cfg.Lookup.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to open course store", zap.Error(err))
	}
	defer courses.Close()
	lookup := storage.NewCachedLookup(courses, cfg.Lookup.CacheSize)

	rec := service.NewRecommender(pool, lookup, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Model.WarmOnStart {
		go func() {
			if _, err := rec.Warm(ctx); err != nil {
				logger.Warn("model warm-up failed", zap.Error(err))
			}
		}()
	}

	srv := server.NewServer(rec, pool, cfg, logger, server.WithCourseCounter(courses))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
}

// removeCacheFiles deletes the cache database with its WAL, shared-memory
// and lock files.
func removeCacheFiles(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func runWorker() {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	// stdout carries task frames; everything else goes to stderr.
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := utils.NewNamedLogger(fmt.Sprintf("worker-%d", os.Getpid()), cfg.Debug || *debug)
	defer logger.Sync()

	// Ctrl-C reaches the whole process group; the server closes our stdin instead.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	tasks, closeFn, err := newTasks(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize worker", zap.Error(err))
	}
	defer closeFn()

	w := &dispatch.Worker{Handlers: tasks.Handlers(), Codes: service.TaskErrors, Logger: logger}
	logger.Debug("worker ready")
	if err := w.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

// newTasks builds the worker-side task handlers from cfg.
func newTasks(cfg *config.Config, logger *zap.Logger) (*service.Tasks, func(), error) {
	store, err := cache.NewSQLiteStore(cfg.Cache.Path)
	if err != nil {
		return nil, nil, err
	}
	codec, err := recommend.NewModelCodec()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	variants, err := recommend.ParseVariants(cfg.Model.Variants)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	src := &lazySource{open: sourceOpener(cfg, logger)}
	trainer := recommend.NewTrainer(src, recommend.TrainerConfig{
		Variants:      variants,
		MaxRecords:    cfg.Model.MaxRecords,
		PageSize:      cfg.Model.PageSize,
		Neighbors:     cfg.Model.Neighbors,
		ChunkSize:     cfg.Model.ChunkSize,
		MinBasketSize: cfg.Model.MinBasketSize,
	}, logger)
	tasks := &service.Tasks{
		Cache:   cache.New(store, codec, cache.WithLogger(logger)),
		Trainer: trainer,
		Logger:  logger,
	}
	closeFn := func() {
		_ = src.Close()
		_ = store.Close()
	}
	return tasks, closeFn, nil
}

type openFunc func(ctx context.Context) (source.RecordSource, func() error, error)

// sourceOpener returns a function opening the source selected by cfg.
func sourceOpener(cfg *config.Config, logger *zap.Logger) openFunc {
	return func(ctx context.Context) (source.RecordSource, func() error, error) {
		switch cfg.Source.Kind {
		case config.SourceDrill:
			d := cfg.Source.Drill
			src, err := source.NewDrillSource(ctx, source.DrillConfig{
				URL:          d.URL,
				AuthProxy:    d.AuthProxy,
				AuthUsername: d.AuthUsername,
				AuthPassword: d.AuthPassword,
				Timeout:      d.Timeout,
				Query:        d.Query,
			}, logger)
			if err != nil {
				return nil, nil, err
			}
			return src, func() error { return nil }, nil
		case config.SourceSQL:
			src, err := source.NewSQLSource(cfg.Source.SQL.DatabasePath, cfg.Source.SQL.Query)
			if err != nil {
				return nil, nil, err
			}
			return src, src.Close, nil
		case config.SourceLogIndex:
			src, err := source.NewLogIndex(cfg.Source.LogIndex.Path)
			if err != nil {
				return nil, nil, err
			}
			return src, src.Close, nil
		default:
			return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
		}
	}
}

// lazySource opens its source on first Fetch, so a worker starts while the
// source is down. A failed open is retried by the next Fetch.
type lazySource struct {
	open openFunc

	mu    sync.Mutex
	src   source.RecordSource
	close func() error
}

func (l *lazySource) Fetch(ctx context.Context, cursor string, limit int) (source.Page, error) {
	l.mu.Lock()
	if l.src == nil {
		src, closeFn, err := l.open(ctx)
		if err != nil {
			l.mu.Unlock()
			return source.Page{}, err
		}
		l.src, l.close = src, closeFn
	}
	src := l.src
	l.mu.Unlock()
	return src.Fetch(ctx, cursor, limit)
}

func (l *lazySource) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.close == nil {
		return nil
	}
	err := l.close()
	l.src, l.close = nil, nil
	return err
}
