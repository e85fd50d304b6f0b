// Package main is the entry point for the Abnormal file vault server.
// Abnormal is a content-addressed file store with transparent deduplication.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	memorycache "github.com/iamashishnishad/abnormal/internal/cache/memory"
	rediscache "github.com/iamashishnishad/abnormal/internal/cache/redis"
	"github.com/iamashishnishad/abnormal/internal/config"
	"github.com/iamashishnishad/abnormal/internal/handler"
	"github.com/iamashishnishad/abnormal/internal/lock"
	"github.com/iamashishnishad/abnormal/internal/metrics"
	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
	"github.com/iamashishnishad/abnormal/internal/repository"
	"github.com/iamashishnishad/abnormal/internal/repository/postgres"
	"github.com/iamashishnishad/abnormal/internal/repository/sqlite"
	"github.com/iamashishnishad/abnormal/internal/service"
	"github.com/iamashishnishad/abnormal/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger := newLogger(cfg.Logging)

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting abnormal file vault server")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fileRepo, blobRepo, statsRepo, closeDB, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDB()

	hasher := crypto.NewHasher(crypto.Algorithm(cfg.Dedup.Algorithm))

	backend, err := openBackend(ctx, cfg, hasher, logger)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}

	appCache, locker, closeCache, err := openCacheAndLocker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeCache()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("abnormal")
	}

	dedupSvc := service.NewDedupService(fileRepo, blobRepo, backend, locker, appCache, m, logger, service.DedupConfig{
		LockTTL:          cfg.Dedup.LockTTL,
		LockMaxRetries:   cfg.Dedup.LockMaxRetries,
		LockRetryDelay:   cfg.Dedup.LockRetryDelay,
		VerifyClientHash: cfg.Dedup.VerifyClientHash,
	})
	querySvc := service.NewQueryService(fileRepo, logger)
	statsSvc := service.NewStatsService(statsRepo, appCache, m, logger)

	gc := service.NewGarbageCollector(blobRepo, backend, locker, m, logger, service.GCConfig{
		Enabled:     cfg.GC.Enabled,
		Interval:    cfg.GC.Interval,
		GracePeriod: cfg.GC.GracePeriod,
		BatchSize:   cfg.GC.BatchSize,
		DryRun:      cfg.GC.DryRun,
	})
	if cfg.GC.Enabled {
		gc.Start()
		defer gc.Stop()
	}

	h := handler.NewFileHandler(dedupSvc, querySvc, statsSvc, hasher, cfg.Server.MaxUploadSize, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.NewRouter(h, m, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics, m, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}

// newLogger builds the process logger from config. Console format is for
// development; the default is structured JSON.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openRepositories builds the repository set for the configured driver.
func openRepositories(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (
	repository.FileRepository, repository.BlobRepository, repository.StatsRepository, func(), error,
) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, err
		}
		return postgres.NewFileRepository(db), postgres.NewBlobRepository(db), postgres.NewStatsRepository(db),
			func() { _ = db.Close() }, nil

	default: // sqlite
		sqliteCfg := sqlite.DefaultConfig(cfg.Database.Path)
		if cfg.Database.JournalMode != "" {
			sqliteCfg.JournalMode = cfg.Database.JournalMode
		}
		if cfg.Database.BusyTimeout > 0 {
			sqliteCfg.BusyTimeout = cfg.Database.BusyTimeout
		}
		if cfg.Database.SynchronousMode != "" {
			sqliteCfg.SynchronousMode = cfg.Database.SynchronousMode
		}
		db, err := sqlite.NewDB(ctx, sqliteCfg, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, err
		}
		return sqlite.NewFileRepository(db), sqlite.NewBlobRepository(db), sqlite.NewStatsRepository(db),
			func() { _ = db.Close() }, nil
	}
}

// openBackend builds the blob storage backend.
func openBackend(ctx context.Context, cfg *config.Config, hasher *crypto.Hasher, logger zerolog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Backend(ctx, storage.S3Config{
			Endpoint:        cfg.Storage.S3.Endpoint,
			Region:          cfg.Storage.S3.Region,
			Bucket:          cfg.Storage.S3.Bucket,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			KeyPrefix:       cfg.Storage.S3.KeyPrefix,
			TempDir:         cfg.Storage.TempDir,
		}, hasher, logger)

	default: // filesystem
		return storage.NewFilesystemBackend(storage.FilesystemConfig{
			DataDir:      cfg.Storage.DataDir,
			TempDir:      cfg.Storage.TempDir,
			VerifyOnRead: cfg.Storage.VerifyOnRead,
		}, hasher, logger)
	}
}

// openCacheAndLocker wires the cache and the digest lock to the same
// backing store: Redis when enabled (locks hold across instances), process
// memory otherwise (single instance only).
func openCacheAndLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (
	repository.Cache, lock.Locker, func(), error,
) {
	if cfg.Redis.Enabled {
		c, err := rediscache.NewCache(ctx, rediscache.Config{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return c, lock.NewRedisLocker(c.Client()), func() { _ = c.Client().Close() }, nil
	}

	c := memorycache.NewCache()
	return c, lock.NewMemoryLocker(), c.Stop, nil
}

// startMetricsServer serves Prometheus metrics on its own port.
func startMetricsServer(cfg config.MetricsConfig, m *metrics.Metrics, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("path", cfg.Path).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
