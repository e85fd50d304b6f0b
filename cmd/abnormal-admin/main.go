// Package main is the entry point for the Abnormal admin CLI.
// It provides operational commands: orphan-blob garbage collection and
// storage statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/config"
	"github.com/iamashishnishad/abnormal/internal/lock"
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
	dryRun := flag.Bool("dry-run", false, "log what GC would delete without deleting")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	switch command {
	case "version":
		fmt.Printf("Abnormal Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

	case "gc":
		if err := runGC(*configPath, *dryRun); err != nil {
			fmt.Fprintf(os.Stderr, "gc failed: %v\n", err)
			os.Exit(1)
		}

	case "stats":
		if err := printStats(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// runGC performs a single garbage collection sweep over orphan blobs.
func runGC(configPath string, dryRun bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	blobRepo, _, closeDB, err := openRepos(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	hasher := crypto.NewHasher(crypto.Algorithm(cfg.Dedup.Algorithm))
	backend, err := openBackend(ctx, cfg, hasher, logger)
	if err != nil {
		return err
	}

	gc := service.NewGarbageCollector(blobRepo, backend, lock.NewNoOpLocker(), nil, logger, service.GCConfig{
		GracePeriod: cfg.GC.GracePeriod,
		BatchSize:   cfg.GC.BatchSize,
		DryRun:      dryRun,
	})

	result := gc.RunOnce(ctx)
	fmt.Printf("blobs deleted:  %d\n", result.BlobsDeleted)
	fmt.Printf("bytes freed:    %d\n", result.BytesFreed)
	fmt.Printf("errors:         %d\n", result.Errors)
	fmt.Printf("remaining:      %d\n", result.OrphanBlobsRemaining)
	fmt.Printf("duration:       %s\n", result.Duration)
	return nil
}

// printStats prints aggregate storage statistics as JSON.
func printStats(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.Nop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, statsRepo, closeDB, err := openRepos(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := statsRepo.Snapshot(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

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
			DataDir: cfg.Storage.DataDir,
			TempDir: cfg.Storage.TempDir,
		}, hasher, logger)
	}
}

func openRepos(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (
	repository.BlobRepository, repository.StatsRepository, func(), error,
) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return postgres.NewBlobRepository(db), postgres.NewStatsRepository(db), func() { _ = db.Close() }, nil

	default: // sqlite
		db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(cfg.Database.Path), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return sqlite.NewBlobRepository(db), sqlite.NewStatsRepository(db), func() { _ = db.Close() }, nil
	}
}

func printUsage() {
	fmt.Println(`Abnormal Admin CLI

Usage:
  abnormal-admin [flags] <command>

Commands:
  gc          Run one garbage collection sweep over orphan blobs
  stats       Print aggregate storage statistics
  version     Print version information
  help        Show this help message

Flags:
  -config     Path to config file (env vars prefixed ABNORMAL_ also apply)
  -dry-run    With gc: log what would be deleted without deleting

Examples:
  abnormal-admin gc
  abnormal-admin -dry-run gc
  abnormal-admin stats`)
}
