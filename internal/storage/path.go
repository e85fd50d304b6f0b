// Package storage defines interfaces for blob storage backends.
package storage

import (
	"path/filepath"
)

// PathConfig holds configuration for storage path generation.
type PathConfig struct {
	// BasePath is the root directory (or key prefix) for blob storage.
	BasePath string

	// ShardLevels is the number of directory levels for sharding.
	ShardLevels int

	// ShardWidth is the number of digest characters per shard level.
	ShardWidth int
}

// DefaultPathConfig returns 2-level, 2-character sharding, which keeps
// directory fan-out manageable for millions of blobs.
func DefaultPathConfig(basePath string) PathConfig {
	return PathConfig{
		BasePath:    basePath,
		ShardLevels: 2,
		ShardWidth:  2,
	}
}

// ComputePath generates the storage path for a content hash.
//
// Example with default config:
//
//	hash: "abcdef1234567890..."
//	basePath: "/data"
//	result: "/data/ab/cd/abcdef1234567890..."
func ComputePath(config PathConfig, contentHash string) string {
	minLength := config.ShardLevels * config.ShardWidth
	if len(contentHash) < minLength {
		return filepath.Join(config.BasePath, contentHash)
	}

	components := make([]string, 0, config.ShardLevels+2)
	components = append(components, config.BasePath)

	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		components = append(components, contentHash[offset:offset+config.ShardWidth])
		offset += config.ShardWidth
	}

	components = append(components, contentHash)

	return filepath.Join(components...)
}

// GetShardPath returns the directory path for a hash without the filename.
// Used to create the directory structure before an atomic rename.
func GetShardPath(config PathConfig, contentHash string) string {
	minLength := config.ShardLevels * config.ShardWidth
	if len(contentHash) < minLength {
		return config.BasePath
	}

	components := make([]string, 0, config.ShardLevels+1)
	components = append(components, config.BasePath)

	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		components = append(components, contentHash[offset:offset+config.ShardWidth])
		offset += config.ShardWidth
	}

	return filepath.Join(components...)
}
