package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
)

// FilesystemBackend stores blobs on the local filesystem under a
// content-addressed, sharded layout. Writes go to a temp file first and are
// renamed into place, so Retrieve never observes a partial blob.
type FilesystemBackend struct {
	pathConfig   PathConfig
	tempDir      string
	hasher       *crypto.Hasher
	verifyOnRead bool
	logger       zerolog.Logger
}

// FilesystemConfig contains configuration for the filesystem backend.
type FilesystemConfig struct {
	// DataDir is the root directory for blob storage.
	DataDir string

	// TempDir is where in-flight uploads are spooled. Must be on the
	// same filesystem as DataDir for rename to be atomic.
	TempDir string

	// VerifyOnRead re-hashes content during Retrieve and fails the read
	// with ErrDigestMismatch if the stored bytes have been corrupted.
	VerifyOnRead bool
}

// NewFilesystemBackend creates a filesystem backend rooted at cfg.DataDir.
func NewFilesystemBackend(cfg FilesystemConfig, hasher *crypto.Hasher, logger zerolog.Logger) (*FilesystemBackend, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(cfg.DataDir, ".tmp")
	}

	for _, dir := range []string{cfg.DataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}

	return &FilesystemBackend{
		pathConfig:   DefaultPathConfig(cfg.DataDir),
		tempDir:      tempDir,
		hasher:       hasher,
		verifyOnRead: cfg.VerifyOnRead,
		logger:       logger.With().Str("storage", "filesystem").Logger(),
	}, nil
}

// Store spools the content to a temp file while hashing it, then renames
// the temp file into its content-addressed location. If a blob for the
// digest already exists the temp file is discarded: first writer wins.
func (b *FilesystemBackend) Store(ctx context.Context, reader io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(b.tempDir, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hr := b.hasher.NewReader(reader)
	size, err := io.Copy(tmp, hr)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to spool content: %w", err)
	}

	contentHash := hr.Digest()
	finalPath := ComputePath(b.pathConfig, contentHash)

	if _, err := os.Stat(finalPath); err == nil {
		// Already stored by an earlier (or concurrent) upload.
		return contentHash, size, nil
	}

	if err := os.MkdirAll(GetShardPath(b.pathConfig, contentHash), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create shard dir: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		// A concurrent writer may have won the rename; identical content
		// makes that outcome equivalent to ours.
		if _, statErr := os.Stat(finalPath); statErr == nil {
			return contentHash, size, nil
		}
		return "", 0, fmt.Errorf("failed to place blob: %w", err)
	}

	b.logger.Debug().
		Str("content_hash", contentHash).
		Int64("size", size).
		Msg("blob stored")

	return contentHash, size, nil
}

// Retrieve opens the blob for a digest. With verify-on-read enabled the
// returned reader re-hashes the stream and fails at EOF on mismatch.
func (b *FilesystemBackend) Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(ComputePath(b.pathConfig, contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	if !b.verifyOnRead {
		return f, nil
	}

	return &verifyingReadCloser{
		inner:    f,
		hr:       b.hasher.NewReader(f),
		expected: contentHash,
	}, nil
}

// Delete removes the blob file for a digest and prunes the shard directory
// if it became empty.
func (b *FilesystemBackend) Delete(ctx context.Context, contentHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := ComputePath(b.pathConfig, contentHash)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	// Best effort: empty shard dirs are cosmetic, failures are ignored.
	_ = os.Remove(filepath.Dir(path))

	b.logger.Debug().Str("content_hash", contentHash).Msg("blob deleted")
	return nil
}

// Exists checks whether a blob file is present for the digest.
func (b *FilesystemBackend) Exists(ctx context.Context, contentHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(ComputePath(b.pathConfig, contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// GetSize returns the size of the stored blob.
func (b *FilesystemBackend) GetSize(ctx context.Context, contentHash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := os.Stat(ComputePath(b.pathConfig, contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// GetPath returns the filesystem path for a digest.
func (b *FilesystemBackend) GetPath(contentHash string) string {
	return ComputePath(b.pathConfig, contentHash)
}

// Walk visits every stored blob. In-flight spool files under the temp dir
// are skipped; the blob's digest is its file name.
func (b *FilesystemBackend) Walk(ctx context.Context, fn func(contentHash string, size int64, modTime time.Time) error) error {
	return filepath.WalkDir(b.pathConfig.BasePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if p == b.tempDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(p, b.tempDir+string(filepath.Separator)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(d.Name(), info.Size(), info.ModTime())
	})
}

// verifyingReadCloser re-hashes the stream as it is consumed and surfaces
// ErrDigestMismatch instead of io.EOF when the content is corrupted.
type verifyingReadCloser struct {
	inner    io.Closer
	hr       *crypto.HashReader
	expected string
}

func (v *verifyingReadCloser) Read(p []byte) (int, error) {
	n, err := v.hr.Read(p)
	if err == io.EOF {
		if v.hr.Digest() != v.expected {
			return n, fmt.Errorf("%w: digest %s", ErrDigestMismatch, v.expected)
		}
	}
	return n, err
}

func (v *verifyingReadCloser) Close() error {
	return v.inner.Close()
}

// Ensure FilesystemBackend implements Backend and Walker.
var (
	_ Backend = (*FilesystemBackend)(nil)
	_ Walker  = (*FilesystemBackend)(nil)
)
