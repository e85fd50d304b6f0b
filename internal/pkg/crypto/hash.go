// Package crypto provides content digest utilities for the Abnormal file vault.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Algorithm selects the content digest function. All algorithms produce a
// 256-bit digest so the hex representation is always 64 characters.
type Algorithm string

const (
	// AlgorithmSHA256 is the default and the wire-compatible choice:
	// browser clients compute SHA-256 via SubtleCrypto.
	AlgorithmSHA256 Algorithm = "sha256"

	// AlgorithmBLAKE2b is a faster alternative for deployments where no
	// client-side preflight hashing happens.
	AlgorithmBLAKE2b Algorithm = "blake2b"
)

// DigestHexLength is the length of a hex-encoded 256-bit digest.
const DigestHexLength = 64

// Hasher computes content digests for the configured algorithm.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher creates a Hasher. An unknown algorithm falls back to SHA-256.
func NewHasher(algorithm Algorithm) *Hasher {
	switch algorithm {
	case AlgorithmSHA256, AlgorithmBLAKE2b:
	default:
		algorithm = AlgorithmSHA256
	}
	return &Hasher{algorithm: algorithm}
}

// Algorithm returns the configured digest algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// newHash returns a fresh hash.Hash for the configured algorithm.
func (h *Hasher) newHash() hash.Hash {
	if h.algorithm == AlgorithmBLAKE2b {
		// Unkeyed blake2b never errors.
		bh, _ := blake2b.New256(nil)
		return bh
	}
	return sha256.New()
}

// Sum computes the hex-encoded digest of a byte slice.
func (h *Hasher) Sum(data []byte) string {
	hh := h.newHash()
	hh.Write(data)
	return hex.EncodeToString(hh.Sum(nil))
}

// SumReader computes the hex-encoded digest of a reader's content in a
// single streaming pass. Returns the digest and the number of bytes read.
func (h *Hasher) SumReader(r io.Reader) (string, int64, error) {
	hh := h.newHash()
	size, err := io.Copy(hh, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to compute %s digest: %w", h.algorithm, err)
	}
	return hex.EncodeToString(hh.Sum(nil)), size, nil
}

// NewReader wraps r so the digest accumulates as the stream is consumed.
func (h *Hasher) NewReader(r io.Reader) *HashReader {
	return &HashReader{
		reader: r,
		hash:   h.newHash(),
	}
}

// HashReader wraps an io.Reader and computes the content digest while
// reading, so large uploads are hashed without buffering them in memory.
type HashReader struct {
	reader   io.Reader
	hash     hash.Hash
	size     int64
	finished bool
}

// Read implements io.Reader and updates the digest computation.
func (h *HashReader) Read(p []byte) (n int, err error) {
	n, err = h.reader.Read(p)
	if n > 0 {
		h.hash.Write(p[:n])
		h.size += int64(n)
	}
	if err == io.EOF {
		h.finished = true
	}
	return n, err
}

// Digest returns the hex-encoded digest of everything read so far.
// Should only be called after reading is complete.
func (h *HashReader) Digest() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

// Size returns the total number of bytes read.
func (h *HashReader) Size() int64 {
	return h.size
}

// IsFinished returns true if EOF was reached.
func (h *HashReader) IsFinished() bool {
	return h.finished
}

// ValidateDigest validates that a string is a 64-character hex digest.
func ValidateDigest(digest string) bool {
	if len(digest) != DigestHexLength {
		return false
	}
	for _, c := range digest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
