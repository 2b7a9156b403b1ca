// Package storage keeps backup payloads on disk, addressed by the SHA-256
// of their bytes. Identical payloads are stored once.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

// BlobStore stores blobs at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// Dir returns the root directory.
func (s *BlobStore) Dir() string {
	return s.baseDir
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h looks like a hex SHA-256.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// Put stores data and returns its hash. The blob is written to a temporary
// file and renamed into place, so a crash never leaves a partial blob
// under a valid name.
func (s *BlobStore) Put(data []byte) (string, error) {
	sum := CalculateHash(data)
	path := s.path(sum)

	if _, err := os.Stat(path); err == nil {
		return sum, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	logging.Debug("[BlobStore] Stored blob", map[string]interface{}{
		"hash": sum, "size": humanize.Bytes(uint64(len(data))),
	})
	return sum, nil
}

// Get returns the blob for sum after verifying its hash. A missing blob is
// ErrBackupNotFound; a blob whose bytes no longer match is ErrCorruptBackup.
func (s *BlobStore) Get(sum string) ([]byte, error) {
	if !ValidHash(sum) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid blob hash %q", sum))
	}
	data, err := os.ReadFile(s.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrBackupNotFound, "backup payload missing", err)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if got := CalculateHash(data); got != sum {
		return nil, apperrors.New(apperrors.ErrCorruptBackup,
			fmt.Sprintf("hash mismatch: expected %s, got %s", sum, got))
	}
	return data, nil
}

// Read returns the blob for sum without checking its hash.
func (s *BlobStore) Read(sum string) ([]byte, error) {
	if !ValidHash(sum) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid blob hash %q", sum))
	}
	data, err := os.ReadFile(s.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrBackupNotFound, "backup payload missing", err)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Verify checks the stored bytes of sum without returning them.
func (s *BlobStore) Verify(sum string) error {
	_, err := s.Get(sum)
	return err
}

// Exists reports whether a blob is stored for sum.
func (s *BlobStore) Exists(sum string) bool {
	if !ValidHash(sum) {
		return false
	}
	_, err := os.Stat(s.path(sum))
	return err == nil
}

// Delete removes a blob. Deleting a missing blob is not an error. Empty
// fan-out directories are removed too.
func (s *BlobStore) Delete(sum string) error {
	if !ValidHash(sum) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid blob hash %q", sum))
	}
	path := s.path(sum)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	dir := filepath.Dir(path)
	_ = os.Remove(dir)
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// Size returns the stored size of a blob.
func (s *BlobStore) Size(sum string) (int64, error) {
	info, err := os.Stat(s.path(sum))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apperrors.Wrap(apperrors.ErrBackupNotFound, "backup payload missing", err)
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// List returns every stored hash in sorted order.
func (s *BlobStore) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if name := d.Name(); ValidHash(name) {
			hashes = append(hashes, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk storage: %w", err)
	}
	sort.Strings(hashes)
	return hashes, nil
}

// TotalSize returns the bytes used by every stored blob.
func (s *BlobStore) TotalSize() (int64, error) {
	hashes, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, h := range hashes {
		n, err := s.Size(h)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// VerifyAll re-hashes every blob and returns the corrupted ones.
func (s *BlobStore) VerifyAll() ([]string, error) {
	hashes, err := s.List()
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, h := range hashes {
		if err := s.Verify(h); err != nil {
			corrupted = append(corrupted, h)
		}
	}
	return corrupted, nil
}

func (s *BlobStore) path(sum string) string {
	return filepath.Join(s.baseDir, sum[0:2], sum[2:4], sum)
}

// StreamingHash hashes everything written through it.
type StreamingHash struct {
	hash   hash.Hash
	writer io.Writer
}

// NewStreamingHash wraps writer.
func NewStreamingHash(writer io.Writer) *StreamingHash {
	return &StreamingHash{hash: sha256.New(), writer: writer}
}

// Write writes p and updates the hash.
func (s *StreamingHash) Write(p []byte) (int, error) {
	n, err := s.writer.Write(p)
	s.hash.Write(p[:n])
	return n, err
}

// Hash returns the hex SHA-256 of the bytes written so far.
func (s *StreamingHash) Hash() string {
	return hex.EncodeToString(s.hash.Sum(nil))
}
