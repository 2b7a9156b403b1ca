// Package storage tests for content-addressed blob storage.
package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
)

// =====================================================
// Hash Tests
// =====================================================

// TestCalculateHash verifies SHA-256 hash calculation.
func TestCalculateHash(t *testing.T) {
	got := CalculateHash([]byte(""))
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("CalculateHash(empty) = %s, want %s", got, want)
	}
	if CalculateHash([]byte("a")) == CalculateHash([]byte("b")) {
		t.Error("different content produced the same hash")
	}
}

// TestValidHash verifies hash shape checks.
func TestValidHash(t *testing.T) {
	if !ValidHash(CalculateHash([]byte("x"))) {
		t.Error("real hash rejected")
	}
	for _, h := range []string{"", "abc", strings.Repeat("z", 64), "../../etc/passwd"} {
		if ValidHash(h) {
			t.Errorf("ValidHash(%q) = true", h)
		}
	}
}

// =====================================================
// BlobStore Tests
// =====================================================

// TestBlobStore_PutGet verifies storing and retrieving a blob.
func TestBlobStore_PutGet(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	data := []byte("snapshot payload")

	sum, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if sum != CalculateHash(data) {
		t.Errorf("Put() hash = %s, want %s", sum, CalculateHash(data))
	}
	if !s.Exists(sum) {
		t.Error("Exists() = false after Put")
	}

	got, err := s.Get(sum)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}

	size, err := s.Size(sum)
	if err != nil || size != int64(len(data)) {
		t.Errorf("Size() = %d, %v", size, err)
	}
}

// TestBlobStore_PutDeduplicates verifies identical content is stored once.
func TestBlobStore_PutDeduplicates(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	a, _ := s.Put([]byte("same"))
	b, _ := s.Put([]byte("same"))
	if a != b {
		t.Errorf("hashes differ: %s vs %s", a, b)
	}
	hashes, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(hashes) != 1 {
		t.Errorf("List() = %v, want one blob", hashes)
	}
}

// TestBlobStore_PutLeavesNoTempFiles verifies the temp file is renamed away.
func TestBlobStore_PutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewBlobStore(dir)
	sum, _ := s.Put([]byte("payload"))

	entries, err := os.ReadDir(filepath.Join(dir, sum[0:2], sum[2:4]))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != sum {
		t.Errorf("fan-out dir entries = %v", entries)
	}
}

// TestBlobStore_GetMissing verifies a missing blob is ErrBackupNotFound.
func TestBlobStore_GetMissing(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	_, err := s.Get(CalculateHash([]byte("never stored")))
	if !apperrors.Is(err, apperrors.ErrBackupNotFound) {
		t.Errorf("Get() error = %v, want BACKUP_NOT_FOUND", err)
	}
	if _, err := s.Get("not-a-hash"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Get(invalid) error = %v, want INVALID_INPUT", err)
	}
}

// TestBlobStore_GetCorrupted verifies tampered bytes are ErrCorruptBackup.
func TestBlobStore_GetCorrupted(t *testing.T) {
	dir := t.TempDir()
	s := NewBlobStore(dir)
	sum, _ := s.Put([]byte("original data"))

	path := filepath.Join(dir, sum[0:2], sum[2:4], sum)
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := s.Get(sum)
	if !apperrors.Is(err, apperrors.ErrCorruptBackup) {
		t.Fatalf("Get() error = %v, want CORRUPT_BACKUP", err)
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("error should mention hash mismatch, got %v", err)
	}

	corrupted, err := s.VerifyAll()
	if err != nil {
		t.Fatalf("VerifyAll() error = %v", err)
	}
	if len(corrupted) != 1 || corrupted[0] != sum {
		t.Errorf("VerifyAll() = %v, want [%s]", corrupted, sum)
	}
}

// TestBlobStore_Delete verifies deletion and directory cleanup.
func TestBlobStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := NewBlobStore(dir)
	sum, _ := s.Put([]byte("to delete"))

	if err := s.Delete(sum); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists(sum) {
		t.Error("Exists() = true after Delete")
	}
	if _, err := os.Stat(filepath.Join(dir, sum[0:2])); !os.IsNotExist(err) {
		t.Error("empty fan-out directory not removed")
	}
	if err := s.Delete(sum); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}

// TestBlobStore_ListEmpty verifies a missing root lists nothing.
func TestBlobStore_ListEmpty(t *testing.T) {
	s := NewBlobStore(filepath.Join(t.TempDir(), "absent"))
	hashes, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(hashes) != 0 {
		t.Errorf("List() = %v, want empty", hashes)
	}
	total, err := s.TotalSize()
	if err != nil || total != 0 {
		t.Errorf("TotalSize() = %d, %v", total, err)
	}
}

// TestBlobStore_TotalSize verifies sizes are summed.
func TestBlobStore_TotalSize(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	s.Put([]byte("12345"))
	s.Put([]byte("abc"))
	total, err := s.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize() error = %v", err)
	}
	if total != 8 {
		t.Errorf("TotalSize() = %d, want 8", total)
	}
}

// =====================================================
// StreamingHash Tests
// =====================================================

// TestStreamingHash verifies hashing while writing.
func TestStreamingHash(t *testing.T) {
	var buf bytes.Buffer
	h := NewStreamingHash(&buf)
	h.Write([]byte("hello "))
	h.Write([]byte("world"))

	if buf.String() != "hello world" {
		t.Errorf("written = %q", buf.String())
	}
	if h.Hash() != CalculateHash([]byte("hello world")) {
		t.Error("streaming hash differs from one-shot hash")
	}
}
