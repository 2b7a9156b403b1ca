// Package ids provides unit tests for identifier generation.
package ids

import (
	"sort"
	"testing"
	"time"
)

// TestNewOperationID tests that operation IDs are valid, unique UUID v4 strings.
func TestNewOperationID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOperationID()
		if !IsValidOperationID(id) {
			t.Fatalf("Generated ID does not match v4 format: %s", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

// TestNewEntityID tests that entity IDs are UUID v4 strings.
func TestNewEntityID(t *testing.T) {
	id := NewEntityID()
	if !IsValidOperationID(id) {
		t.Errorf("NewEntityID() = %s, not a v4 UUID", id)
	}
	if id == NewEntityID() {
		t.Error("NewEntityID() returned the same ID twice")
	}
}

// TestNewBackupID_sortable tests that backup IDs sort in creation order.
func TestNewBackupID_sortable(t *testing.T) {
	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, NewBackupID())
		time.Sleep(2 * time.Millisecond)
	}

	sorted := append([]string(nil), created...)
	sort.Strings(sorted)
	for i := range created {
		if created[i] != sorted[i] {
			t.Fatalf("backup IDs not lexically ordered: %v", created)
		}
	}
}

// TestBackupIDTime tests time extraction.
func TestBackupIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewBackupID()

	ts, err := BackupIDTime(id)
	if err != nil {
		t.Fatalf("BackupIDTime() error = %v", err)
	}
	if ts.Before(before) {
		t.Errorf("BackupIDTime() = %v, want after %v", ts, before)
	}

	if _, err := BackupIDTime("not-a-ulid"); err == nil {
		t.Error("expected error for invalid ID")
	}
}

// TestIsValid tests validation helpers.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) bool
		in   string
		want bool
	}{
		{"valid uuid", IsValidOperationID, "550e8400-e29b-41d4-a716-446655440000", true},
		{"uuid v1", IsValidOperationID, "550e8400-e29b-11d4-a716-446655440000", false},
		{"empty uuid", IsValidOperationID, "", false},
		{"valid ulid", IsValidBackupID, "01ARZ3NDEKTSV4RRFFQ69G5FAV", true},
		{"short ulid", IsValidBackupID, "01ARZ3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != tt.want {
				t.Errorf("got %v, want %v for %q", got, tt.want, tt.in)
			}
		})
	}
}
