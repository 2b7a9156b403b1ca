// Package models tests for data model definitions.
package models

import (
	"testing"

	"github.com/goccy/go-json"
)

// =====================================================
// Namespace Tests
// =====================================================

// TestNamespace verifies guest/user namespace helpers.
func TestNamespace(t *testing.T) {
	ns := UserNamespace("u-42")
	if ns.IsGuest() {
		t.Error("user namespace reported as guest")
	}
	if got := ns.UserID(); got != "u-42" {
		t.Errorf("UserID() = %q, want %q", got, "u-42")
	}
	if !GuestNamespace.IsGuest() {
		t.Error("GuestNamespace.IsGuest() = false")
	}
	if got := GuestNamespace.UserID(); got != "" {
		t.Errorf("GuestNamespace.UserID() = %q, want empty", got)
	}
}

// =====================================================
// Record Tests
// =====================================================

// TestRecordKeys verifies key construction.
func TestRecordKeys(t *testing.T) {
	r := &Record{Namespace: UserNamespace("u1"), EntityType: EntityWorkout, EntityID: "w1"}

	if got, want := r.Key(), "user:u1/workout/w1"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if got, want := r.LocalKey(), "workout/w1"; got != want {
		t.Errorf("LocalKey() = %q, want %q", got, want)
	}
	if got, want := RemoteKey("u1", EntityWorkout, "w1"), "users/u1/workout/w1.json"; got != want {
		t.Errorf("RemoteKey() = %q, want %q", got, want)
	}
}

// TestRecordDivergent verifies divergence detection.
func TestRecordDivergent(t *testing.T) {
	r := &Record{Version: 3, SyncedVersion: 3}
	if r.Divergent() {
		t.Error("synced record reported divergent")
	}
	r.Version = 4
	if !r.Divergent() {
		t.Error("unsynced record not reported divergent")
	}
}

// TestRecordSameContent verifies payload comparison.
func TestRecordSameContent(t *testing.T) {
	a := &Record{Data: json.RawMessage(`{"kg":80}`)}
	b := &Record{Data: json.RawMessage(`{"kg":80}`), Version: 9}
	c := &Record{Data: json.RawMessage(`{"kg":81}`)}

	if !a.SameContent(b) {
		t.Error("equal payloads reported different")
	}
	if a.SameContent(c) {
		t.Error("different payloads reported equal")
	}
	if a.SameContent(nil) {
		t.Error("nil compared equal")
	}
}

// TestEntityTypeValid verifies known entity types.
func TestEntityTypeValid(t *testing.T) {
	for _, et := range EntityTypes {
		if !et.Valid() {
			t.Errorf("%q should be valid", et)
		}
	}
	if EntityType("sleep").Valid() {
		t.Error("unknown entity type reported valid")
	}
}

// =====================================================
// EntityCounts Tests
// =====================================================

// TestEntityCounts_ValueScan verifies the SQL round trip.
func TestEntityCounts_ValueScan(t *testing.T) {
	counts := EntityCounts{EntityWorkout: 3, EntityProgress: 2}

	v, err := counts.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var got EntityCounts
	if err := got.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got.Total() != 5 || got[EntityWorkout] != 3 {
		t.Errorf("Scan() = %v, want %v", got, counts)
	}

	if err := got.Scan(nil); err != nil || got.Total() != 0 {
		t.Errorf("Scan(nil) = %v, %v", got, err)
	}
	if err := got.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
}

// =====================================================
// PendingOperation Tests
// =====================================================

// TestPendingOperation_Clone verifies clones do not share payload memory.
func TestPendingOperation_Clone(t *testing.T) {
	op := &PendingOperation{ID: "1", Payload: json.RawMessage(`{"a":1}`), Namespace: UserNamespace("u")}
	c := op.Clone()
	c.Payload[2] = 'b'

	if string(op.Payload) != `{"a":1}` {
		t.Errorf("Clone shares payload: %s", op.Payload)
	}
	if got, want := op.RemoteKey(), "users/u//.json"; got != want {
		t.Errorf("RemoteKey() = %q, want %q", got, want)
	}
}
