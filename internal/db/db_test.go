// Package db tests for database connection management and the local store.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// deterministic, strictly increasing clock
	var tick int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	})
	return store
}

// =====================================================
// Open / Migrate Tests
// =====================================================

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", walMode)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	if _, err := Open("/dev/null/invalid_path/that/cannot/be/created"); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestMigrate verifies the embedded schema applies and is idempotent.
func TestMigrate(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != 1 {
		t.Errorf("SchemaVersion() = %d, want 1", version)
	}

	for _, table := range []string{"records", "pending_operations", "backups", "migration_keys", "migrations"} {
		var n int
		if err := db.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table); err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}
}

// =====================================================
// Record Tests
// =====================================================

// TestPutRecord_versioning verifies version and watermark bumps.
func TestPutRecord_versioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := models.UserNamespace("u1")

	first, err := s.PutRecord(ctx, ns, models.EntityWorkout, "w1", json.RawMessage(`{"sets":3}`))
	if err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}
	second, err := s.PutRecord(ctx, ns, models.EntityWorkout, "w1", json.RawMessage(`{"sets":4}`))
	if err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}

	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq did not advance: %d -> %d", first.Seq, second.Seq)
	}

	got, err := s.GetRecord(ctx, ns, models.EntityWorkout, "w1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if string(got.Data) != `{"sets":4}` || !got.Divergent() {
		t.Errorf("GetRecord() = %+v", got)
	}
}

// TestPutRecord_invalid verifies input validation.
func TestPutRecord_invalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		et   models.EntityType
		id   string
		data string
	}{
		{"unknown type", "sleep", "x", `{}`},
		{"empty id", models.EntityWorkout, "", `{}`},
		{"bad json", models.EntityWorkout, "x", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PutRecord(ctx, models.GuestNamespace, tt.et, tt.id, json.RawMessage(tt.data))
			if !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("PutRecord() error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

// TestDeleteRecord verifies tombstones.
func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := models.GuestNamespace

	if _, err := s.DeleteRecord(ctx, ns, models.EntityProgress, "p1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("DeleteRecord(missing) error = %v, want NOT_FOUND", err)
	}

	if _, err := s.PutRecord(ctx, ns, models.EntityProgress, "p1", json.RawMessage(`{"kg":80}`)); err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}
	tomb, err := s.DeleteRecord(ctx, ns, models.EntityProgress, "p1")
	if err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	if !tomb.Deleted || tomb.Version != 2 {
		t.Errorf("tombstone = %+v", tomb)
	}

	live, _ := s.ListRecords(ctx, ns, false)
	all, _ := s.ListRecords(ctx, ns, true)
	if len(live) != 0 || len(all) != 1 {
		t.Errorf("live=%d all=%d, want 0 and 1", len(live), len(all))
	}
}

// TestRecordsSince verifies watermark filtering.
func TestRecordsSince(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := models.UserNamespace("u1")

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.PutRecord(ctx, ns, models.EntityNutrition, id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("PutRecord() failed: %v", err)
		}
	}
	mark, _ := s.MaxSeq(ctx)
	if _, err := s.PutRecord(ctx, ns, models.EntityNutrition, "b", json.RawMessage(`{"kcal":1}`)); err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}

	recs, err := s.RecordsSince(ctx, mark)
	if err != nil {
		t.Fatalf("RecordsSince() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != "b" {
		t.Errorf("RecordsSince() = %+v, want only b", recs)
	}
}

// TestMarkSynced verifies stale confirmations are ignored.
func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := models.UserNamespace("u1")

	s.PutRecord(ctx, ns, models.EntityProfile, "me", json.RawMessage(`{"v":1}`))
	s.PutRecord(ctx, ns, models.EntityProfile, "me", json.RawMessage(`{"v":2}`))

	if err := s.MarkSynced(ctx, ns, models.EntityProfile, "me", 2); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, ns, models.EntityProfile, "me", 1); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	got, _ := s.GetRecord(ctx, ns, models.EntityProfile, "me")
	if got.SyncedVersion != 2 || got.Divergent() {
		t.Errorf("SyncedVersion = %d, want 2", got.SyncedVersion)
	}

	divergent, _ := s.DivergentRecords(ctx)
	if len(divergent) != 0 {
		t.Errorf("DivergentRecords() = %d, want 0", len(divergent))
	}
}

// TestReplaceRecords_atomic verifies a failing record rolls back the batch.
func TestReplaceRecords_atomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := models.UserNamespace("u1")
	s.PutRecord(ctx, ns, models.EntityWorkout, "w1", json.RawMessage(`{"v":1}`))

	batch := []models.Record{
		{Namespace: ns, EntityType: models.EntityWorkout, EntityID: "w1", Data: json.RawMessage(`{"v":9}`), Version: 5, UpdatedAt: 1},
		{Namespace: ns, EntityType: "bogus", EntityID: "x", Version: 1, UpdatedAt: 1},
	}
	if err := s.ReplaceRecords(ctx, batch); err == nil {
		t.Fatal("ReplaceRecords() with invalid record should fail")
	}

	got, _ := s.GetRecord(ctx, ns, models.EntityWorkout, "w1")
	if string(got.Data) != `{"v":1}` {
		t.Errorf("partial apply leaked: %s", got.Data)
	}

	if err := s.ReplaceRecords(ctx, batch[:1]); err != nil {
		t.Fatalf("ReplaceRecords() failed: %v", err)
	}
	got, _ = s.GetRecord(ctx, ns, models.EntityWorkout, "w1")
	if string(got.Data) != `{"v":9}` || got.Version != 5 {
		t.Errorf("ReplaceRecords() result = %+v", got)
	}
}

// =====================================================
// Queue Persistence Tests
// =====================================================

// TestOperations verifies save, update, load and delete.
func TestOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	op := &models.PendingOperation{
		ID: "op-1", Namespace: models.UserNamespace("u1"), EntityType: models.EntityWorkout, EntityID: "w1",
		Kind: models.OperationUpsert, Payload: json.RawMessage(`{"a":1}`), PayloadVersion: 1, Seq: 1,
		CreatedAt: 10, UpdatedAt: 10,
	}
	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation() failed: %v", err)
	}
	op.Payload = json.RawMessage(`{"a":2}`)
	op.AttemptCount = 2
	op.Dead = true
	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation(update) failed: %v", err)
	}

	ops, err := s.LoadOperations(ctx)
	if err != nil {
		t.Fatalf("LoadOperations() failed: %v", err)
	}
	if len(ops) != 1 || string(ops[0].Payload) != `{"a":2}` || ops[0].AttemptCount != 2 || !ops[0].Dead {
		t.Errorf("LoadOperations() = %+v", ops)
	}

	live, dead, _ := s.CountOperations(ctx)
	if live != 0 || dead != 1 {
		t.Errorf("CountOperations() = %d, %d, want 0, 1", live, dead)
	}

	if err := s.DeleteOperation(ctx, "op-1"); err != nil {
		t.Fatalf("DeleteOperation() failed: %v", err)
	}
	ops, _ = s.LoadOperations(ctx)
	if len(ops) != 0 {
		t.Errorf("operation not deleted")
	}
}

// =====================================================
// Backup Index Tests
// =====================================================

// TestBackupIndex verifies insert, ordering, lookup and deletion.
func TestBackupIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if latest, err := s.LatestBackup(ctx); err != nil || latest != nil {
		t.Errorf("LatestBackup(empty) = %v, %v", latest, err)
	}

	sum := "0000000000000000000000000000000000000000000000000000000000000000"
	for i, id := range []string{"b1", "b2"} {
		rec := &models.BackupRecord{
			ID: id, Type: models.BackupFull, CreatedAt: int64(i + 1), SizeBytes: 10, Checksum: sum,
			EntityCounts: models.EntityCounts{models.EntityWorkout: i + 1},
		}
		if err := s.InsertBackup(ctx, rec); err != nil {
			t.Fatalf("InsertBackup() failed: %v", err)
		}
	}

	list, _ := s.ListBackups(ctx)
	if len(list) != 2 || list[0].ID != "b1" || list[1].EntityCounts[models.EntityWorkout] != 2 {
		t.Errorf("ListBackups() = %+v", list)
	}
	latest, _ := s.LatestBackup(ctx)
	if latest.ID != "b2" {
		t.Errorf("LatestBackup() = %s, want b2", latest.ID)
	}
	if n, _ := s.ChecksumRefs(ctx, sum); n != 2 {
		t.Errorf("ChecksumRefs() = %d, want 2", n)
	}

	s.DeleteBackup(ctx, "b1")
	if _, err := s.GetBackup(ctx, "b1"); !apperrors.Is(err, apperrors.ErrBackupNotFound) {
		t.Errorf("GetBackup(deleted) error = %v", err)
	}
}

// =====================================================
// Migration Marker Tests
// =====================================================

// TestCopyGuestRecord verifies marker-guarded copying.
func TestCopyGuestRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	guest, _ := s.PutRecord(ctx, models.GuestNamespace, models.EntityWorkout, "w1", json.RawMessage(`{"guest":true}`))

	outcome, err := s.CopyGuestRecord(ctx, "u1", *guest)
	if err != nil || outcome != CopyApplied {
		t.Fatalf("CopyGuestRecord() = %v, %v", outcome, err)
	}
	outcome, _ = s.CopyGuestRecord(ctx, "u1", *guest)
	if outcome != CopyAlreadyMarked {
		t.Errorf("second CopyGuestRecord() = %v, want CopyAlreadyMarked", outcome)
	}

	copied, err := s.GetRecord(ctx, models.UserNamespace("u1"), models.EntityWorkout, "w1")
	if err != nil || !copied.SameContent(guest) || copied.SyncedVersion != 0 {
		t.Errorf("copied = %+v, %v", copied, err)
	}

	// a newer account record wins over an older guest record
	older, _ := s.PutRecord(ctx, models.GuestNamespace, models.EntityProfile, "me", json.RawMessage(`{"name":"guest"}`))
	s.PutRecord(ctx, models.UserNamespace("u1"), models.EntityProfile, "me", json.RawMessage(`{"name":"account"}`))
	if outcome, _ := s.CopyGuestRecord(ctx, "u1", *older); outcome != CopyKeptExisting {
		t.Errorf("CopyGuestRecord(older) = %v, want CopyKeptExisting", outcome)
	}

	keys, _ := s.MigratedKeys(ctx, "u1")
	if len(keys) != 2 {
		t.Errorf("MigratedKeys() = %v", keys)
	}
}

// TestCompleteMigration verifies the marker and guest purge.
func TestCompleteMigration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, _ := s.PutRecord(ctx, models.GuestNamespace, models.EntityNutrition, "n1", json.RawMessage(`{}`))
	s.CopyGuestRecord(ctx, "u1", *rec)

	if m, _ := s.MigrationMarker(ctx, "u1"); m != nil {
		t.Fatalf("marker present before completion: %+v", m)
	}
	marker, err := s.CompleteMigration(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("CompleteMigration() failed: %v", err)
	}
	got, _ := s.MigrationMarker(ctx, "u1")
	if got == nil || got.MigratedKeys != 1 || got.CompletedAt != marker.CompletedAt {
		t.Errorf("MigrationMarker() = %+v", got)
	}
	if n, _ := s.CountRecords(ctx, models.GuestNamespace); n != 0 {
		t.Errorf("guest records left: %d", n)
	}
	if n, _ := s.CountRecords(ctx, models.UserNamespace("u1")); n != 1 {
		t.Errorf("user records = %d, want 1", n)
	}
}
