package backup

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	"github.com/kimhsiao/fitlog/backend/internal/sync/storage"
)

// snapshotFormat is bumped whenever the payload layout changes.
const snapshotFormat = 1

// Snapshot is the payload stored for one backup: gzip-compressed JSON.
type Snapshot struct {
	Format    int               `json:"format"`
	BackupID  string            `json:"backup_id"`
	Type      models.BackupType `json:"type"`
	BaseID    string            `json:"base_id,omitempty"`
	CreatedAt int64             `json:"created_at"`
	Watermark int64             `json:"watermark"`
	Records   []models.Record   `json:"records"`
}

// encodeSnapshot returns the compressed payload and its SHA-256.
func encodeSnapshot(s *Snapshot) ([]byte, string, error) {
	var buf bytes.Buffer
	hasher := storage.NewStreamingHash(&buf)
	gz := gzip.NewWriter(hasher)
	if err := json.NewEncoder(gz).Encode(s); err != nil {
		gz.Close()
		return nil, "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), hasher.Hash(), nil
}

// decodeSnapshot reverses encodeSnapshot. Any failure means the payload is
// unusable and is reported as ErrCorruptBackup.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptBackup, "backup payload is not gzip", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptBackup, "backup payload truncated", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptBackup, "backup payload is not a snapshot", err)
	}
	return &s, nil
}

// validate checks a decoded snapshot against its index entry.
func (s *Snapshot) validate(rec *models.BackupRecord) error {
	corrupt := func(format string, args ...interface{}) error {
		return apperrors.New(apperrors.ErrCorruptBackup, fmt.Sprintf("backup %s: ", rec.ID)+fmt.Sprintf(format, args...))
	}
	if s.Format != snapshotFormat {
		return corrupt("unsupported snapshot format %d", s.Format)
	}
	if s.BackupID != rec.ID {
		return corrupt("payload belongs to backup %s", s.BackupID)
	}
	if s.Type != rec.Type {
		return corrupt("payload type %s, index says %s", s.Type, rec.Type)
	}

	seen := make(map[string]bool, len(s.Records))
	for i := range s.Records {
		r := &s.Records[i]
		if !r.EntityType.Valid() {
			return corrupt("unknown entity type %q", r.EntityType)
		}
		if r.EntityID == "" {
			return corrupt("record without id")
		}
		if !r.Namespace.IsGuest() && r.Namespace.UserID() == "" {
			return corrupt("invalid namespace %q", r.Namespace)
		}
		key := r.Key()
		if seen[key] {
			return corrupt("duplicate record %s", key)
		}
		seen[key] = true
		if !r.Deleted && !json.Valid(r.Data) {
			return corrupt("record %s has invalid data", key)
		}
	}

	counts := countEntities(s.Records)
	if counts.Total() != rec.EntityCounts.Total() {
		return corrupt("payload holds %d records, index says %d", counts.Total(), rec.EntityCounts.Total())
	}
	for et, n := range rec.EntityCounts {
		if counts[et] != n {
			return corrupt("payload holds %d %s records, index says %d", counts[et], et, n)
		}
	}
	return nil
}

// countEntities counts records per entity type, tombstones included.
func countEntities(recs []models.Record) models.EntityCounts {
	counts := models.EntityCounts{}
	for i := range recs {
		counts[recs[i].EntityType]++
	}
	return counts
}

// mergeChain folds snapshots oldest first. A later snapshot's record
// replaces an earlier one with the same key.
func mergeChain(chain []*Snapshot) []models.Record {
	byKey := make(map[string]models.Record)
	for _, s := range chain {
		for _, r := range s.Records {
			byKey[r.Key()] = r
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}
