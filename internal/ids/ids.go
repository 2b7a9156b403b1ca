// Package ids generates identifiers for entities, queued operations and
// backups.
package ids

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewOperationID generates a UUID v4 for a pending operation.
func NewOperationID() string {
	return uuid.New().String()
}

// NewEntityID generates a UUID v4 for an entity created on this device.
func NewEntityID() string {
	return uuid.New().String()
}

// NewBackupID generates a ULID. Backup IDs sort lexically in creation order,
// which keeps the backup index ordered without a secondary timestamp.
func NewBackupID() string {
	return ulid.Make().String()
}

// BackupIDTime extracts the creation time encoded in a backup ID.
func BackupIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backup id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValidOperationID checks if a string is a valid UUID v4.
func IsValidOperationID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// IsValidBackupID checks if a string is a valid ULID.
func IsValidBackupID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
