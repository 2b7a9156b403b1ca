package backup

import (
	"context"
	"time"

	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// ServiceInterface defines the contract the integration layer and the
// backup scheduler use.
type ServiceInterface interface {
	// CreateBackup snapshots the local store.
	CreateBackup(ctx context.Context, typ models.BackupType, description string) (*models.BackupRecord, error)
	// ListBackups returns the backup index, oldest first.
	ListBackups(ctx context.Context) ([]models.BackupRecord, error)
	// RecoverFromBackup restores local state from a backup.
	RecoverFromBackup(ctx context.Context, opts RecoveryOptions) (*RecoveryResult, error)
	Status() BackupStatus
	SetNextBackupTime(t time.Time)
}

// Ensure *Service implements the interface at compile time.
var _ ServiceInterface = (*Service)(nil)
