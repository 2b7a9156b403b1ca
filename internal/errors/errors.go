// Package errors provides the error taxonomy shared by the sync, backup and
// migration subsystems and bridged to the UI layer as string codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrTransientNetwork    ErrorCode = "TRANSIENT_NETWORK"
	ErrPermanentValidation ErrorCode = "PERMANENT_VALIDATION"
	ErrSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncCancelled       ErrorCode = "SYNC_CANCELLED"
	ErrSchedulerDenied     ErrorCode = "SCHEDULER_DENIED"
	ErrQueueFull           ErrorCode = "QUEUE_FULL"
	ErrRemoteNotConfigured ErrorCode = "REMOTE_NOT_CONFIGURED"

	// Backup errors
	ErrCorruptBackup    ErrorCode = "CORRUPT_BACKUP"
	ErrBackupInProgress ErrorCode = "BACKUP_IN_PROGRESS"
	ErrBackupNotFound   ErrorCode = "BACKUP_NOT_FOUND"
	ErrBackupFailed     ErrorCode = "BACKUP_FAILED"
	ErrRestoreFailed    ErrorCode = "RESTORE_FAILED"

	// Guest migration errors
	ErrMigrationPartialFailure ErrorCode = "MIGRATION_PARTIAL_FAILURE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal for foreign errors. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Transient marks err as a retryable network-class failure.
func Transient(message string, err error) *AppError {
	return Wrap(ErrTransientNetwork, message, err)
}

// Permanent marks err as a validation failure the remote will never accept.
func Permanent(message string, err error) *AppError {
	return Wrap(ErrPermanentValidation, message, err)
}

// IsPermanent reports whether err must not be retried automatically.
func IsPermanent(err error) bool {
	return Is(err, ErrPermanentValidation)
}

// IsTransient reports whether err should go through the backoff path.
// Deadline expiry counts as transient; unclassified errors do too, since
// dropping a write is worse than retrying it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsPermanent(err)
}
