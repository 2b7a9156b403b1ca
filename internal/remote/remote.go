// Package remote defines the remote object store the sync engine pushes to
// and classifies its failures into transient and permanent errors.
package remote

import (
	"context"
	"fmt"
	"net/http"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
)

// Store is an object store keyed by "users/<userID>/<entityType>/<entityID>.json".
type Store interface {
	// Put writes an object, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an object. Missing objects yield an error carrying
	// apperrors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ClassifyStatus maps an HTTP status code to the error taxonomy: 404 is
// NOT_FOUND; 408, 429 and 5xx are transient; other 4xx are permanent.
// Status codes below 400 yield nil.
func ClassifyStatus(status int, op string, cause error) error {
	msg := fmt.Sprintf("%s: status %d", op, status)
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrNotFound, msg, cause)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Transient(msg, cause)
	default:
		return apperrors.Permanent(msg, cause)
	}
}

// Unconfigured is the Store used when no remote is set up. Every call fails
// transiently so writes stay queued until a remote is configured.
type Unconfigured struct{}

func (Unconfigured) err(op string) error {
	return apperrors.Transient(op, apperrors.New(apperrors.ErrRemoteNotConfigured, "no remote store configured"))
}

// Put implements Store.
func (u Unconfigured) Put(context.Context, string, []byte) error { return u.err("put") }

// Get implements Store.
func (u Unconfigured) Get(context.Context, string) ([]byte, error) { return nil, u.err("get") }

// Delete implements Store.
func (u Unconfigured) Delete(context.Context, string) error { return u.err("delete") }

// List implements Store.
func (u Unconfigured) List(context.Context, string) ([]string, error) { return nil, u.err("list") }
