package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidObjectName is returned when a name resolves outside the storage root.
	ErrInvalidObjectName = errors.New("invalid object name")
	// ErrNotConfigured is returned when a backend is selected without its settings.
	ErrNotConfigured = errors.New("storage backend is not configured")
)

// Provider is the contract every storage backend fulfils. Presigned values
// are URLs for remote backends and locally routable token paths for the
// filesystem backend.
type Provider interface {
	PresignPut(ctx context.Context, objectName string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, objectName string, ttl time.Duration, fileName string) (string, error)
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, objectName string) error
	Name() string
}
