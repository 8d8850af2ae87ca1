// Package registry provides the Session Registry: the canonical, crash-safe
// mapping of session handle to Session Record. It replaces the module-level
// map-plus-mutex pattern the upload handling in this codebase used to carry
// with an explicit, injectable store that enforces single-writer-per-handle
// discipline and survives a process restart when backed by Redis.
package registry

import (
	"context"
	"time"

	"github.com/chunkflow/coordinator/internal/models"
)

// Stats summarizes registry contents for the monitoring endpoint.
type Stats struct {
	TotalUploads  int64
	ActiveUploads int64
	FailedUploads int64
	TotalSize     int64
}

// Store is the Session Registry contract. Every mutation is serialized per
// handle; Update's mutator runs under that handle's critical section and may
// abort the transition by returning an error, leaving the record unchanged.
type Store interface {
	Create(ctx context.Context, rec *models.Record) error
	Get(ctx context.Context, handle string) (*models.Record, error)
	Update(ctx context.Context, handle string, mutate func(*models.Record) error) (*models.Record, error)
	ScanByLastActivityBefore(ctx context.Context, before time.Time, statuses []models.Status) ([]*models.Record, error)
	ScanCompletedBefore(ctx context.Context, before time.Time) ([]*models.Record, error)
	Delete(ctx context.Context, handle string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
