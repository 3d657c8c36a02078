package metadata

import (
	"context"
	"errors"
	"time"
)

// Object record status constants. Ingestion owns the RECEIVED and QUEUED
// transitions; the workflow completion path owns PROCESSING, DONE and ERROR.
const (
	StatusReceived   = "RECEIVED"
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusError      = "ERROR"
)

// ErrNotFound is returned when no record exists for an object key.
var ErrNotFound = errors.New("object record not found")

// Record tracks one source object through the pipeline. The object key
// identifies at most one record; upserts are last-write-wins.
type Record struct {
	ObjectKey string    `db:"object_key" json:"objectKey"`
	Status    string    `db:"status" json:"status"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Store is the durable key/value record of objects and their status.
// Implementations must make Upsert idempotent on the object key: duplicate
// notifications update the one record, they never create a second one.
type Store interface {
	Upsert(ctx context.Context, objectKey, status string) error
	Get(ctx context.Context, objectKey string) (*Record, error)
}
