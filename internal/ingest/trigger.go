package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamio/transcoder/internal/metadata"
	"github.com/streamio/transcoder/internal/queue"
)

// ErrEmptyObjectKey is returned for notifications without an object key.
var ErrEmptyObjectKey = errors.New("object key is required")

// Trigger reacts to object-created notifications: it records the object,
// then enqueues exactly one job message for it.
type Trigger struct {
	logger *slog.Logger
	meta   metadata.Store
	queue  queue.Queue
}

// NewTrigger creates a Trigger.
func NewTrigger(logger *slog.Logger, meta metadata.Store, q queue.Queue) *Trigger {
	return &Trigger{
		logger: logger,
		meta:   meta,
		queue:  q,
	}
}

// OnObjectCreated handles one notification. Order matters: the record is
// upserted as RECEIVED before the enqueue, and only a successful enqueue
// moves it to QUEUED. An enqueue failure leaves the record RECEIVED and is
// returned to the caller so the notifier's own retry policy applies; the
// event is never silently dropped. Duplicate notifications upsert the same
// record instead of creating a second one.
func (t *Trigger) OnObjectCreated(ctx context.Context, objectKey string) error {
	if objectKey == "" {
		return ErrEmptyObjectKey
	}

	if err := t.meta.Upsert(ctx, objectKey, metadata.StatusReceived); err != nil {
		return fmt.Errorf("failed to record object %q: %w", objectKey, err)
	}

	body, err := queue.JobMessage{ObjectKey: objectKey}.Encode()
	if err != nil {
		return err
	}

	messageID, err := t.queue.Enqueue(ctx, body)
	if err != nil {
		t.logger.Error("Failed to enqueue job message",
			slog.String("object_key", objectKey),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to enqueue job for %q: %w", objectKey, err)
	}

	if err := t.meta.Upsert(ctx, objectKey, metadata.StatusQueued); err != nil {
		// The job is already on the queue; the status catches up when the
		// workflow marks it PROCESSING.
		t.logger.Warn("Job enqueued but status update failed",
			slog.String("object_key", objectKey),
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	t.logger.Info("Object queued for processing",
		slog.String("object_key", objectKey),
		slog.String("message_id", messageID),
	)

	return nil
}
