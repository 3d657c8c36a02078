package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryMessage is the internal state of one queued message. visibleAt in
// the future means the message is leased to a receiver; receipt identifies
// the current lease and is replaced on every delivery.
type memoryMessage struct {
	id           string
	body         []byte
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

// MemoryQueue is an in-process Queue with visibility-timeout leases and
// automatic dead-lettering once a message exhausts its receive budget.
// It backs single-process runs and lets the retry/dead-letter policy be
// exercised without a live broker.
type MemoryQueue struct {
	mu              sync.Mutex
	maxReceiveCount int
	messages        []*memoryMessage
	deadLetters     []Message
	logger          *slog.Logger
}

var _ Queue = (*MemoryQueue)(nil)
var _ DeadLetterReader = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue. A non-positive maxReceiveCount
// falls back to DefaultMaxReceiveCount.
func NewMemoryQueue(maxReceiveCount int, logger *slog.Logger) *MemoryQueue {
	if maxReceiveCount <= 0 {
		maxReceiveCount = DefaultMaxReceiveCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		maxReceiveCount: maxReceiveCount,
		logger:          logger,
	}
}

// Enqueue adds a message and returns its ID. The body is copied; a message
// is never mutated after enqueue.
func (q *MemoryQueue) Enqueue(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := &memoryMessage{
		id:   uuid.New().String(),
		body: append([]byte(nil), body...),
	}
	q.messages = append(q.messages, msg)

	q.logger.Debug("Message enqueued",
		slog.String("message_id", msg.id),
		slog.Int("body_size", len(body)),
	)

	return msg.id, nil
}

// Receive leases up to max visible messages. A message whose next delivery
// would push its receive count past the budget is moved to the dead-letter
// store instead of being returned: counts 1..max are delivered, attempt
// max+1 dead-letters.
func (q *MemoryQueue) Receive(_ context.Context, max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []Message
	kept := q.messages[:0]

	for _, msg := range q.messages {
		if len(out) >= max || msg.visibleAt.After(now) {
			kept = append(kept, msg)
			continue
		}

		if msg.receiveCount+1 > q.maxReceiveCount {
			q.deadLetters = append(q.deadLetters, Message{
				ID:           msg.id,
				Body:         msg.body,
				ReceiveCount: msg.receiveCount,
			})
			q.logger.Warn("Message exceeded receive budget, moved to dead-letter store",
				slog.String("message_id", msg.id),
				slog.Int("receive_count", msg.receiveCount),
				slog.Int("max_receive_count", q.maxReceiveCount),
			)
			continue
		}

		msg.receiveCount++
		msg.visibleAt = now.Add(visibility)
		msg.receipt = uuid.New().String()
		kept = append(kept, msg)

		out = append(out, Message{
			ID:            msg.id,
			Body:          msg.body,
			ReceiveCount:  msg.receiveCount,
			ReceiptHandle: msg.receipt,
		})
	}

	q.messages = kept
	return out, nil
}

// Acknowledge deletes the message the receipt handle leases.
func (q *MemoryQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.findLeased(receiptHandle)
	if idx < 0 {
		return ErrReceiptNotFound
	}

	q.logger.Debug("Message acknowledged",
		slog.String("message_id", q.messages[idx].id),
	)
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
	return nil
}

// ExtendVisibility renews the lease held by the receipt handle.
func (q *MemoryQueue) ExtendVisibility(_ context.Context, receiptHandle string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.findLeased(receiptHandle)
	if idx < 0 {
		return ErrReceiptNotFound
	}

	q.messages[idx].visibleAt = time.Now().Add(d)
	return nil
}

// ListDeadLetters returns up to limit dead-lettered messages, oldest first.
func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.deadLetters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Message, n)
	copy(out, q.deadLetters[:n])
	return out, nil
}

// Len reports the number of messages still in normal flow (leased or
// visible), excluding dead letters.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// findLeased returns the index of the message holding a live lease for the
// receipt handle, or -1. Expired leases are rejected even before the message
// is redelivered.
func (q *MemoryQueue) findLeased(receiptHandle string) int {
	now := time.Now()
	for i, msg := range q.messages {
		if msg.receipt == receiptHandle && msg.visibleAt.After(now) {
			return i
		}
	}
	return -1
}
