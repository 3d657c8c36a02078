package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one delivery of a queued unit of work. ReceiveCount and
// ReceiptHandle are supplied by the queue, not embedded in the payload.
type Message struct {
	ID            string
	Body          []byte
	ReceiveCount  int
	ReceiptHandle string
}

// Queue is the durable at-least-once delivery contract shared by all
// backends. A received message stays invisible to other receivers for the
// visibility duration, then becomes deliverable again unless acknowledged.
// Consumers must tolerate redelivery. No ordering is guaranteed across
// distinct messages.
type Queue interface {
	// Enqueue adds a message and returns its queue-assigned ID.
	Enqueue(ctx context.Context, body []byte) (string, error)

	// Receive returns up to max visible messages, leasing each for the
	// visibility duration. An empty slice means nothing is deliverable.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)

	// Acknowledge deletes a leased message. The receipt handle is only
	// valid for the most recent delivery and while its lease holds.
	Acknowledge(ctx context.Context, receiptHandle string) error

	// ExtendVisibility renews the lease of a received message.
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// DeadLetterReader lists messages that exhausted their receive budget.
// There is no automated reconsumption path; remediation is an operator
// action.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]Message, error)
}

// DefaultMaxReceiveCount is the delivery budget before a message is
// dead-lettered.
const DefaultMaxReceiveCount = 3

// JobMessage is the wire payload of one queued unit of work.
type JobMessage struct {
	ObjectKey string `json:"objectKey"`
}

// Encode serializes the payload to its JSON wire form.
func (m JobMessage) Encode() ([]byte, error) {
	if m.ObjectKey == "" {
		return nil, fmt.Errorf("job message: object key is required")
	}
	return json.Marshal(m)
}

// DecodeJobMessage parses a queue message body.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JobMessage{}, fmt.Errorf("job message: malformed body: %w", err)
	}
	if m.ObjectKey == "" {
		return JobMessage{}, fmt.Errorf("job message: object key is required")
	}
	return m, nil
}
