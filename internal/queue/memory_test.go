package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueReceiveAcknowledge(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, nil)

	body, err := JobMessage{ObjectKey: "videos/a.mp4"}.Encode()
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, body)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.Len())

	msgs, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.JSONEq(t, `{"objectKey":"videos/a.mp4"}`, string(msgs[0].Body))

	// Leased message is invisible to other receivers.
	again, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Acknowledge(ctx, msgs[0].ReceiptHandle))
	assert.Equal(t, 0, q.Len())

	// Acknowledging twice fails: the lease is gone.
	assert.ErrorIs(t, q.Acknowledge(ctx, msgs[0].ReceiptHandle), ErrReceiptNotFound)
}

func TestMemoryQueue_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, nil)

	_, err := q.Enqueue(ctx, []byte(`{"objectKey":"videos/b.mp4"}`))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].ReceiveCount)

	time.Sleep(50 * time.Millisecond)

	second, err := q.Receive(ctx, 1, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.Equal(t, first[0].Body, second[0].Body, "retries redeliver the identical payload")

	// The first delivery's receipt handle is stale after redelivery.
	assert.ErrorIs(t, q.Acknowledge(ctx, first[0].ReceiptHandle), ErrReceiptNotFound)
	assert.NoError(t, q.Acknowledge(ctx, second[0].ReceiptHandle))
}

func TestMemoryQueue_ExtendVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, nil)

	_, err := q.Enqueue(ctx, []byte(`{"objectKey":"videos/c.mp4"}`))
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 1, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ExtendVisibility(ctx, msgs[0].ReceiptHandle, 300*time.Millisecond))

	time.Sleep(60 * time.Millisecond)

	// Original lease would have lapsed; the extension keeps it invisible.
	again, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Acknowledge(ctx, msgs[0].ReceiptHandle))
}

func TestMemoryQueue_DeadLetterAfterBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	const maxReceive = 3
	q := NewMemoryQueue(maxReceive, nil)

	id, err := q.Enqueue(ctx, []byte(`{"objectKey":"videos/poison.mp4"}`))
	require.NoError(t, err)

	// Deliveries 1..max succeed without acknowledgement.
	for want := 1; want <= maxReceive; want++ {
		msgs, err := q.Receive(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d should still be allowed", want)
		assert.Equal(t, want, msgs[0].ReceiveCount)
	}

	// Attempt max+1 dead-letters instead of delivering.
	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, q.Len())

	dead, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, maxReceive, dead[0].ReceiveCount)

	// Never both, never neither: the message is gone from normal flow and
	// present exactly once in the dead-letter store.
	more, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, more)
	dead, err = q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestMemoryQueue_ReceiveBatchLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, []byte(`{"objectKey":"videos/batch.mp4"}`))
		require.NoError(t, err)
	}

	msgs, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	rest, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestDecodeJobMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantKey string
		wantErr bool
	}{
		{
			name:    "valid payload",
			body:    `{"objectKey":"videos/a.mp4"}`,
			wantKey: "videos/a.mp4",
		},
		{
			name:    "missing object key",
			body:    `{}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			body:    `{"objectKey":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeJobMessage([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, msg.ObjectKey)
		})
	}
}
