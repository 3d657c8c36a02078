// Package amqpqueue implements the durable queue contract on RabbitMQ.
//
// Redelivery and dead-lettering are built from the broker's dead-letter
// machinery: the work queue dead-letters into a wait queue whose per-message
// TTL expires back into the work queue. Each trip through the wait queue is
// recorded in the x-death header, which yields the receive count. Once a
// message has burned its receive budget it is parked on a terminal queue
// that operators inspect out of band.
package amqpqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/streamio/transcoder/internal/queue"
)

// Config holds RabbitMQ connection and topology configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// WorkQueue is the base queue name; the wait and parking queues derive
	// from it.
	WorkQueue string

	// RetryDelay is how long an unacknowledged message waits before it is
	// redelivered.
	RetryDelay time.Duration

	// MaxReceiveCount is the delivery budget before parking.
	MaxReceiveCount int

	ConnectRetryAttempts int
	ConnectRetryInterval time.Duration
	Heartbeat            time.Duration
}

// lease tracks one unacknowledged delivery. The broker keeps the message
// invisible while it is unacked; the timer enforces the visibility timeout
// by nacking it into the wait queue when the lease lapses.
type lease struct {
	deliveryTag  uint64
	messageID    string
	body         []byte
	receiveCount int
	timer        *time.Timer
}

// Queue is a RabbitMQ-backed durable queue.
type Queue struct {
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	leases map[string]*lease
	closed bool
}

var _ queue.Queue = (*Queue)(nil)
var _ queue.DeadLetterReader = (*Queue)(nil)

// New connects to RabbitMQ with retry and declares the work, wait, and
// parking queues.
func New(config *Config, logger *slog.Logger) (*Queue, error) {
	if config.MaxReceiveCount <= 0 {
		config.MaxReceiveCount = queue.DefaultMaxReceiveCount
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.ConnectRetryAttempts <= 0 {
		config.ConnectRetryAttempts = 1
	}

	q := &Queue{
		config: config,
		logger: logger,
		leases: make(map[string]*lease),
	}

	if err := q.connect(); err != nil {
		return nil, fmt.Errorf("failed to create AMQP queue: %w", err)
	}

	return q, nil
}

func (q *Queue) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		q.config.User,
		q.config.Password,
		q.config.Host,
		q.config.Port,
		q.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: q.config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= q.config.ConnectRetryAttempts; attempt++ {
		q.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", q.config.ConnectRetryAttempts),
		)

		q.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		q.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < q.config.ConnectRetryAttempts {
			time.Sleep(q.config.ConnectRetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect after %d attempts: %w", q.config.ConnectRetryAttempts, err)
	}

	q.ch, err = q.conn.Channel()
	if err != nil {
		q.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// Confirm mode makes broker-side publish failures visible to Enqueue
	// instead of silently dropping the message after the write returns.
	if err := q.ch.Confirm(false); err != nil {
		q.ch.Close()
		q.conn.Close()
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	if err := q.declareTopology(); err != nil {
		q.ch.Close()
		q.conn.Close()
		return err
	}

	q.logger.Info("AMQP queue initialized",
		slog.String("work_queue", q.config.WorkQueue),
		slog.String("parking_queue", q.parkingQueue()),
		slog.Int("max_receive_count", q.config.MaxReceiveCount),
	)

	return nil
}

func (q *Queue) waitQueue() string    { return q.config.WorkQueue + ".wait" }
func (q *Queue) parkingQueue() string { return q.config.WorkQueue + ".dead" }

// declareTopology declares the three queues. Dead-lettering goes through
// the default exchange so routing keys are queue names.
func (q *Queue) declareTopology() error {
	_, err := q.ch.QueueDeclare(
		q.config.WorkQueue, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.waitQueue(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare work queue: %w", err)
	}

	_, err = q.ch.QueueDeclare(
		q.waitQueue(),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             q.config.RetryDelay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.config.WorkQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare wait queue: %w", err)
	}

	_, err = q.ch.QueueDeclare(
		q.parkingQueue(),
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare parking queue: %w", err)
	}

	return nil
}

// Enqueue publishes a persistent message to the work queue.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.NewTransportError("enqueue", fmt.Errorf("queue is closed"))
	}

	messageID := uuid.New().String()
	conf, err := q.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",                 // default exchange
		q.config.WorkQueue, // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return "", queue.NewTransportError("enqueue", err)
	}
	if err := awaitConfirm(ctx, conf); err != nil {
		return "", err
	}

	return messageID, nil
}

// confirmation is the broker acknowledgement of one publish.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm blocks until the broker accepts or rejects the publish. A
// publish the broker never confirms is a transport failure, not a success.
func awaitConfirm(ctx context.Context, conf confirmation) error {
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return queue.NewTransportError("enqueue", err)
	}
	if !acked {
		return queue.NewTransportError("enqueue", fmt.Errorf("broker rejected publish"))
	}
	return nil
}

// Receive pulls up to max messages. A message whose next delivery exceeds
// the receive budget is parked instead of returned.
func (q *Queue) Receive(_ context.Context, max int, visibility time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.NewTransportError("receive", fmt.Errorf("queue is closed"))
	}

	var out []queue.Message
	for len(out) < max {
		delivery, ok, err := q.ch.Get(q.config.WorkQueue, false)
		if err != nil {
			return out, queue.NewTransportError("receive", err)
		}
		if !ok {
			break
		}

		receiveCount := 1 + q.retryCount(delivery.Headers)
		if receiveCount > q.config.MaxReceiveCount {
			if err := q.park(delivery, receiveCount-1); err != nil {
				return out, err
			}
			continue
		}

		receipt := uuid.New().String()
		l := &lease{
			deliveryTag:  delivery.DeliveryTag,
			messageID:    delivery.MessageId,
			body:         delivery.Body,
			receiveCount: receiveCount,
		}
		l.timer = time.AfterFunc(visibility, func() { q.expireLease(receipt) })
		q.leases[receipt] = l

		out = append(out, queue.Message{
			ID:            delivery.MessageId,
			Body:          delivery.Body,
			ReceiveCount:  receiveCount,
			ReceiptHandle: receipt,
		})
	}

	return out, nil
}

// retryCount reads how often the message expired out of the wait queue.
func (q *Queue) retryCount(headers amqp.Table) int {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	for _, entry := range deaths {
		death, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if name, _ := death["queue"].(string); name != q.waitQueue() {
			continue
		}
		switch count := death["count"].(type) {
		case int64:
			return int(count)
		case int32:
			return int(count)
		case string:
			if n, err := strconv.Atoi(count); err == nil {
				return n
			}
		}
	}
	return 0
}

// park moves an exhausted message to the parking queue and removes it from
// normal flow.
func (q *Queue) park(delivery amqp.Delivery, receiveCount int) error {
	err := q.ch.Publish(
		"",
		q.parkingQueue(),
		false,
		false,
		amqp.Publishing{
			ContentType:  delivery.ContentType,
			Body:         delivery.Body,
			DeliveryMode: amqp.Persistent,
			MessageId:    delivery.MessageId,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				"x-receive-count": int32(receiveCount),
			},
		},
	)
	if err != nil {
		// Leave the message unacked; it will be redelivered and parked on
		// a later attempt.
		_ = q.ch.Nack(delivery.DeliveryTag, false, true)
		return queue.NewTransportError("park", err)
	}

	if err := q.ch.Ack(delivery.DeliveryTag, false); err != nil {
		return queue.NewTransportError("park", err)
	}

	q.logger.Warn("Message exceeded receive budget, parked on dead-letter queue",
		slog.String("message_id", delivery.MessageId),
		slog.Int("receive_count", receiveCount),
		slog.Int("max_receive_count", q.config.MaxReceiveCount),
	)

	return nil
}

// expireLease enforces the visibility timeout: the delivery is nacked into
// the wait queue, whose TTL sends it back to the work queue with its death
// count incremented.
func (q *Queue) expireLease(receipt string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[receipt]
	if !ok || q.closed {
		return
	}
	delete(q.leases, receipt)

	if err := q.ch.Nack(l.deliveryTag, false, false); err != nil {
		q.logger.Error("Failed to release expired lease",
			slog.String("message_id", l.messageID),
			slog.Any("error", err),
		)
		return
	}

	q.logger.Debug("Lease expired, message queued for redelivery",
		slog.String("message_id", l.messageID),
		slog.Int("receive_count", l.receiveCount),
	)
}

// Acknowledge deletes a leased message.
func (q *Queue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[receiptHandle]
	if !ok {
		return queue.ErrReceiptNotFound
	}
	l.timer.Stop()
	delete(q.leases, receiptHandle)

	if err := q.ch.Ack(l.deliveryTag, false); err != nil {
		return queue.NewTransportError("acknowledge", err)
	}
	return nil
}

// ExtendVisibility renews the lease timer.
func (q *Queue) ExtendVisibility(_ context.Context, receiptHandle string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[receiptHandle]
	if !ok {
		return queue.ErrReceiptNotFound
	}
	l.timer.Stop()
	receipt := receiptHandle
	l.timer = time.AfterFunc(d, func() { q.expireLease(receipt) })
	return nil
}

// ListDeadLetters peeks at the parking queue without consuming it.
func (q *Queue) ListDeadLetters(_ context.Context, limit int) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.NewTransportError("list dead letters", fmt.Errorf("queue is closed"))
	}

	var out []queue.Message
	var tags []uint64
	for len(out) < limit {
		delivery, ok, err := q.ch.Get(q.parkingQueue(), false)
		if err != nil {
			return nil, queue.NewTransportError("list dead letters", err)
		}
		if !ok {
			break
		}

		receiveCount := 0
		switch c := delivery.Headers["x-receive-count"].(type) {
		case int32:
			receiveCount = int(c)
		case int64:
			receiveCount = int(c)
		}

		out = append(out, queue.Message{
			ID:           delivery.MessageId,
			Body:         delivery.Body,
			ReceiveCount: receiveCount,
		})
		tags = append(tags, delivery.DeliveryTag)
	}

	// Requeue everything we looked at; inspection must not consume.
	for _, tag := range tags {
		if err := q.ch.Nack(tag, false, true); err != nil {
			return out, queue.NewTransportError("list dead letters", err)
		}
	}

	return out, nil
}

// Close stops lease timers and closes the connection. Unacked deliveries
// are requeued by the broker.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	for receipt, l := range q.leases {
		l.timer.Stop()
		delete(q.leases, receipt)
	}
	q.mu.Unlock()

	q.logger.Info("Closing AMQP queue")

	if q.ch != nil {
		if err := q.ch.Close(); err != nil {
			q.logger.Error("Failed to close AMQP channel", slog.Any("error", err))
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			return err
		}
	}
	return nil
}
