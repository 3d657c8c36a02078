package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamio/transcoder/internal/queue"
	"github.com/streamio/transcoder/internal/workflow"
)

// receiveBatchSize is fixed: each received message starts exactly one
// workflow execution.
const receiveBatchSize = 1

const defaultPollInterval = time.Second

// Starter starts one workflow execution per job message.
type Starter interface {
	Start(ctx context.Context, in workflow.Input) (string, error)
}

// Config holds dispatcher dependencies and policy.
type Config struct {
	Logger            *slog.Logger
	Queue             queue.Queue
	Starter           Starter
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Dispatcher consumes job messages one at a time and starts a workflow
// execution per message. Its responsibility ends at a successful start: the
// message is acknowledged immediately, decoupling dispatch throughput from
// job duration. A failed start leaves the message leased; the visibility
// timeout redelivers it, and the queue's receive budget dead-letters it
// when starts keep failing.
type Dispatcher struct {
	logger       *slog.Logger
	queue        queue.Queue
	starter      Starter
	visibility   time.Duration
	pollInterval time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg *Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	return &Dispatcher{
		logger:       logger,
		queue:        cfg.Queue,
		starter:      cfg.Starter,
		visibility:   visibility,
		pollInterval: pollInterval,
	}
}

// Run polls the queue until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		slog.Duration("visibility_timeout", d.visibility),
		slog.Duration("poll_interval", d.pollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped - context canceled")
			return nil
		default:
		}

		msgs, err := d.queue.Receive(ctx, receiveBatchSize, d.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("Failed to receive from queue",
				slog.String("error", err.Error()),
			)
			d.sleep(ctx)
			continue
		}

		if len(msgs) == 0 {
			d.sleep(ctx)
			continue
		}

		d.DispatchOne(ctx, msgs[0])
	}
}

// DispatchOne handles exactly one delivery. A malformed payload and a
// failed start both leave the message unacknowledged so the queue's
// redelivery and dead-letter machinery takes over; there is no in-process
// retry loop here.
func (d *Dispatcher) DispatchOne(ctx context.Context, msg queue.Message) {
	job, err := queue.DecodeJobMessage(msg.Body)
	if err != nil {
		d.logger.Error("Malformed job message, leaving it to the dead-letter budget",
			slog.String("message_id", msg.ID),
			slog.Int("receive_count", msg.ReceiveCount),
			slog.String("error", err.Error()),
		)
		return
	}

	executionID, err := d.starter.Start(ctx, workflow.Input{ObjectKey: job.ObjectKey})
	if err != nil {
		d.logger.Error("Workflow start failed, message will be redelivered",
			slog.String("message_id", msg.ID),
			slog.String("object_key", job.ObjectKey),
			slog.Int("receive_count", msg.ReceiveCount),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := d.queue.Acknowledge(ctx, msg.ReceiptHandle); err != nil {
		// The execution is already running. Redelivery may start a
		// duplicate; the worker is idempotent under re-invocation.
		d.logger.Error("Failed to acknowledge dispatched message",
			slog.String("message_id", msg.ID),
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Info("Job dispatched",
		slog.String("message_id", msg.ID),
		slog.String("execution_id", executionID),
		slog.String("object_key", job.ObjectKey),
		slog.Int("receive_count", msg.ReceiveCount),
	)
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.pollInterval):
	}
}
