// Package queueadapter polls a request queue, dispatches each message to a
// bounded worker pool, and maps the launch outcome to the appropriate
// visibility-timeout/delete action (C8). Grounded on
// original_source/src/queue/monitor.py (QueueMonitor._monitor_loop,
// _process_message) for the poll/dispatch/outcome-mapping shape.
package queueadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"
	"golang.org/x/sync/semaphore"

	"github.com/nimbuscloud/browser-launcher/internal/logging"
	"github.com/nimbuscloud/browser-launcher/internal/model"
)

// noSlotPollInterval and errorBackoff throttle the poll loop when there is
// nothing useful to do, matching the monitor loop's sleep(2)/backoff idiom.
const (
	noSlotPollInterval = 2 * time.Second
	errorBackoff       = 5 * time.Second
)

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Message is one unit of work pulled from the queue, transport-agnostic so
// both the SQS and local-test-mode adapters can feed the same Dispatcher.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// Outcome tells the Dispatcher what to do with a message's receipt handle
// after handling it, matching the visibility-timeout table in spec §4.7.
type Outcome int

const (
	OutcomeCompleted Outcome = iota // ack-delete
	OutcomeSlotFull                 // 30s visibility delay, let another worker pick it up
	OutcomeFailed                   // 10s visibility delay
	OutcomeException                // 15s visibility delay
	OutcomePoison                   // malformed message: ack-delete, never retried
	OutcomeDeleteNotFound            // delete-action referenced an unknown session: visibility 0, immediate retry elsewhere
)

const (
	slotFullDelaySeconds      = 30
	failedDelaySeconds        = 10
	exceptionDelaySeconds     = 15
	deleteNotFoundDelaySeconds = 0
)

// Queue is the transport seam the Dispatcher polls and acknowledges
// against. SQS and the local-test-mode poller both implement it.
type Queue interface {
	// Receive long-polls for up to maxMessages messages.
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	// Delete acknowledges a message, removing it from the queue.
	Delete(ctx context.Context, receiptHandle string) error
	// ChangeVisibility adjusts when a message becomes visible again.
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error
}

// Handler processes one decoded request and reports what became of it.
type Handler func(ctx context.Context, req model.Request) (model.Response, Outcome)

// Dispatcher owns the poll loop and the bounded worker pool that processes
// messages concurrently, sized to the number of free session slots so the
// queue is never drained faster than sessions can be launched.
type Dispatcher struct {
	queue       Queue
	handler     Handler
	maxBatch    int
	availableSlots func() int
}

// New constructs a Dispatcher. availableSlots reports how many launch slots
// are currently free; it bounds both how many messages are requested per
// poll and how many are processed concurrently.
func New(queue Queue, handler Handler, maxBatch int, availableSlots func() int) *Dispatcher {
	return &Dispatcher{queue: queue, handler: handler, maxBatch: maxBatch, availableSlots: availableSlots}
}

// Run polls and dispatches until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		slots := d.availableSlots()
		if slots <= 0 {
			logger.Debug("no available slots, skipping poll")
			if !sleepOrDone(ctx, noSlotPollInterval) {
				return ctx.Err()
			}
			continue
		}

		batch := slots
		if batch > d.maxBatch {
			batch = d.maxBatch
		}

		messages, err := d.queue.Receive(ctx, batch)
		if err != nil {
			logger.Error("failed to receive messages", "error", err)
			if !sleepOrDone(ctx, errorBackoff) {
				return ctx.Err()
			}
			continue
		}
		if len(messages) == 0 {
			continue
		}

		sem := semaphore.NewWeighted(int64(len(messages)))
		for _, msg := range messages {
			msg := msg
			if err := sem.Acquire(ctx, 1); err != nil {
				return ctx.Err()
			}
			go func() {
				defer sem.Release(1)
				d.processMessage(ctx, msg)
			}()
		}
		_ = sem.Acquire(ctx, int64(len(messages))) // barrier: wait for this batch before polling again
		sem.Release(int64(len(messages)))
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, msg Message) {
	logger := logging.FromContext(ctx).With("task_id", cuid2.Generate())
	ctx = logging.AddToContext(ctx, logger)

	var req model.Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		logger.Error("poison message: invalid JSON, deleting", "message_id", msg.ID, "error", err)
		if err := d.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			logger.Error("failed to delete poison message", "message_id", msg.ID, "error", err)
		}
		return
	}

	resp, outcome := d.handler(ctx, req)
	d.applyOutcome(ctx, msg, resp, outcome)
}

func (d *Dispatcher) applyOutcome(ctx context.Context, msg Message, resp model.Response, outcome Outcome) {
	logger := logging.FromContext(ctx)

	switch outcome {
	case OutcomeCompleted, OutcomePoison:
		if err := d.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			logger.Error("failed to delete message", "message_id", msg.ID, "error", err)
		}
	case OutcomeSlotFull:
		d.delay(ctx, msg, slotFullDelaySeconds)
	case OutcomeFailed:
		d.delay(ctx, msg, failedDelaySeconds)
	case OutcomeException:
		d.delay(ctx, msg, exceptionDelaySeconds)
	case OutcomeDeleteNotFound:
		d.delay(ctx, msg, deleteNotFoundDelaySeconds)
	default:
		logger.Error("unknown outcome", "outcome", fmt.Sprintf("%d", outcome))
	}
}

func (d *Dispatcher) delay(ctx context.Context, msg Message, seconds int) {
	logger := logging.FromContext(ctx)
	if err := d.queue.ChangeVisibility(ctx, msg.ReceiptHandle, seconds); err != nil {
		logger.Error("failed to change message visibility", "message_id", msg.ID, "error", err)
	}
}
