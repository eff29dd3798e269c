package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Dispatcher hands a message off for delivery without waiting for the
// provider. Errors only cover the hand-off itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Runner runs detached best-effort work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

const defaultSendTimeout = 15 * time.Second

// InlineDispatcher sends from a detached goroutine in the same process.
type InlineDispatcher struct {
	sender Sender
	runner Runner
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewInlineDispatcher sends through sender. When runner is nil a plain
// goroutine with a timeout is used.
func NewInlineDispatcher(sender Sender, runner Runner, logger *logging.Logger) *InlineDispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &InlineDispatcher{sender: sender, runner: runner, logger: logger}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if d.sender == nil {
		return errors.New("messaging: sender not configured")
	}
	send := func(ctx context.Context) error { return d.sender.Send(ctx, msg) }
	if d.runner != nil {
		d.runner.Go("message."+string(msg.Kind), send)
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			d.logger.Warn("message send failed", "kind", msg.Kind, "evaluation_id", msg.EvaluationID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until goroutines started without a runner finish.
func (d *InlineDispatcher) Wait() { d.wg.Wait() }

type envelope struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueDispatcher serializes messages onto a Queue for the notification
// worker.
type QueueDispatcher struct {
	queue Queue
}

func NewQueueDispatcher(queue Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(envelope{ID: uuid.NewString(), Message: msg, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return d.queue.Send(ctx, string(body))
}
