package notificationworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

const deleteTimeout = 5 * time.Second

type queuedMessage struct {
	ID      string            `json:"id"`
	Message messaging.Message `json:"message"`
}

// Consumer drains queued patient notifications and hands them to a sender.
type Consumer struct {
	queue    messaging.Queue
	sender   messaging.Sender
	logger   *logging.Logger
	workers  int
	batch    int
	waitSecs int
	wg       sync.WaitGroup
}

func NewConsumer(queue messaging.Queue, sender messaging.Sender, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		queue:    queue,
		sender:   sender,
		logger:   logger.Component("notification-worker"),
		workers:  2,
		batch:    10,
		waitSecs: 20,
	}
}

func (c *Consumer) WithWorkers(n int) *Consumer {
	if n > 0 {
		c.workers = n
	}
	return c
}

func (c *Consumer) WithReceiveWait(seconds int) *Consumer {
	if seconds >= 0 {
		c.waitSecs = seconds
	}
	return c
}

// Start launches worker goroutines until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.batch, c.waitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to receive notifications", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.handle(ctx, msg)
		}
	}
}

// handle deletes the queue entry unless the provider failed transiently, in
// which case the queue's visibility timeout redelivers it.
func (c *Consumer) handle(ctx context.Context, msg messaging.QueueMessage) {
	var payload queuedMessage
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		c.logger.Error("failed to decode notification", "error", err, "msg_id", msg.ID)
		c.delete(msg.ReceiptHandle)
		return
	}
	if err := payload.Message.Validate(); err != nil {
		c.logger.Warn("dropping invalid notification", "error", err, "kind", payload.Message.Kind)
		c.delete(msg.ReceiptHandle)
		return
	}
	if err := c.sender.Send(ctx, payload.Message); err != nil {
		c.logger.Warn("notification send failed",
			"error", err,
			"kind", payload.Message.Kind,
			"evaluation_id", payload.Message.EvaluationID,
		)
		return
	}
	c.logger.Info("notification sent", "kind", payload.Message.Kind, "evaluation_id", payload.Message.EvaluationID)
	c.delete(msg.ReceiptHandle)
}

func (c *Consumer) delete(receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := c.queue.Delete(ctx, receiptHandle); err != nil {
		c.logger.Error("failed to delete notification", "error", err)
	}
}
