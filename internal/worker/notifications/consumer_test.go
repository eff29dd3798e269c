package notificationworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []messaging.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type deleteCountingQueue struct {
	*messaging.MemoryQueue
	mu      sync.Mutex
	deleted int
}

func (q *deleteCountingQueue) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	q.deleted++
	q.mu.Unlock()
	return q.MemoryQueue.Delete(ctx, handle)
}

func TestConsumerDeliversQueuedMessages(t *testing.T) {
	queue := messaging.NewMemoryQueue(4)
	dispatcher := messaging.NewQueueDispatcher(queue)
	msg := messaging.Message{To: "56911112222", Body: "hola", Kind: messaging.KindPaymentApproved, EvaluationID: "ev-1"}
	if err := dispatcher.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	sender := &recordingSender{}
	consumer := NewConsumer(queue, sender, logging.Discard()).WithWorkers(1).WithReceiveWait(0)
	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	consumer.Wait()

	if sender.count() != 1 {
		t.Fatalf("expected 1 delivered message, got %d", sender.count())
	}
	if got := sender.sent[0]; got.EvaluationID != "ev-1" || got.Kind != messaging.KindPaymentApproved {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestConsumerKeepsFailedSends(t *testing.T) {
	queue := &deleteCountingQueue{MemoryQueue: messaging.NewMemoryQueue(1)}
	consumer := NewConsumer(queue, &recordingSender{err: errors.New("provider down")}, logging.Discard())

	consumer.handle(context.Background(), messaging.QueueMessage{ID: "1", Body: `{"message":{"to":"56911112222","body":"x"}}`, ReceiptHandle: "r1"})
	if queue.deleted != 0 {
		t.Fatalf("failed send must stay queued, deleted=%d", queue.deleted)
	}

	consumer.handle(context.Background(), messaging.QueueMessage{ID: "2", Body: `not json`, ReceiptHandle: "r2"})
	consumer.handle(context.Background(), messaging.QueueMessage{ID: "3", Body: `{"message":{"body":"no phone"}}`, ReceiptHandle: "r3"})
	if queue.deleted != 2 {
		t.Fatalf("expected poison messages to be deleted, got %d", queue.deleted)
	}
}
