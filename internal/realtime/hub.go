package realtime

import (
	"sync"
	"time"
)

// Event is pushed to everyone watching an evaluation.
type Event struct {
	Type          string    `json:"type"`
	EvaluationID  string    `json:"evaluation_id"`
	Stage         string    `json:"stage,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}

// Event types.
const (
	EventPaymentStatus = "payment_status"
	EventStage         = "stage"
	EventAppointment   = "appointment"
)

const subscriberBuffer = 8

// Hub fans events out to subscribers keyed by evaluation id. Slow
// subscribers drop events rather than block publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers interest in an evaluation. The returned cancel func
// must be called to release the subscription.
func (h *Hub) Subscribe(evaluationID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := h.subs[evaluationID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[evaluationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[evaluationID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, evaluationID)
				}
			}
		})
	}
}

// Publish delivers the event to current subscribers and reports how many
// received it.
func (h *Hub) Publish(evt Event) int {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs[evt.EvaluationID] {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions for an evaluation.
func (h *Hub) Subscribers(evaluationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[evaluationID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}
