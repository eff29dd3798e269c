package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// OutboxHandler publishes payment and appointment events to the hub. It
// never fails delivery: an undecodable payload is logged and skipped.
func OutboxHandler(hub *Hub, logger *logging.Logger) events.DeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return events.DeliveryHandlerFunc(func(_ context.Context, entry events.OutboxEntry) error {
		evt, ok := toEvent(entry)
		if !ok {
			return nil
		}
		if evt.EvaluationID == "" {
			logger.Warn("realtime: outbox entry without evaluation id", "type", entry.Type)
			return nil
		}
		hub.Publish(evt)
		return nil
	})
}

func toEvent(entry events.OutboxEntry) (Event, bool) {
	switch entry.Type {
	case events.TypePaymentStatusChanged:
		var p events.PaymentStatusChangedV1
		if json.Unmarshal(entry.Payload, &p) != nil {
			return Event{}, false
		}
		evt := Event{Type: EventPaymentStatus, EvaluationID: p.EvaluationID, PaymentStatus: p.Status, At: stamp(p.OccurredAt)}
		if p.Status == "approved" {
			evt.Stage = "payment_done"
		}
		return evt, true
	case events.TypeAppointmentBooked:
		var p events.AppointmentBookedV1
		if json.Unmarshal(entry.Payload, &p) != nil {
			return Event{}, false
		}
		return Event{
			Type:         EventAppointment,
			EvaluationID: p.EvaluationID,
			Stage:        "appointment_booked",
			Message:      p.Date + " " + p.Time,
			At:           stamp(p.BookedAt),
		}, true
	case events.TypeEvaluationScreened:
		var p events.EvaluationScreenedV1
		if json.Unmarshal(entry.Payload, &p) != nil {
			return Event{}, false
		}
		return Event{Type: EventStage, EvaluationID: p.EvaluationID, Stage: "ai_analyzed", Message: p.Route, At: stamp(p.ScreenedAt)}, true
	}
	return Event{}, false
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
