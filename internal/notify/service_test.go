package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type dispatchRecorder struct {
	msgs []messaging.Message
	err  error
}

func (d *dispatchRecorder) Dispatch(_ context.Context, msg messaging.Message) error {
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

type emailRecorder struct {
	msgs []EmailMessage
	err  error
}

func (e *emailRecorder) Send(_ context.Context, msg EmailMessage) error {
	if e.err != nil {
		return e.err
	}
	e.msgs = append(e.msgs, msg)
	return nil
}

func TestSendOTPUsesBothChannels(t *testing.T) {
	d, e := &dispatchRecorder{}, &emailRecorder{}
	svc := NewService(d, e, nil, logging.Discard())

	channels, err := svc.SendOTP(context.Background(), Contact{Name: "Ana", Email: "ana@example.com", Phone: "912345678"}, "482913", 10*time.Minute)
	if err != nil {
		t.Fatalf("send otp: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected whatsapp and email, got %v", channels)
	}
	if d.msgs[0].Kind != messaging.KindOTP || !strings.Contains(d.msgs[0].Body, "482913") {
		t.Fatalf("unexpected message %+v", d.msgs[0])
	}
	if e.msgs[0].To != "ana@example.com" {
		t.Fatalf("unexpected email %+v", e.msgs[0])
	}
}

func TestSendOTPWithoutChannels(t *testing.T) {
	svc := NewService(&dispatchRecorder{err: errors.New("down")}, nil, nil, logging.Discard())
	if _, err := svc.SendOTP(context.Background(), Contact{Phone: "912345678"}, "1", time.Minute); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}

func TestPaymentApprovedNotification(t *testing.T) {
	d := &dispatchRecorder{}
	svc := NewService(d, nil, nil, logging.Discard())

	payload, _ := json.Marshal(events.PaymentStatusChangedV1{
		EvaluationID: "ev-1",
		Status:       "approved",
		PatientName:  "Camila Rojas",
		PatientPhone: "+56 9 1111 2222",
	})
	if err := svc.Handle(context.Background(), events.OutboxEntry{Type: events.TypePaymentStatusChanged, Payload: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(d.msgs) != 1 || d.msgs[0].Kind != messaging.KindPaymentApproved || d.msgs[0].EvaluationID != "ev-1" {
		t.Fatalf("unexpected messages %+v", d.msgs)
	}

	payload, _ = json.Marshal(events.PaymentStatusChangedV1{EvaluationID: "ev-1", Status: "rejected", PatientPhone: "912345678"})
	svc.Handle(context.Background(), events.OutboxEntry{Type: events.TypePaymentStatusChanged, Payload: payload})
	if len(d.msgs) != 1 {
		t.Fatalf("rejected payments must not notify, got %d messages", len(d.msgs))
	}
}

func TestAppointmentBookedNotification(t *testing.T) {
	d, e := &dispatchRecorder{}, &emailRecorder{}
	svc := NewService(d, e, time.UTC, logging.Discard())

	payload, _ := json.Marshal(events.AppointmentBookedV1{
		EvaluationID: "ev-2",
		Date:         "2030-03-05",
		Time:         "15:00",
		PatientName:  "Ana",
		PatientEmail: "ana@example.com",
		PatientPhone: "912345678",
	})
	if err := svc.Handle(context.Background(), events.OutboxEntry{Type: events.TypeAppointmentBooked, Payload: payload}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(d.msgs) != 1 || !strings.Contains(d.msgs[0].Body, "martes, 5 de marzo de 2030") {
		t.Fatalf("unexpected confirmation %+v", d.msgs)
	}
	if len(e.msgs) != 1 || !strings.HasPrefix(e.msgs[0].Subject, "Cita confirmada") {
		t.Fatalf("unexpected email %+v", e.msgs)
	}
}

func TestHandleRejectsBadPayloadAndIgnoresOtherTypes(t *testing.T) {
	svc := NewService(&dispatchRecorder{}, nil, nil, logging.Discard())
	if err := svc.Handle(context.Background(), events.OutboxEntry{Type: events.TypeAppointmentBooked, Payload: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}
	if err := svc.Handle(context.Background(), events.OutboxEntry{Type: events.TypeCheckoutCreated, Payload: []byte("{}")}); err != nil {
		t.Fatalf("expected other types to be ignored, got %v", err)
	}
}
