package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging/templates"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// ErrNoChannel means the contact has neither a phone nor an email.
var ErrNoChannel = errors.New("notify: no delivery channel for contact")

// Contact is who a notification goes to.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Service composes patient notifications and sends them over WhatsApp and
// email. Delivery failures are logged, never returned to the funnel.
type Service struct {
	messages messaging.Dispatcher
	email    EmailSender
	catalog  templates.Catalog
	location *time.Location
	logger   *logging.Logger
}

// NewService wires the notification channels. Either may be nil.
func NewService(messages messaging.Dispatcher, email EmailSender, location *time.Location, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &Service{
		messages: messages,
		email:    email,
		location: location,
		logger:   logger.Component("notify"),
	}
}

// SendOTP sends the verification code to every known channel and returns
// the channels used.
func (s *Service) SendOTP(ctx context.Context, to Contact, code string, ttl time.Duration) ([]string, error) {
	body, err := s.catalog.OTP(code, ttl)
	if err != nil {
		return nil, err
	}
	var channels []string
	if s.dispatch(ctx, messaging.Message{To: to.Phone, Body: body, Kind: messaging.KindOTP}) {
		channels = append(channels, "whatsapp")
	}
	if s.sendEmail(ctx, to, "Tu código de verificación "+templates.ClinicName, body) {
		channels = append(channels, "email")
	}
	if len(channels) == 0 {
		return nil, ErrNoChannel
	}
	return channels, nil
}

// PaymentStatusChanged notifies the patient once a payment is approved.
// Other statuses are ignored.
func (s *Service) PaymentStatusChanged(ctx context.Context, evt events.PaymentStatusChangedV1) error {
	if evt.Status != "approved" {
		return nil
	}
	body, err := s.catalog.PaymentApproved(evt.PatientName)
	if err != nil {
		return err
	}
	to := Contact{Name: evt.PatientName, Email: evt.PatientEmail, Phone: evt.PatientPhone}
	sentMsg := s.dispatch(ctx, messaging.Message{To: to.Phone, Body: body, Kind: messaging.KindPaymentApproved, EvaluationID: evt.EvaluationID})
	sentMail := s.sendEmail(ctx, to, "Pago confirmado - Evaluación Premium Miró", body)
	if !sentMsg && !sentMail {
		s.logger.Warn("payment approved but patient could not be notified", "evaluation_id", evt.EvaluationID)
	}
	return nil
}

// AppointmentBooked sends the appointment confirmation.
func (s *Service) AppointmentBooked(ctx context.Context, evt events.AppointmentBookedV1) error {
	at, err := time.ParseInLocation("2006-01-02 15:04", evt.Date+" "+evt.Time, s.location)
	if err != nil {
		return fmt.Errorf("notify: appointment time: %w", err)
	}
	body, err := s.catalog.AppointmentConfirmed(evt.PatientName, at)
	if err != nil {
		return err
	}
	to := Contact{Name: evt.PatientName, Email: evt.PatientEmail, Phone: evt.PatientPhone}
	s.dispatch(ctx, messaging.Message{To: to.Phone, Body: body, Kind: messaging.KindAppointmentConfirmed, EvaluationID: evt.EvaluationID})
	s.sendEmail(ctx, to, "Cita confirmada - "+templates.ClinicName, body)
	return nil
}

// Handle routes outbox entries to the matching notification.
func (s *Service) Handle(ctx context.Context, entry events.OutboxEntry) error {
	switch entry.Type {
	case events.TypePaymentStatusChanged:
		var evt events.PaymentStatusChangedV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("notify: decode %s: %w", entry.Type, err)
		}
		return s.PaymentStatusChanged(ctx, evt)
	case events.TypeAppointmentBooked:
		var evt events.AppointmentBookedV1
		if err := json.Unmarshal(entry.Payload, &evt); err != nil {
			return fmt.Errorf("notify: decode %s: %w", entry.Type, err)
		}
		return s.AppointmentBooked(ctx, evt)
	default:
		return nil
	}
}

func (s *Service) dispatch(ctx context.Context, msg messaging.Message) bool {
	if s.messages == nil || messaging.NormalizePhone(msg.To) == "" {
		return false
	}
	if err := s.messages.Dispatch(ctx, msg); err != nil {
		s.logger.Warn("message dispatch failed", "kind", msg.Kind, "evaluation_id", msg.EvaluationID, "error", err)
		return false
	}
	return true
}

func (s *Service) sendEmail(ctx context.Context, to Contact, subject, body string) bool {
	if s.email == nil || strings.TrimSpace(to.Email) == "" {
		return false
	}
	if err := s.email.Send(ctx, EmailMessage{To: to.Email, ToName: to.Name, Subject: subject, Body: body}); err != nil {
		s.logger.Warn("email send failed", "subject", subject, "error", err)
		return false
	}
	return true
}
