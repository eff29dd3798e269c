package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Kind labels a transactional message for logs and metrics.
type Kind string

const (
	KindOTP                  Kind = "otp"
	KindPaymentApproved      Kind = "payment_approved"
	KindAppointmentConfirmed Kind = "appointment_confirmed"
)

// ErrNoRecipient is returned when a message has no usable phone number.
var ErrNoRecipient = errors.New("messaging: recipient phone required")

// Message is one outbound patient notification.
type Message struct {
	To           string `json:"to"`
	Body         string `json:"body"`
	Kind         Kind   `json:"kind"`
	EvaluationID string `json:"evaluation_id,omitempty"`
}

// Validate checks the message can be handed to a provider.
func (m Message) Validate() error {
	if NormalizePhone(m.To) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(m.Body) == "" {
		return errors.New("messaging: body required")
	}
	return nil
}

// Sender delivers a message over a patient channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogSender only logs messages. It stands in when no provider is configured.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.Info("message not sent, no provider configured",
		"kind", msg.Kind,
		"to", MaskPhone(msg.To),
		"evaluation_id", msg.EvaluationID,
	)
	return nil
}

// FailoverSender attempts a primary send, then falls back to a secondary
// provider on error.
type FailoverSender struct {
	primary       Sender
	secondary     Sender
	primaryName   string
	secondaryName string
	logger        *logging.Logger
}

func NewFailoverSender(primary Sender, primaryName string, secondary Sender, secondaryName string, logger *logging.Logger) *FailoverSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &FailoverSender{
		primary:       primary,
		secondary:     secondary,
		primaryName:   primaryName,
		secondaryName: secondaryName,
		logger:        logger,
	}
}

func (f *FailoverSender) Send(ctx context.Context, msg Message) error {
	if f == nil || f.primary == nil {
		return errors.New("messaging: failover primary sender not configured")
	}
	err := f.primary.Send(ctx, msg)
	if err == nil || f.secondary == nil {
		return err
	}
	f.logger.Warn("primary send failed; attempting fallback",
		"provider", f.primaryName,
		"fallback", f.secondaryName,
		"kind", msg.Kind,
		"error", err,
	)
	if fallbackErr := f.secondary.Send(ctx, msg); fallbackErr != nil {
		f.logger.Error("fallback send failed",
			"provider", f.secondaryName,
			"kind", msg.Kind,
			"error", fallbackErr,
		)
		return fallbackErr
	}
	return nil
}
