package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

var (
	// ErrNotConfigured means no gateway credentials are available. Not retryable.
	ErrNotConfigured = errors.New("payments: gateway not configured")
	// ErrPaymentNotFound is returned when the gateway does not know the payment id.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrNotScreened is returned when checkout is requested before screening.
	// Existing patients with a treatment request are exempt.
	ErrNotScreened = errors.New("payments: evaluation has not been screened")
)

// CheckoutParams describes one premium evaluation charge.
type CheckoutParams struct {
	EvaluationID string
	LeadID       string
	Description  string
	Amount       int
	Currency     string
	PayerName    string
	PayerEmail   string
	ExpiresAt    time.Time
}

// CheckoutSession is a hosted payment page created by the gateway.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// Payment is the gateway's view of a payment.
type Payment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            int
}

// Gateway creates hosted checkouts and looks up payments.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// MapStatus converts a gateway status into the evaluation payment status.
// Unknown values are treated as pending.
func MapStatus(raw string) evaluation.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "authorized":
		return evaluation.PaymentApproved
	case "rejected", "cancelled", "canceled":
		return evaluation.PaymentRejected
	case "refunded", "charged_back":
		return evaluation.PaymentRefunded
	default:
		return evaluation.PaymentPending
	}
}
