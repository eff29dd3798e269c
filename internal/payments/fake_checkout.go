package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeGateway is a dev/demo gateway that hosts its own checkout page and
// lets the user complete the payment without Mercado Pago credentials.
//
// This MUST be gated by configuration (ALLOW_FAKE_PAYMENTS) and should never
// be enabled in production.
type FakeGateway struct {
	publicBaseURL string

	mu       sync.Mutex
	payments map[string]*fakePayment
}

type fakePayment struct {
	payment   Payment
	params    CheckoutParams
	expiresAt time.Time
}

func NewFakeGateway(publicBaseURL string) (*FakeGateway, error) {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("payments: fake checkout requires PUBLIC_BASE_URL")
	}
	if !isValidBaseURL(base) {
		return nil, fmt.Errorf("payments: fake checkout PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	return &FakeGateway{publicBaseURL: base, payments: make(map[string]*fakePayment)}, nil
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateCheckout(_ context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if strings.TrimSpace(params.EvaluationID) == "" {
		return nil, fmt.Errorf("payments: fake checkout requires evaluation id")
	}
	id := "fake-" + uuid.NewString()
	expires := params.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(24 * time.Hour)
	}
	g.mu.Lock()
	g.payments[id] = &fakePayment{
		payment: Payment{
			ID:                id,
			Status:            "pending",
			ExternalReference: params.EvaluationID,
			Amount:            params.Amount,
		},
		params:    params,
		expiresAt: expires,
	}
	g.mu.Unlock()
	return &CheckoutSession{
		ID:        id,
		URL:       fmt.Sprintf("%s/payments/fake/%s", g.publicBaseURL, url.PathEscape(id)),
		ExpiresAt: expires,
	}, nil
}

func (g *FakeGateway) GetPayment(_ context.Context, paymentID string) (*Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	out := p.payment
	return &out, nil
}

// SetStatus changes the simulated gateway status of a payment.
func (g *FakeGateway) SetStatus(paymentID, status string) (*Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p.payment.Status = status
	out := p.payment
	return &out, nil
}

func (g *FakeGateway) checkout(paymentID string) (CheckoutParams, Payment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return CheckoutParams{}, Payment{}, false
	}
	return p.params, p.payment, true
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
