package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// CheckoutHandler exposes checkout creation and payment status reads.
type CheckoutHandler struct {
	checkout    *CheckoutService
	evaluations evaluation.Repository
	logger      *logging.Logger
}

func NewCheckoutHandler(checkout *CheckoutService, evaluations evaluation.Repository, logger *logging.Logger) *CheckoutHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutHandler{checkout: checkout, evaluations: evaluations, logger: logger}
}

type checkoutResponse struct {
	CheckoutURL string    `json:"checkout_url"`
	PaymentID   string    `json:"payment_id"`
	Amount      int       `json:"amount"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

type paymentStatusResponse struct {
	EvaluationID  string                   `json:"evaluation_id"`
	PaymentStatus evaluation.PaymentStatus `json:"payment_status"`
	Stage         evaluation.Stage         `json:"stage"`
	Amount        int                      `json:"amount,omitempty"`
}

// CreateCheckout handles POST /api/evaluations/{id}/checkout.
func (h *CheckoutHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	checkout, err := h.checkout.CreateCheckout(r.Context(), id)
	if err != nil {
		status := CheckoutErrorStatus(err)
		if status >= 500 {
			h.logger.Error("checkout failed", "evaluation_id", id, "error", err)
		}
		http.Error(w, checkoutErrorMessage(err), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(checkoutResponse{
		CheckoutURL: checkout.URL,
		PaymentID:   checkout.PaymentID,
		Amount:      checkout.Amount,
		ExpiresAt:   checkout.ExpiresAt,
	})
}

// GetPaymentStatus handles GET /api/evaluations/{id}/payment. It only reads.
func (h *CheckoutHandler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.evaluations.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, evaluation.ErrNotFound) {
			http.Error(w, "evaluation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load evaluation", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(paymentStatusResponse{
		EvaluationID:  ev.ID,
		PaymentStatus: ev.PaymentStatus,
		Stage:         ev.Stage,
		Amount:        ev.PaymentAmount,
	})
}

// CheckoutErrorStatus maps checkout errors onto HTTP status codes.
func CheckoutErrorStatus(err error) int {
	switch {
	case errors.Is(err, evaluation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, evaluation.ErrAlreadyPaid), errors.Is(err, ErrNotScreened), errors.Is(err, evaluation.ErrStageRegression):
		return http.StatusConflict
	case errors.Is(err, ErrNotConfigured):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func checkoutErrorMessage(err error) string {
	switch {
	case errors.Is(err, evaluation.ErrNotFound):
		return "evaluation not found"
	case errors.Is(err, evaluation.ErrAlreadyPaid):
		return "evaluation already paid"
	case errors.Is(err, ErrNotScreened):
		return "evaluation not screened yet"
	case errors.Is(err, ErrNotConfigured):
		return "payment gateway not configured"
	default:
		return "failed to create checkout"
	}
}

// FakePaymentsHandler exposes a tiny demo page to complete payments without
// Mercado Pago. Only mount this handler when ALLOW_FAKE_PAYMENTS=true.
type FakePaymentsHandler struct {
	gateway     *FakeGateway
	processor   *StatusProcessor
	frontendURL string
	logger      *logging.Logger
}

func NewFakePaymentsHandler(gateway *FakeGateway, processor *StatusProcessor, frontendURL string, logger *logging.Logger) *FakePaymentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakePaymentsHandler{
		gateway:     gateway,
		processor:   processor,
		frontendURL: strings.TrimRight(strings.TrimSpace(frontendURL), "/"),
		logger:      logger,
	}
}

func (h *FakePaymentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{paymentID}", h.HandleCheckout)
	r.Post("/{paymentID}/complete", h.HandleComplete)
	return r
}

func (h *FakePaymentsHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	params, payment, ok := h.gateway.checkout(paymentID)
	if !ok {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Pago de prueba</title>
  </head>
  <body style="font-family: sans-serif; max-width: 28rem; margin: 3rem auto;">
    <h1>Pago de prueba</h1>
    <p>%s</p>
    <p><strong>$%d CLP</strong> (estado: %s)</p>
    <form method="post" action="%s/complete?outcome=approved"><button type="submit">Aprobar pago</button></form>
    <form method="post" action="%s/complete?outcome=rejected"><button type="submit">Rechazar pago</button></form>
  </body>
</html>`,
		html.EscapeString(params.Description),
		params.Amount,
		html.EscapeString(payment.Status),
		html.EscapeString(url.PathEscape(paymentID)),
		html.EscapeString(url.PathEscape(paymentID)),
	)
}

func (h *FakePaymentsHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	outcome := r.URL.Query().Get("outcome")
	if outcome == "" {
		outcome = "approved"
	}
	payment, err := h.gateway.SetStatus(paymentID, outcome)
	if err != nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	if _, err := h.processor.Process(r.Context(), paymentID); err != nil {
		h.logger.Error("fake payment not applied", "payment_id", paymentID, "error", err)
	}

	result := "success"
	if MapStatus(outcome) != evaluation.PaymentApproved {
		result = "failure"
	}
	q := url.Values{}
	q.Set("payment", result)
	q.Set("evaluation_id", payment.ExternalReference)
	http.Redirect(w, r, h.frontendURL+"/?"+q.Encode(), http.StatusSeeOther)
}
