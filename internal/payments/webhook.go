package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// MercadoPagoWebhookHandler receives payment notifications. It answers 200
// for every accepted notification so the gateway does not keep retrying,
// except when the status event could not be queued: that answers 500 and
// the gateway redelivers.
type MercadoPagoWebhookHandler struct {
	secret    string
	processor *StatusProcessor
	logger    *logging.Logger
}

func NewMercadoPagoWebhookHandler(secret string, processor *StatusProcessor, logger *logging.Logger) *MercadoPagoWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &MercadoPagoWebhookHandler{secret: secret, processor: processor, logger: logger.Component("mp_webhook")}
}

// flexibleID accepts ids sent either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func (f flexibleID) String() string { return string(f) }

type mpNotification struct {
	ID     flexibleID `json:"id"`
	Type   string     `json:"type"`
	Topic  string     `json:"topic"`
	Action string     `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

func (h *MercadoPagoWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var note mpNotification
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &note); err != nil {
			h.logger.Warn("failed to decode mercadopago notification", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}

	q := r.URL.Query()
	kind := firstNonBlank(note.Type, note.Topic, q.Get("type"), q.Get("topic"))
	paymentID := firstNonBlank(q.Get("data.id"), note.Data.ID.String())
	if paymentID == "" && kind == "payment" {
		paymentID = firstNonBlank(q.Get("id"), note.ID.String())
	}

	if h.secret != "" {
		if !VerifySignature(h.secret, r.Header.Get("x-signature"), r.Header.Get("x-request-id"), paymentID) {
			h.logger.Warn("mercadopago signature mismatch", "payment_id", paymentID)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if kind != "payment" || paymentID == "" {
		h.logger.Debug("ignoring mercadopago notification", "type", kind, "action", note.Action)
		w.WriteHeader(http.StatusOK)
		return
	}
	if h.processor == nil {
		h.logger.Error("mercadopago webhook received without processor", "payment_id", paymentID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.processor.Process(r.Context(), paymentID); err != nil {
		h.logger.Error("mercadopago notification not applied", "payment_id", paymentID, "error", err)
		if errors.Is(err, ErrEventNotQueued) {
			http.Error(w, "retry later", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
