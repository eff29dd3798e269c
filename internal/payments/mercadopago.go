package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

var mpTracer = otel.Tracer("dental.internal.payments.mercadopago")

const (
	defaultMercadoPagoURL = "https://api.mercadopago.com"
	statementDescriptor   = "MIRO DENTAL"
	// mpTimeLayout is the ISO-8601 form Mercado Pago accepts for expirations.
	mpTimeLayout = "2006-01-02T15:04:05.000-07:00"
)

// MercadoPagoConfig controls how the Mercado Pago client behaves.
type MercadoPagoConfig struct {
	AccessToken string
	BaseURL     string
	// FrontendURL receives the back_urls redirect after checkout.
	FrontendURL string
	// NotificationURL is where Mercado Pago posts payment webhooks.
	NotificationURL string
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	HTTPClient      *http.Client
	Logger          *logging.Logger
}

// MercadoPagoClient creates checkout preferences and reads payments.
type MercadoPagoClient struct {
	accessToken     string
	baseURL         string
	frontendURL     string
	notificationURL string
	httpClient      *http.Client
	maxRetries      int
	backoff         time.Duration
	logger          *logging.Logger
}

// NewMercadoPagoClient creates a configured client.
func NewMercadoPagoClient(cfg MercadoPagoConfig) (*MercadoPagoClient, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultMercadoPagoURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &MercadoPagoClient{
		accessToken:     cfg.AccessToken,
		baseURL:         baseURL,
		frontendURL:     strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"),
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
		httpClient:      httpClient,
		maxRetries:      maxRetries,
		backoff:         backoff,
		logger:          logger,
	}, nil
}

func (c *MercadoPagoClient) Name() string { return "mercadopago" }

type mpItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int    `json:"unit_price"`
	CurrencyID string `json:"currency_id"`
}

type mpPayer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type mpBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type mpPreferenceRequest struct {
	Items               []mpItem          `json:"items"`
	Payer               mpPayer           `json:"payer"`
	BackURLs            mpBackURLs        `json:"back_urls"`
	AutoReturn          string            `json:"auto_return,omitempty"`
	ExternalReference   string            `json:"external_reference"`
	NotificationURL     string            `json:"notification_url,omitempty"`
	StatementDescriptor string            `json:"statement_descriptor"`
	Expires             bool              `json:"expires"`
	ExpirationDateFrom  string            `json:"expiration_date_from,omitempty"`
	ExpirationDateTo    string            `json:"expiration_date_to,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type mpPreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CreateCheckout creates a checkout preference keyed by the evaluation id.
func (c *MercadoPagoClient) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if strings.TrimSpace(params.EvaluationID) == "" {
		return nil, errors.New("payments: evaluation id required")
	}
	if params.Amount <= 0 {
		return nil, errors.New("payments: amount must be positive")
	}
	ctx, span := mpTracer.Start(ctx, "mercadopago.create_preference")
	defer span.End()
	span.SetAttributes(
		attribute.String("dental.evaluation_id", params.EvaluationID),
		attribute.Int("dental.amount", params.Amount),
	)

	currency := params.Currency
	if currency == "" {
		currency = "CLP"
	}
	now := time.Now()
	expires := params.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(24 * time.Hour)
	}
	body := mpPreferenceRequest{
		Items: []mpItem{{
			ID:         params.EvaluationID,
			Title:      params.Description,
			Quantity:   1,
			UnitPrice:  params.Amount,
			CurrencyID: currency,
		}},
		Payer:               mpPayer{Name: params.PayerName, Email: params.PayerEmail},
		BackURLs:            c.backURLs(params.EvaluationID),
		AutoReturn:          "approved",
		ExternalReference:   params.EvaluationID,
		NotificationURL:     c.notificationURL,
		StatementDescriptor: statementDescriptor,
		Expires:             true,
		ExpirationDateFrom:  now.Format(mpTimeLayout),
		ExpirationDateTo:    expires.Format(mpTimeLayout),
		Metadata: map[string]string{
			"evaluation_id": params.EvaluationID,
			"lead_id":       params.LeadID,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: mercadopago payload: %w", err)
	}

	headers := http.Header{}
	headers.Set("X-Idempotency-Key", idempotencyKey(params.EvaluationID, params.Amount, expires))
	data, err := c.invoke(ctx, http.MethodPost, "/checkout/preferences", payload, headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var resp mpPreferenceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("payments: decode mercadopago preference: %w", err)
	}
	if resp.InitPoint == "" {
		return nil, errors.New("payments: mercadopago response missing init_point")
	}
	span.SetAttributes(attribute.String("dental.preference_id", resp.ID))
	return &CheckoutSession{ID: resp.ID, URL: resp.InitPoint, ExpiresAt: expires}, nil
}

type mpPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
}

// GetPayment reads the authoritative payment state.
func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, errors.New("payments: payment id required")
	}
	ctx, span := mpTracer.Start(ctx, "mercadopago.get_payment")
	defer span.End()
	span.SetAttributes(attribute.String("dental.payment_id", paymentID))

	data, err := c.invoke(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil)
	if err != nil {
		var apiErr *mpAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrPaymentNotFound
		}
		span.RecordError(err)
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p mpPayment
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("payments: decode mercadopago payment: %w", err)
	}
	id := p.ID.String()
	if id == "" {
		id = paymentID
	}
	return &Payment{
		ID:                id,
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		Amount:            int(math.Round(p.TransactionAmount)),
	}, nil
}

func (c *MercadoPagoClient) backURLs(evaluationID string) mpBackURLs {
	build := func(outcome string) string {
		q := url.Values{}
		q.Set("payment", outcome)
		q.Set("evaluation_id", evaluationID)
		return c.frontendURL + "/?" + q.Encode()
	}
	return mpBackURLs{
		Success: build("success"),
		Failure: build("failure"),
		Pending: build("pending"),
	}
}

func (c *MercadoPagoClient) invoke(ctx context.Context, method, path string, body []byte, headers http.Header) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("payments: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("payments: mercadopago http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("payments: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("payments: request failed without response")
}

func (c *MercadoPagoClient) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *MercadoPagoClient) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("mercadopago retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

type mpAPIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	ErrorCode  string `json:"error,omitempty"`
}

func (e *mpAPIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payments: mercadopago %s (status=%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("payments: mercadopago http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var parsed mpAPIError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &mpAPIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	parsed.StatusCode = status
	return &parsed
}

func idempotencyKey(evaluationID string, amount int, expires time.Time) string {
	sum := sha256.Sum256([]byte(evaluationID + "|" + strconv.Itoa(amount) + "|" + strconv.FormatInt(expires.Unix(), 10)))
	return hex.EncodeToString(sum[:16])
}

// VerifySignature validates Mercado Pago's x-signature header. The signed
// manifest is "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func VerifySignature(secret, header, requestID, dataID string) bool {
	if secret == "" || header == "" {
		return false
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest.String()))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v1))
}
