package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Recorder observes checkout and webhook outcomes.
type Recorder interface {
	ObserveCheckout(provider, outcome string)
	ObserveWebhook(provider, outcome string)
}

type leadStageUpdater interface {
	UpdateStage(ctx context.Context, id string, stage leads.Stage) error
}

// CheckoutService opens hosted checkouts for evaluations.
type CheckoutService struct {
	evaluations evaluation.Repository
	leads       leadStageUpdater
	gateway     Gateway
	prices      evaluation.PriceTable
	outbox      events.Publisher
	recorder    Recorder
	logger      *logging.Logger
	ttl         time.Duration
	now         func() time.Time
}

// CheckoutServiceConfig wires a CheckoutService.
type CheckoutServiceConfig struct {
	Evaluations evaluation.Repository
	Leads       leadStageUpdater
	// Gateway may be nil when no credentials are configured.
	Gateway  Gateway
	Prices   evaluation.PriceTable
	Outbox   events.Publisher
	Recorder Recorder
	Logger   *logging.Logger
	TTL      time.Duration
	Now      func() time.Time
}

func NewCheckoutService(cfg CheckoutServiceConfig) *CheckoutService {
	if cfg.Evaluations == nil {
		panic("payments: evaluation repository required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	prices := cfg.Prices
	if !prices.Valid() {
		prices = evaluation.DefaultPrices
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CheckoutService{
		evaluations: cfg.Evaluations,
		leads:       cfg.Leads,
		gateway:     cfg.Gateway,
		prices:      prices,
		outbox:      cfg.Outbox,
		recorder:    cfg.Recorder,
		logger:      logger.Component("checkout"),
		ttl:         ttl,
		now:         now,
	}
}

// Configured reports whether a gateway is available.
func (s *CheckoutService) Configured() bool { return s.gateway != nil }

// Quote returns the amount and line item for an evaluation.
func (s *CheckoutService) Quote(ev *evaluation.Evaluation) (int, string) {
	return s.prices.AmountFor(ev.RouteType), evaluation.DescriptionFor(ev.RouteType)
}

// CreateCheckout opens a checkout for the evaluation, reusing a still-open
// session instead of creating a second live one.
func (s *CheckoutService) CreateCheckout(ctx context.Context, evaluationID string) (*evaluation.Checkout, error) {
	ev, err := s.evaluations.Get(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	switch ev.PaymentStatus {
	case evaluation.PaymentApproved, evaluation.PaymentRefunded:
		return nil, evaluation.ErrAlreadyPaid
	}
	if !ev.Screened() && !skipsScreening(ev) {
		return nil, ErrNotScreened
	}
	now := s.now()
	if open, ok := ev.OpenCheckout(now); ok {
		s.observe("reused")
		return &open, nil
	}
	if s.gateway == nil {
		s.logger.Error("checkout requested without gateway credentials", "evaluation_id", evaluationID)
		return nil, ErrNotConfigured
	}

	amount, description := s.Quote(ev)
	session, err := s.gateway.CreateCheckout(ctx, CheckoutParams{
		EvaluationID: ev.ID,
		LeadID:       ev.LeadID,
		Description:  description,
		Amount:       amount,
		Currency:     "CLP",
		PayerName:    ev.Name,
		PayerEmail:   ev.Email,
		ExpiresAt:    now.Add(s.ttl),
	})
	if err != nil {
		s.observe("error")
		s.logger.Error("checkout creation failed", "evaluation_id", evaluationID, "error", err)
		return nil, fmt.Errorf("payments: create checkout: %w", err)
	}

	checkout := evaluation.Checkout{PaymentID: session.ID, URL: session.URL, Amount: amount, ExpiresAt: session.ExpiresAt}
	saved, err := s.evaluations.RecordCheckout(ctx, ev.ID, checkout)
	if errors.Is(err, evaluation.ErrCheckoutOpen) {
		// Another request won the race; hand back its session.
		current, getErr := s.evaluations.Get(ctx, ev.ID)
		if getErr != nil {
			return nil, getErr
		}
		if open, ok := current.OpenCheckout(s.now()); ok {
			s.observe("reused")
			return &open, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if s.leads != nil && saved.LeadID != "" {
		if err := s.leads.UpdateStage(ctx, saved.LeadID, leads.StageCheckoutCreated); err != nil && !errors.Is(err, leads.ErrStageRegression) {
			s.logger.Warn("lead stage update failed", "lead_id", saved.LeadID, "error", err)
		}
	}
	if s.outbox != nil {
		if _, err := s.outbox.Insert(ctx, saved.ID, events.TypeCheckoutCreated, events.CheckoutCreatedV1{
			EventID:      session.ID,
			EvaluationID: saved.ID,
			LeadID:       saved.LeadID,
			Provider:     s.gateway.Name(),
			PaymentID:    session.ID,
			Amount:       int64(amount),
			CheckoutURL:  session.URL,
			CreatedAt:    now.UTC(),
		}); err != nil {
			s.logger.Warn("checkout outbox insert failed", "evaluation_id", saved.ID, "error", err)
		}
	}
	s.observe("created")
	s.logger.Info("checkout created", "evaluation_id", saved.ID, "payment_id", session.ID, "amount", amount)
	return &checkout, nil
}

// skipsScreening covers existing patients requesting a treatment, who go
// straight from their request to the premium evaluation.
func skipsScreening(ev *evaluation.Evaluation) bool {
	return ev.RouteType == evaluation.RouteExistingPatient && ev.Stage.Rank() >= evaluation.StageQuestionnaireDone.Rank()
}

func (s *CheckoutService) observe(outcome string) {
	if s.recorder == nil {
		return
	}
	provider := "none"
	if s.gateway != nil {
		provider = s.gateway.Name()
	}
	s.recorder.ObserveCheckout(provider, outcome)
}

var (
	// ErrMissingReference is returned for payments not tied to an evaluation.
	ErrMissingReference = errors.New("payments: payment has no external reference")
	// ErrEventNotQueued means the status was stored but its event was not.
	// The notification stays unprocessed so a redelivery enqueues it.
	ErrEventNotQueued = errors.New("payments: payment event not queued")
)

// StatusProcessor applies authoritative gateway payment states to evaluations.
type StatusProcessor struct {
	gateway     Gateway
	evaluations evaluation.Repository
	leads       leadStageUpdater
	processed   events.Deduper
	outbox      events.Publisher
	recorder    Recorder
	logger      *logging.Logger
	now         func() time.Time
}

func NewStatusProcessor(gateway Gateway, evaluations evaluation.Repository, leadsRepo leadStageUpdater, processed events.Deduper, outbox events.Publisher, recorder Recorder, logger *logging.Logger) *StatusProcessor {
	if logger == nil {
		logger = logging.Default()
	}
	if processed == nil {
		processed = events.NewMemoryProcessedStore()
	}
	return &StatusProcessor{
		gateway:     gateway,
		evaluations: evaluations,
		leads:       leadsRepo,
		processed:   processed,
		outbox:      outbox,
		recorder:    recorder,
		logger:      logger.Component("payment_status"),
		now:         time.Now,
	}
}

// Process fetches the payment and applies it. Replays of the same
// payment/status pair are no-ops.
func (p *StatusProcessor) Process(ctx context.Context, paymentID string) (*evaluation.Evaluation, error) {
	if p.gateway == nil {
		return nil, ErrNotConfigured
	}
	payment, err := p.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		p.observe("lookup_failed")
		return nil, err
	}
	evaluationID := strings.TrimSpace(payment.ExternalReference)
	if evaluationID == "" {
		p.observe("no_reference")
		return nil, ErrMissingReference
	}
	status := MapStatus(payment.Status)
	eventKey := payment.ID + ":" + string(status)

	seen, err := p.processed.AlreadyProcessed(ctx, p.gateway.Name(), eventKey)
	if err != nil {
		return nil, err
	}
	if seen {
		p.observe("duplicate")
		return p.evaluations.Get(ctx, evaluationID)
	}

	before, err := p.evaluations.Get(ctx, evaluationID)
	if err != nil {
		p.observe("unknown_evaluation")
		return nil, err
	}
	updated, err := p.evaluations.ApplyPaymentStatus(ctx, evaluationID, evaluation.PaymentUpdate{
		Status:    status,
		PaymentID: payment.ID,
		Amount:    payment.Amount,
	})
	if errors.Is(err, evaluation.ErrPaymentTransition) {
		p.logger.Warn("ignoring out-of-order payment status",
			"evaluation_id", evaluationID,
			"current", before.PaymentStatus,
			"incoming", status,
		)
		p.markProcessed(ctx, eventKey)
		p.observe("ignored")
		return updated, nil
	}
	if err != nil {
		p.observe("error")
		return nil, err
	}

	p.updateLead(ctx, updated, status)
	// A redelivery of an unprocessed key finds the status already stored.
	redelivered := before.PaymentStatus == status && before.PaymentID == payment.ID
	if p.outbox != nil && (before.PaymentStatus != status || redelivered) {
		if _, err := p.outbox.Insert(ctx, updated.ID, events.TypePaymentStatusChanged, events.PaymentStatusChangedV1{
			EventID:        eventKey,
			EvaluationID:   updated.ID,
			LeadID:         updated.LeadID,
			Provider:       p.gateway.Name(),
			PaymentID:      payment.ID,
			Status:         string(status),
			PreviousStatus: string(before.PaymentStatus),
			Amount:         int64(payment.Amount),
			OccurredAt:     p.now().UTC(),
			PatientName:    updated.Name,
			PatientEmail:   updated.Email,
			PatientPhone:   updated.Phone,
		}); err != nil {
			p.logger.Error("failed to enqueue payment event", "evaluation_id", updated.ID, "error", err)
			p.observe("enqueue_failed")
			return updated, fmt.Errorf("%w: %v", ErrEventNotQueued, err)
		}
	}
	p.markProcessed(ctx, eventKey)
	p.observe(string(status))
	p.logger.Info("payment status applied",
		"evaluation_id", updated.ID,
		"payment_id", payment.ID,
		"status", status,
		"stage", updated.Stage,
	)
	return updated, nil
}

func (p *StatusProcessor) updateLead(ctx context.Context, ev *evaluation.Evaluation, status evaluation.PaymentStatus) {
	if p.leads == nil || ev.LeadID == "" {
		return
	}
	var stage leads.Stage
	switch status {
	case evaluation.PaymentApproved:
		stage = leads.StagePaid
	case evaluation.PaymentRefunded:
		stage = leads.StageCancelled
	default:
		return
	}
	if err := p.leads.UpdateStage(ctx, ev.LeadID, stage); err != nil && !errors.Is(err, leads.ErrStageRegression) {
		p.logger.Warn("lead stage update failed", "lead_id", ev.LeadID, "error", err)
	}
}

func (p *StatusProcessor) markProcessed(ctx context.Context, key string) {
	if _, err := p.processed.MarkProcessed(ctx, p.gateway.Name(), key); err != nil {
		p.logger.Error("failed to record processed event", "error", err)
	}
}

func (p *StatusProcessor) observe(outcome string) {
	if p.recorder == nil {
		return
	}
	provider := "none"
	if p.gateway != nil {
		provider = p.gateway.Name()
	}
	p.recorder.ObserveWebhook(provider, outcome)
}
