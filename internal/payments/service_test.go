package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type countingGateway struct {
	Gateway
	creates int
	err     error
}

func (g *countingGateway) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	g.creates++
	if g.err != nil {
		return nil, g.err
	}
	return g.Gateway.CreateCheckout(ctx, params)
}

type leadStageStub struct {
	stages map[string][]leads.Stage
}

func (l *leadStageStub) UpdateStage(_ context.Context, id string, stage leads.Stage) error {
	if l.stages == nil {
		l.stages = map[string][]leads.Stage{}
	}
	l.stages[id] = append(l.stages[id], stage)
	return nil
}

func screenedEvaluation(t *testing.T, repo *evaluation.InMemoryRepository, route evaluation.RouteType) *evaluation.Evaluation {
	t.Helper()
	ctx := context.Background()
	ev, err := repo.Create(ctx, evaluation.NewEvaluation{
		LeadID:    "lead-1",
		Name:      "Ana Pérez",
		Email:     "ana@example.com",
		Phone:     "+56911111111",
		RouteType: route,
		Stage:     evaluation.StageQuestionnaireDone,
	})
	if err != nil {
		t.Fatalf("create evaluation: %v", err)
	}
	ev, err = repo.RecordScreening(ctx, ev.ID, evaluation.ScreeningResult{
		Route:   evaluation.SuggestedCaries,
		Summary: "Caries incipiente.",
		Source:  evaluation.SourceFallback,
	})
	if err != nil {
		t.Fatalf("record screening: %v", err)
	}
	return ev
}

func newFakeGateway(t *testing.T) *FakeGateway {
	t.Helper()
	g, err := NewFakeGateway("http://localhost:8080")
	if err != nil {
		t.Fatalf("fake gateway: %v", err)
	}
	return g
}

func TestCheckoutServiceCreatesAndReuses(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteExistingPatient)
	gw := &countingGateway{Gateway: newFakeGateway(t)}
	leadsStub := &leadStageStub{}
	outbox := events.NewMemoryOutbox()
	svc := NewCheckoutService(CheckoutServiceConfig{
		Evaluations: repo,
		Leads:       leadsStub,
		Gateway:     gw,
		Outbox:      outbox,
		Logger:      logging.Discard(),
	})

	first, err := svc.CreateCheckout(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if first.Amount != evaluation.DefaultPrices.ExistingPatient {
		t.Fatalf("expected copay amount, got %d", first.Amount)
	}
	second, err := svc.CreateCheckout(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if gw.creates != 1 || second.URL != first.URL || second.Amount != first.Amount {
		t.Fatalf("expected open session reuse, creates=%d first=%+v second=%+v", gw.creates, first, second)
	}

	stored, _ := repo.Get(context.Background(), ev.ID)
	if stored.Stage != evaluation.StagePaymentPending || stored.PaymentStatus != evaluation.PaymentPending {
		t.Fatalf("unexpected stored state: stage=%s status=%s", stored.Stage, stored.PaymentStatus)
	}
	if got := leadsStub.stages["lead-1"]; len(got) != 1 || got[0] != leads.StageCheckoutCreated {
		t.Fatalf("expected lead CHECKOUT_CREATED, got %v", got)
	}
	if entries := outbox.Entries(); len(entries) != 1 || entries[0].Type != events.TypeCheckoutCreated {
		t.Fatalf("expected checkout event, got %+v", entries)
	}
}

func TestCheckoutServiceAmountsByRoute(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: newFakeGateway(t), Logger: logging.Discard()})

	existing, _ := svc.Quote(&evaluation.Evaluation{RouteType: evaluation.RouteExistingPatient})
	for _, route := range []evaluation.RouteType{evaluation.RouteNewPatient, evaluation.RouteSecondOpinion, evaluation.RouteInternational} {
		amount, desc := svc.Quote(&evaluation.Evaluation{RouteType: route})
		if existing >= amount {
			t.Fatalf("existing patient amount %d should be below %s amount %d", existing, route, amount)
		}
		if desc != "Evaluación Premium Miró" {
			t.Fatalf("unexpected description %q", desc)
		}
	}
}

func TestCheckoutServiceNotConfigured(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Logger: logging.Discard()})

	_, err := svc.CreateCheckout(context.Background(), ev.ID)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if CheckoutErrorStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for missing configuration")
	}
	stored, _ := repo.Get(context.Background(), ev.ID)
	if stored.Stage != evaluation.StageAIAnalyzed || stored.CheckoutURL != "" {
		t.Fatalf("expected no partial write, got %+v", stored)
	}
}

func TestCheckoutServiceGatewayFailureLeavesStateUntouched(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	gw := &countingGateway{Gateway: newFakeGateway(t), err: errors.New("503 from gateway")}
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: gw, Logger: logging.Discard()})

	if _, err := svc.CreateCheckout(context.Background(), ev.ID); err == nil {
		t.Fatal("expected error")
	}
	stored, _ := repo.Get(context.Background(), ev.ID)
	if stored.Stage != evaluation.StageAIAnalyzed || stored.PaymentStatus != "" {
		t.Fatalf("expected untouched evaluation, got stage=%s status=%s", stored.Stage, stored.PaymentStatus)
	}
}

func TestCheckoutServiceRequiresScreening(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev, _ := repo.Create(context.Background(), evaluation.NewEvaluation{Name: "x", Email: "x@example.com", RouteType: evaluation.RouteNewPatient})
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: newFakeGateway(t), Logger: logging.Discard()})
	if _, err := svc.CreateCheckout(context.Background(), ev.ID); !errors.Is(err, ErrNotScreened) {
		t.Fatalf("expected ErrNotScreened, got %v", err)
	}
}

func TestCheckoutServiceExistingPatientSkipsScreening(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev, _ := repo.Create(context.Background(), evaluation.NewEvaluation{
		Name:          "Ana",
		Email:         "ana@example.com",
		RouteType:     evaluation.RouteExistingPatient,
		Stage:         evaluation.StageQuestionnaireDone,
		Questionnaire: map[string]string{evaluation.QuestionMotive: "quiero blanqueamiento"},
	})
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: newFakeGateway(t), Logger: logging.Discard()})
	checkout, err := svc.CreateCheckout(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if checkout.Amount != evaluation.DefaultPrices.ExistingPatient {
		t.Fatalf("expected copay amount, got %d", checkout.Amount)
	}
}

func TestCheckoutServiceNewSessionAfterRejection(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	gw := &countingGateway{Gateway: newFakeGateway(t)}
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: gw, Logger: logging.Discard()})

	if _, err := svc.CreateCheckout(context.Background(), ev.ID); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := repo.ApplyPaymentStatus(context.Background(), ev.ID, evaluation.PaymentUpdate{Status: evaluation.PaymentRejected}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.CreateCheckout(context.Background(), ev.ID); err != nil {
		t.Fatalf("retry checkout: %v", err)
	}
	if gw.creates != 2 {
		t.Fatalf("expected a fresh session after rejection, got %d creates", gw.creates)
	}
}

func TestCheckoutServiceExpiredSessionIsReplaced(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	repo := evaluation.NewInMemoryRepository().WithClock(func() time.Time { return now })
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	gw := &countingGateway{Gateway: newFakeGateway(t)}
	svc := NewCheckoutService(CheckoutServiceConfig{
		Evaluations: repo,
		Gateway:     gw,
		Logger:      logging.Discard(),
		TTL:         time.Hour,
		Now:         func() time.Time { return now },
	})
	if _, err := svc.CreateCheckout(context.Background(), ev.ID); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := svc.CreateCheckout(context.Background(), ev.ID); err != nil {
		t.Fatalf("checkout after expiry: %v", err)
	}
	if gw.creates != 2 {
		t.Fatalf("expected expired session to be replaced, got %d creates", gw.creates)
	}
}

func TestCheckoutHandler(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: newFakeGateway(t), Logger: logging.Discard()})
	h := NewCheckoutHandler(svc, repo, logging.Discard())

	r := chi.NewRouter()
	r.Post("/api/evaluations/{id}/checkout", h.CreateCheckout)
	r.Get("/api/evaluations/{id}/payment", h.GetPaymentStatus)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/evaluations/"+ev.ID+"/checkout", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "/payments/fake/") {
		t.Fatalf("expected fake checkout url, got %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/evaluations/"+ev.ID+"/payment", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"payment_status":"pending"`) {
		t.Fatalf("unexpected status response %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/evaluations/missing/checkout", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestFakePaymentsHandlerApproves(t *testing.T) {
	repo := evaluation.NewInMemoryRepository()
	ev := screenedEvaluation(t, repo, evaluation.RouteNewPatient)
	gw := newFakeGateway(t)
	svc := NewCheckoutService(CheckoutServiceConfig{Evaluations: repo, Gateway: gw, Logger: logging.Discard()})
	checkout, err := svc.CreateCheckout(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	processor := NewStatusProcessor(gw, repo, nil, nil, events.NewMemoryOutbox(), nil, logging.Discard())
	h := NewFakePaymentsHandler(gw, processor, "http://localhost:5173", logging.Discard())
	mux := chi.NewRouter()
	mux.Mount("/payments/fake", h.Routes())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/fake/"+checkout.PaymentID, nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "49000") {
		t.Fatalf("unexpected checkout page %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/fake/"+checkout.PaymentID+"/complete?outcome=approved", nil))
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if loc.Query().Get("payment") != "success" || loc.Query().Get("evaluation_id") != ev.ID {
		t.Fatalf("unexpected redirect %q", rr.Header().Get("Location"))
	}
	stored, _ := repo.Get(context.Background(), ev.ID)
	if stored.PaymentStatus != evaluation.PaymentApproved || stored.Stage != evaluation.StagePaymentDone {
		t.Fatalf("expected approved payment, got %s/%s", stored.PaymentStatus, stored.Stage)
	}
}
