package evaluation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEvaluation(t *testing.T, repo Repository, route RouteType) *Evaluation {
	t.Helper()
	ev, err := repo.Create(context.Background(), NewEvaluation{
		Name:          "Ana Pérez",
		Email:         " Ana@Example.com ",
		Phone:         "+56911111111",
		RouteType:     route,
		Questionnaire: map[string]string{QuestionMotive: "Quiero evaluar una posible caries"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return ev
}

func TestInMemoryCreateDefaults(t *testing.T) {
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)
	if ev.Stage != StageStarted {
		t.Fatalf("expected started, got %s", ev.Stage)
	}
	if ev.Email != "ana@example.com" {
		t.Fatalf("expected normalized email, got %q", ev.Email)
	}
	if ev.Motive() == "" {
		t.Fatal("expected motive to be kept")
	}
	if _, err := repo.Create(context.Background(), NewEvaluation{Name: "x", RouteType: "vip"}); !errors.Is(err, ErrInvalidRouteType) {
		t.Fatalf("expected ErrInvalidRouteType, got %v", err)
	}
}

func TestInMemoryStageNeverRegresses(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)

	if _, err := repo.AdvanceStage(ctx, ev.ID, StageQuestionnaireDone); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, err := repo.AdvanceStage(ctx, ev.ID, StageStarted); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	cancelled, err := repo.Cancel(ctx, ev.ID)
	if err != nil || cancelled.Stage != StageCancelled {
		t.Fatalf("expected cancel to succeed, got %v %v", cancelled, err)
	}
	if _, err := repo.AdvanceStage(ctx, ev.ID, StageAIAnalyzed); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
}

func TestInMemoryScreeningFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)
	if _, err := repo.AdvanceStage(ctx, ev.ID, StageQuestionnaireDone); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	fallback := ScreeningResult{Route: SuggestedCaries, Summary: "fallback", Source: SourceFallback,
		Findings: []Finding{{ToothID: "2.1", PositionX: 52, PositionY: 32, Severity: SeverityRed}}}
	got, err := repo.RecordScreening(ctx, ev.ID, fallback)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got.Stage != StageAIAnalyzed || got.SuggestedRoute != SuggestedCaries {
		t.Fatalf("unexpected state after screening: %+v", got)
	}

	late := ScreeningResult{Route: SuggestedImplants, Summary: "late ai", Source: SourceAI}
	if _, err := repo.RecordScreening(ctx, ev.ID, late); !errors.Is(err, ErrScreeningAlreadyRecorded) {
		t.Fatalf("expected ErrScreeningAlreadyRecorded, got %v", err)
	}
	stored, _ := repo.Get(ctx, ev.ID)
	if stored.SuggestedRoute != SuggestedCaries || stored.AISummary != "fallback" {
		t.Fatalf("late write must not overwrite: %+v", stored)
	}
}

func TestInMemoryScreeningRejectsPartialResult(t *testing.T) {
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)
	_, err := repo.RecordScreening(context.Background(), ev.ID, ScreeningResult{Route: SuggestedCaries})
	if !errors.Is(err, ErrInvalidScreening) {
		t.Fatalf("expected ErrInvalidScreening, got %v", err)
	}
}

func TestInMemorySingleOpenCheckout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repo := NewInMemoryRepository().WithClock(func() time.Time { return now })
	ev := newTestEvaluation(t, repo, RouteExistingPatient)

	first := Checkout{PaymentID: "pref-1", URL: "https://pay/1", Amount: 25000, ExpiresAt: now.Add(24 * time.Hour)}
	got, err := repo.RecordCheckout(ctx, ev.ID, first)
	if err != nil {
		t.Fatalf("record checkout failed: %v", err)
	}
	if got.Stage != StagePaymentPending || got.PaymentStatus != PaymentPending {
		t.Fatalf("unexpected state: %+v", got)
	}
	if _, err := repo.RecordCheckout(ctx, ev.ID, Checkout{PaymentID: "pref-2", URL: "https://pay/2", Amount: 25000}); !errors.Is(err, ErrCheckoutOpen) {
		t.Fatalf("expected ErrCheckoutOpen, got %v", err)
	}

	now = now.Add(25 * time.Hour)
	got, err = repo.RecordCheckout(ctx, ev.ID, Checkout{PaymentID: "pref-3", URL: "https://pay/3", Amount: 25000})
	if err != nil {
		t.Fatalf("expired checkout should be replaceable: %v", err)
	}
	if got.PaymentID != "pref-3" {
		t.Fatalf("expected replacement checkout, got %s", got.PaymentID)
	}
}

func TestInMemoryApprovedIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)
	if _, err := repo.RecordCheckout(ctx, ev.ID, Checkout{PaymentID: "p", URL: "https://pay", Amount: 49000}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	got, err := repo.ApplyPaymentStatus(ctx, ev.ID, PaymentUpdate{Status: PaymentApproved, PaymentID: "mp-1"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if got.Stage != StagePaymentDone || got.PaymentID != "mp-1" {
		t.Fatalf("unexpected state after approval: %+v", got)
	}
	got, err = repo.ApplyPaymentStatus(ctx, ev.ID, PaymentUpdate{Status: PaymentPending})
	if !errors.Is(err, ErrPaymentTransition) {
		t.Fatalf("expected ErrPaymentTransition, got %v", err)
	}
	if got.PaymentStatus != PaymentApproved {
		t.Fatalf("approved status must be kept, got %s", got.PaymentStatus)
	}
	if _, err := repo.RecordCheckout(ctx, ev.ID, Checkout{URL: "https://pay/again"}); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestInMemoryExternalPatientAndAppointmentOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	ev := newTestEvaluation(t, repo, RouteNewPatient)

	if err := repo.SetExternalPatientID(ctx, ev.ID, "dl-10"); err != nil {
		t.Fatalf("set external id failed: %v", err)
	}
	if err := repo.SetExternalPatientID(ctx, ev.ID, "dl-10"); err != nil {
		t.Fatalf("same id should be idempotent: %v", err)
	}
	if err := repo.SetExternalPatientID(ctx, ev.ID, "dl-11"); !errors.Is(err, ErrPatientAlreadyLinked) {
		t.Fatalf("expected ErrPatientAlreadyLinked, got %v", err)
	}

	at := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	got, err := repo.RecordAppointment(ctx, ev.ID, at, "cita-1")
	if err != nil {
		t.Fatalf("record appointment failed: %v", err)
	}
	if got.Stage != StageAppointmentBooked || got.AppointmentAt == nil || !got.AppointmentAt.Equal(at) {
		t.Fatalf("unexpected appointment state: %+v", got)
	}
	if _, err := repo.RecordAppointment(ctx, ev.ID, at.Add(time.Hour), ""); !errors.Is(err, ErrAppointmentAlreadySet) {
		t.Fatalf("expected ErrAppointmentAlreadySet, got %v", err)
	}
}

func TestInMemoryLookups(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	ev, err := repo.Create(ctx, NewEvaluation{Name: "Luis", Email: "luis@example.com", NationalID: "12345678-5", RouteType: RouteSecondOpinion})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	byEmail, err := repo.FindByEmail(ctx, "LUIS@example.com")
	if err != nil || byEmail.ID != ev.ID {
		t.Fatalf("lookup by email failed: %v", err)
	}
	byRUT, err := repo.FindByNationalID(ctx, "12345678-5")
	if err != nil || byRUT.ID != ev.ID {
		t.Fatalf("lookup by national id failed: %v", err)
	}
	if _, err := repo.FindByNationalID(ctx, "1-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.AttachImages(ctx, ev.ID, make([]string, MaxImages+1)); !errors.Is(err, ErrTooManyImages) {
		t.Fatalf("expected ErrTooManyImages, got %v", err)
	}
	list, _ := repo.ListRecent(ctx, 10)
	if len(list) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(list))
	}
}
