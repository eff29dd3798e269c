package leads

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func leadRow(id string, stage Stage) *pgxmock.Rows {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return pgxmock.NewRows([]string{
		"id", "name", "email", "phone", "national_id", "birth_date", "stage", "evaluation_id",
		"external_patient_id", "origin", "utm_source", "utm_medium", "utm_campaign", "created_at", "updated_at",
	}).AddRow(id, "Ana", "ana@x.cl", "", "12345678-5", "", string(stage), "", "", "web", "", "", "", now, now)
}

func TestStageCanMoveTo(t *testing.T) {
	if !StageLead.CanMoveTo(StageIADone) || !StageIADone.CanMoveTo(StagePaid) {
		t.Fatal("forward moves should be allowed")
	}
	if StagePaid.CanMoveTo(StageCheckoutCreated) {
		t.Fatal("backward move should be rejected")
	}
	if !StagePaid.CanMoveTo(StageCancelled) || StageCancelled.CanMoveTo(StageLead) {
		t.Fatal("cancel rules broken")
	}
}

func TestCapturePrefersNationalID(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	byRUT, _ := repo.Create(ctx, &CreateLeadRequest{Name: "A", NationalID: "12345678-5"})
	repo.Create(ctx, &CreateLeadRequest{Name: "B", Email: "shared@x.cl"})

	lead, created, err := Capture(ctx, repo, &CreateLeadRequest{Name: "A", Email: "shared@x.cl", NationalID: "12345678-5"})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if created || lead.ID != byRUT.ID {
		t.Fatalf("expected match on national id, got %+v", lead)
	}
}

func TestInMemoryUpdateStage(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	lead, _ := repo.Create(ctx, &CreateLeadRequest{Name: "A", Email: "a@x.cl"})
	if err := repo.UpdateStage(ctx, lead.ID, StagePaid); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.UpdateStage(ctx, lead.ID, StageIADone); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	if err := repo.UpdateStage(ctx, "missing", StagePaid); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresUpdateStageRegression(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	repo := newPostgresRepositoryWithQuerier(mock)

	mock.ExpectExec("UPDATE funnel_leads SET stage").
		WithArgs("lead-1", "IA_DONE", pgxmock.AnyArg(), []string{"LEAD"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("FROM funnel_leads WHERE id").WithArgs("lead-1").
		WillReturnRows(leadRow("lead-1", StagePaid))

	err = repo.UpdateStage(context.Background(), "lead-1", StageIADone)
	if !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected ErrStageRegression, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLinkEvaluationNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()
	repo := newPostgresRepositoryWithQuerier(mock)

	mock.ExpectExec("UPDATE funnel_leads SET evaluation_id").
		WithArgs("lead-1", "ev-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := repo.LinkEvaluation(context.Background(), "lead-1", "ev-1"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
