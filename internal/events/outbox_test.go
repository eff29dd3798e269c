package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newOutboxStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "eval-1", TypePaymentStatusChanged, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if _, err := store.Insert(context.Background(), "eval-1", TypePaymentStatusChanged, map[string]string{"foo": "bar"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := time.Now().UTC()
	id := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "created_at"}).AddRow(id, "eval-1", TypePaymentStatusChanged, []byte("{\"foo\":\"bar\"}"), now)
	mock.ExpectQuery("SELECT id").WithArgs(int32(10)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetch pending failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if !ok {
		t.Fatal("expected mark delivered to report success")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMemoryOutboxWithDeliverer(t *testing.T) {
	outbox := NewMemoryOutbox()
	ctx := context.Background()
	if _, err := outbox.Insert(ctx, "eval-1", TypeCheckoutCreated, CheckoutCreatedV1{EvaluationID: "eval-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := outbox.Insert(ctx, "eval-2", TypePaymentStatusChanged, PaymentStatusChangedV1{EvaluationID: "eval-2", Status: "approved"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var handled []string
	fail := true
	handler := DeliveryHandlerFunc(func(_ context.Context, entry OutboxEntry) error {
		if entry.AggregateID == "eval-2" && fail {
			fail = false
			return errors.New("transport down")
		}
		handled = append(handled, entry.AggregateID)
		return nil
	})
	d := NewDeliverer(outbox, handler, logging.Discard())

	if n := d.Drain(ctx); n != 1 {
		t.Fatalf("expected 1 delivered on first drain, got %d", n)
	}
	if n := d.Drain(ctx); n != 1 {
		t.Fatalf("expected retry to deliver 1, got %d", n)
	}
	if n := d.Drain(ctx); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
	if len(handled) != 2 || handled[0] != "eval-1" || handled[1] != "eval-2" {
		t.Fatalf("unexpected delivery order: %v", handled)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var calls int
	ok := DeliveryHandlerFunc(func(context.Context, OutboxEntry) error { calls++; return nil })
	failing := DeliveryHandlerFunc(func(context.Context, OutboxEntry) error { calls++; return errors.New("boom") })

	err := Fanout(ok, nil, failing, ok).Handle(context.Background(), OutboxEntry{Type: TypeCheckoutCreated})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected every handler to run, got %d calls", calls)
	}
}
