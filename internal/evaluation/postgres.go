package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository stores evaluations in the evaluations table.
type PostgresRepository struct {
	db  querier
	now func() time.Time
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("evaluation: pgx pool required")
	}
	return &PostgresRepository{db: pool, now: time.Now}
}

func newPostgresRepositoryWithQuerier(db querier, now func() time.Time) *PostgresRepository {
	if now == nil {
		now = time.Now
	}
	return &PostgresRepository{db: db, now: now}
}

const selectColumns = `
	id::text, COALESCE(lead_id::text, ''), name, email, COALESCE(phone, ''), COALESCE(national_id, ''),
	COALESCE(birth_date, ''), route_type, questionnaire, image_refs,
	COALESCE(suggested_route, ''), COALESCE(ai_summary, ''), ai_findings, COALESCE(ai_confidence, 0),
	COALESCE(ai_source, ''), COALESCE(payment_status, ''), COALESCE(payment_amount, 0),
	COALESCE(payment_id, ''), COALESCE(checkout_url, ''), checkout_expires_at, stage,
	COALESCE(external_patient_id, ''), appointment_at, COALESCE(external_appointment_id, ''),
	created_at, updated_at`

func scanEvaluation(row pgx.Row) (*Evaluation, error) {
	var (
		ev            Evaluation
		questionnaire []byte
		findings      []byte
		routeType     string
		suggested     string
		payment       string
		stage         string
	)
	if err := row.Scan(
		&ev.ID, &ev.LeadID, &ev.Name, &ev.Email, &ev.Phone, &ev.NationalID,
		&ev.BirthDate, &routeType, &questionnaire, &ev.ImageRefs,
		&suggested, &ev.AISummary, &findings, &ev.AIConfidence,
		&ev.AISource, &payment, &ev.PaymentAmount,
		&ev.PaymentID, &ev.CheckoutURL, &ev.CheckoutExpiresAt, &stage,
		&ev.ExternalPatientID, &ev.AppointmentAt, &ev.ExternalAppointmentID,
		&ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ev.RouteType = RouteType(routeType)
	ev.SuggestedRoute = SuggestedRoute(suggested)
	ev.PaymentStatus = PaymentStatus(payment)
	ev.Stage = Stage(stage)
	if len(questionnaire) > 0 {
		if err := json.Unmarshal(questionnaire, &ev.Questionnaire); err != nil {
			return nil, fmt.Errorf("evaluation: decode questionnaire: %w", err)
		}
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &ev.AIFindings); err != nil {
			return nil, fmt.Errorf("evaluation: decode findings: %w", err)
		}
	}
	return &ev, nil
}

func (r *PostgresRepository) Create(ctx context.Context, in NewEvaluation) (*Evaluation, error) {
	if !in.RouteType.Valid() {
		return nil, ErrInvalidRouteType
	}
	stage := in.Stage
	if stage == "" {
		stage = StageStarted
	}
	questionnaire, err := json.Marshal(in.Questionnaire)
	if err != nil {
		return nil, fmt.Errorf("evaluation: encode questionnaire: %w", err)
	}
	query := `
		INSERT INTO evaluations (id, lead_id, name, email, phone, national_id, birth_date,
			route_type, questionnaire, external_patient_id, stage)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, NULLIF($10, ''), $11)
		RETURNING ` + selectColumns
	row := r.db.QueryRow(ctx, query,
		uuid.NewString(),
		in.LeadID,
		in.Name,
		strings.ToLower(strings.TrimSpace(in.Email)),
		in.Phone,
		in.NationalID,
		in.BirthDate,
		string(in.RouteType),
		questionnaire,
		in.ExternalPatientID,
		string(stage),
	)
	ev, err := scanEvaluation(row)
	if err != nil {
		return nil, fmt.Errorf("evaluation: insert failed: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Evaluation, error) {
	return r.one(ctx, `SELECT `+selectColumns+` FROM evaluations WHERE id = $1`, id)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*Evaluation, error) {
	return r.one(ctx, `SELECT `+selectColumns+` FROM evaluations WHERE email = $1 ORDER BY created_at DESC LIMIT 1`,
		strings.ToLower(strings.TrimSpace(email)))
}

func (r *PostgresRepository) FindByNationalID(ctx context.Context, nationalID string) (*Evaluation, error) {
	return r.one(ctx, `SELECT `+selectColumns+` FROM evaluations WHERE national_id = $1 ORDER BY created_at DESC LIMIT 1`, nationalID)
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Evaluation, error) {
	ev, err := scanEvaluation(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("evaluation: select failed: %w", err)
	}
	return ev, nil
}

// AttachImages stores the image references once. A second call is ignored.
func (r *PostgresRepository) AttachImages(ctx context.Context, id string, refs []string) error {
	if len(refs) > MaxImages {
		return ErrTooManyImages
	}
	query := `
		UPDATE evaluations SET image_refs = $2, updated_at = $3
		WHERE id = $1 AND cardinality(image_refs) = 0`
	if _, err := r.db.Exec(ctx, query, id, refs, r.now().UTC()); err != nil {
		return fmt.Errorf("evaluation: attach images: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AdvanceStage(ctx context.Context, id string, to Stage) (*Evaluation, error) {
	if !to.Valid() {
		return nil, ErrStageRegression
	}
	query := `
		UPDATE evaluations SET stage = $2, updated_at = $3
		WHERE id = $1 AND (stage = $2 OR stage = ANY($4))`
	tag, err := r.db.Exec(ctx, query, id, string(to), r.now().UTC(), stageStrings(PriorStages(to)))
	if err != nil {
		return nil, fmt.Errorf("evaluation: advance stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.explainMiss(ctx, id, ErrStageRegression)
	}
	return r.Get(ctx, id)
}

// RecordScreening writes the screening result and the ai_analyzed stage in one
// statement. The first writer wins.
func (r *PostgresRepository) RecordScreening(ctx context.Context, id string, result ScreeningResult) (*Evaluation, error) {
	if err := ValidateScreening(result); err != nil {
		return nil, err
	}
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return nil, fmt.Errorf("evaluation: encode findings: %w", err)
	}
	query := `
		UPDATE evaluations
		SET suggested_route = $2, ai_summary = $3, ai_findings = $4, ai_confidence = $5,
			ai_source = $6, stage = $7, updated_at = $8
		WHERE id = $1 AND suggested_route IS NULL AND stage = ANY($9)`
	tag, err := r.db.Exec(ctx, query, id, string(result.Route), result.Summary, findings,
		result.Confidence, result.Source, string(StageAIAnalyzed), r.now().UTC(),
		stageStrings(PriorStages(StageAIAnalyzed)))
	if err != nil {
		return nil, fmt.Errorf("evaluation: record screening: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Screened() {
			return nil, ErrScreeningAlreadyRecorded
		}
		return nil, ErrStageRegression
	}
	return r.Get(ctx, id)
}

// RecordCheckout stores a new checkout session unless an unexpired one is
// still open, which keeps a single live session per evaluation.
func (r *PostgresRepository) RecordCheckout(ctx context.Context, id string, checkout Checkout) (*Evaluation, error) {
	now := r.now().UTC()
	var expires *time.Time
	if !checkout.ExpiresAt.IsZero() {
		exp := checkout.ExpiresAt.UTC()
		expires = &exp
	}
	query := `
		UPDATE evaluations
		SET payment_id = $2, checkout_url = $3, payment_amount = $4, checkout_expires_at = $5,
			payment_status = 'pending',
			stage = CASE WHEN stage = ANY($7) THEN 'payment_pending' ELSE stage END,
			updated_at = $6
		WHERE id = $1
			AND stage NOT IN ('completed', 'cancelled')
			AND (payment_status IS NULL OR payment_status NOT IN ('approved', 'refunded'))
			AND (checkout_url IS NULL OR payment_status = 'rejected'
				OR (checkout_expires_at IS NOT NULL AND checkout_expires_at <= $6))`
	tag, err := r.db.Exec(ctx, query, id, checkout.PaymentID, checkout.URL, checkout.Amount, expires, now,
		stageStrings(PriorStages(StagePaymentPending)))
	if err != nil {
		return nil, fmt.Errorf("evaluation: record checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.PaymentStatus == PaymentApproved || current.PaymentStatus == PaymentRefunded {
			return nil, ErrAlreadyPaid
		}
		if _, open := current.OpenCheckout(now); open {
			return nil, ErrCheckoutOpen
		}
		return nil, ErrStageRegression
	}
	return r.Get(ctx, id)
}

// ApplyPaymentStatus applies a gateway outcome with optimistic concurrency on
// the previous status so concurrent webhooks cannot interleave.
func (r *PostgresRepository) ApplyPaymentStatus(ctx context.Context, id string, update PaymentUpdate) (*Evaluation, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.PaymentStatus.CanTransitionTo(update.Status) {
			return current, ErrPaymentTransition
		}
		stage := StageForPayment(current.Stage, update.Status)
		query := `
			UPDATE evaluations
			SET payment_status = $2, payment_id = COALESCE(NULLIF($3, ''), payment_id),
				payment_amount = COALESCE(payment_amount, NULLIF($4, 0)), stage = $5, updated_at = $6
			WHERE id = $1 AND COALESCE(payment_status, '') = $7`
		tag, err := r.db.Exec(ctx, query, id, string(update.Status), update.PaymentID, update.Amount,
			string(stage), r.now().UTC(), string(current.PaymentStatus))
		if err != nil {
			return nil, fmt.Errorf("evaluation: apply payment status: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return r.Get(ctx, id)
		}
	}
	return nil, fmt.Errorf("evaluation: apply payment status: concurrent update on %s", id)
}

func (r *PostgresRepository) SetExternalPatientID(ctx context.Context, id, externalID string) error {
	query := `
		UPDATE evaluations SET external_patient_id = $2, updated_at = $3
		WHERE id = $1 AND (external_patient_id IS NULL OR external_patient_id = $2)`
	tag, err := r.db.Exec(ctx, query, id, externalID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("evaluation: set external patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, id, ErrPatientAlreadyLinked)
	}
	return nil
}

func (r *PostgresRepository) RecordAppointment(ctx context.Context, id string, at time.Time, externalID string) (*Evaluation, error) {
	query := `
		UPDATE evaluations
		SET appointment_at = $2, external_appointment_id = NULLIF($3, ''), stage = 'appointment_booked', updated_at = $4
		WHERE id = $1 AND appointment_at IS NULL AND stage = ANY($5)`
	tag, err := r.db.Exec(ctx, query, id, at.UTC(), externalID, r.now().UTC(),
		stageStrings(PriorStages(StageAppointmentBooked)))
	if err != nil {
		return nil, fmt.Errorf("evaluation: record appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.AppointmentAt != nil {
			return nil, ErrAppointmentAlreadySet
		}
		return nil, ErrStageRegression
	}
	return r.Get(ctx, id)
}

func (r *PostgresRepository) Cancel(ctx context.Context, id string) (*Evaluation, error) {
	return r.AdvanceStage(ctx, id, StageCancelled)
}

func (r *PostgresRepository) ListRecent(ctx context.Context, limit int) ([]*Evaluation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM evaluations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("evaluation: list: %w", err)
	}
	defer rows.Close()
	var out []*Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("evaluation: list scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// explainMiss distinguishes a missing row from a rejected conditional update.
func (r *PostgresRepository) explainMiss(ctx context.Context, id string, conflict error) error {
	var exists int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM evaluations WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("evaluation: lookup: %w", err)
	}
	return conflict
}

func stageStrings(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
