package leads

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// PostgresRepository stores leads in the funnel_leads table.
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("leads: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithQuerier(db querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const leadColumns = `
	id::text, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(national_id, ''),
	COALESCE(birth_date, ''), stage, COALESCE(evaluation_id::text, ''),
	COALESCE(external_patient_id, ''), origin, COALESCE(utm_source, ''),
	COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''), created_at, updated_at`

func scanLead(row pgx.Row) (*Lead, error) {
	var lead Lead
	var stage string
	if err := row.Scan(
		&lead.ID, &lead.Name, &lead.Email, &lead.Phone, &lead.NationalID,
		&lead.BirthDate, &stage, &lead.EvaluationID,
		&lead.ExternalPatientID, &lead.Origin, &lead.UTMSource,
		&lead.UTMMedium, &lead.UTMCampaign, &lead.CreatedAt, &lead.UpdatedAt,
	); err != nil {
		return nil, err
	}
	lead.Stage = Stage(stage)
	return &lead, nil
}

// Create inserts a new row.
func (r *PostgresRepository) Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO funnel_leads (id, name, email, phone, national_id, birth_date, stage, origin,
			utm_source, utm_medium, utm_campaign)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8,
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		RETURNING ` + leadColumns
	lead, err := scanLead(r.db.QueryRow(ctx, query,
		uuid.NewString(),
		req.Name,
		req.Email,
		req.Phone,
		req.NationalID,
		req.BirthDate,
		string(StageLead),
		req.Origin,
		req.UTMSource,
		req.UTMMedium,
		req.UTMCampaign,
	))
	if err != nil {
		return nil, fmt.Errorf("leads: insert failed: %w", err)
	}
	return lead, nil
}

// GetByID fetches a lead.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	return r.one(ctx, `SELECT `+leadColumns+` FROM funnel_leads WHERE id = $1`, id)
}

func (r *PostgresRepository) FindByNationalID(ctx context.Context, nationalID string) (*Lead, error) {
	return r.one(ctx, `SELECT `+leadColumns+` FROM funnel_leads WHERE national_id = $1 ORDER BY created_at ASC LIMIT 1`, nationalID)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*Lead, error) {
	return r.one(ctx, `SELECT `+leadColumns+` FROM funnel_leads WHERE email = $1 ORDER BY created_at ASC LIMIT 1`, email)
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Lead, error) {
	lead, err := scanLead(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: select failed: %w", err)
	}
	return lead, nil
}

func (r *PostgresRepository) LinkEvaluation(ctx context.Context, id, evaluationID string) error {
	return r.exec(ctx, `UPDATE funnel_leads SET evaluation_id = $2, updated_at = $3 WHERE id = $1`,
		id, evaluationID, time.Now().UTC())
}

// UpdateStage moves the lead forward; backwards moves are rejected in SQL.
func (r *PostgresRepository) UpdateStage(ctx context.Context, id string, stage Stage) error {
	var allowed []string
	for s := range stageOrder {
		if s != stage && s.CanMoveTo(stage) {
			allowed = append(allowed, string(s))
		}
	}
	sort.Strings(allowed)
	tag, err := r.db.Exec(ctx,
		`UPDATE funnel_leads SET stage = $2, updated_at = $3 WHERE id = $1 AND (stage = $2 OR stage = ANY($4))`,
		id, string(stage), time.Now().UTC(), allowed)
	if err != nil {
		return fmt.Errorf("leads: update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStageRegression
	}
	return nil
}

func (r *PostgresRepository) SetExternalPatientID(ctx context.Context, id, externalID string) error {
	return r.exec(ctx,
		`UPDATE funnel_leads SET external_patient_id = COALESCE(external_patient_id, $2), updated_at = $3 WHERE id = $1`,
		id, externalID, time.Now().UTC())
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("leads: update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// List returns leads newest first.
func (r *PostgresRepository) List(ctx context.Context, filter ListLeadsFilter) ([]*Lead, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query := `SELECT ` + leadColumns + ` FROM funnel_leads
		WHERE ($1 = '' OR stage = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, string(filter.Stage), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("leads: list failed: %w", err)
	}
	defer rows.Close()
	var out []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("leads: list scan: %w", err)
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}
