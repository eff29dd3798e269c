package leads

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for lead storage
type Repository interface {
	Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error)
	GetByID(ctx context.Context, id string) (*Lead, error)
	FindByNationalID(ctx context.Context, nationalID string) (*Lead, error)
	FindByEmail(ctx context.Context, email string) (*Lead, error)
	LinkEvaluation(ctx context.Context, id, evaluationID string) error
	UpdateStage(ctx context.Context, id string, stage Stage) error
	SetExternalPatientID(ctx context.Context, id, externalID string) error
	List(ctx context.Context, filter ListLeadsFilter) ([]*Lead, error)
}

// FindExisting applies the dedupe rule: national id first, then email.
func FindExisting(ctx context.Context, repo Repository, nationalID, email string) (*Lead, error) {
	if nationalID = strings.TrimSpace(nationalID); nationalID != "" {
		lead, err := repo.FindByNationalID(ctx, nationalID)
		if err == nil {
			return lead, nil
		}
		if !errors.Is(err, ErrLeadNotFound) {
			return nil, err
		}
	}
	if email = strings.TrimSpace(email); email != "" {
		return repo.FindByEmail(ctx, email)
	}
	return nil, ErrLeadNotFound
}

// Capture returns the existing lead for the contact or creates a new one.
func Capture(ctx context.Context, repo Repository, req *CreateLeadRequest) (*Lead, bool, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	existing, err := FindExisting(ctx, repo, req.NationalID, req.Email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrLeadNotFound) {
		return nil, false, err
	}
	lead, err := repo.Create(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return lead, true, nil
}

// InMemoryRepository is an in-memory implementation of Repository
type InMemoryRepository struct {
	mu    sync.RWMutex
	leads map[string]*Lead
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{leads: make(map[string]*Lead)}
}

// Create creates a new lead
func (r *InMemoryRepository) Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	lead := &Lead{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Email:       req.Email,
		Phone:       req.Phone,
		NationalID:  req.NationalID,
		BirthDate:   req.BirthDate,
		Stage:       StageLead,
		Origin:      req.Origin,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.mu.Lock()
	r.leads[lead.ID] = lead
	r.mu.Unlock()
	cp := *lead
	return &cp, nil
}

// GetByID retrieves a lead by ID
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lead, ok := r.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	cp := *lead
	return &cp, nil
}

func (r *InMemoryRepository) FindByNationalID(ctx context.Context, nationalID string) (*Lead, error) {
	nationalID = strings.ToUpper(strings.TrimSpace(nationalID))
	return r.find(func(l *Lead) bool { return nationalID != "" && l.NationalID == nationalID })
}

func (r *InMemoryRepository) FindByEmail(ctx context.Context, email string) (*Lead, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.find(func(l *Lead) bool { return email != "" && l.Email == email })
}

func (r *InMemoryRepository) find(match func(*Lead) bool) (*Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Lead
	for _, l := range r.leads {
		if match(l) && (found == nil || l.CreatedAt.Before(found.CreatedAt)) {
			found = l
		}
	}
	if found == nil {
		return nil, ErrLeadNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepository) LinkEvaluation(ctx context.Context, id, evaluationID string) error {
	return r.update(id, func(l *Lead) error {
		l.EvaluationID = evaluationID
		return nil
	})
}

func (r *InMemoryRepository) UpdateStage(ctx context.Context, id string, stage Stage) error {
	return r.update(id, func(l *Lead) error {
		if !l.Stage.CanMoveTo(stage) {
			return ErrStageRegression
		}
		l.Stage = stage
		return nil
	})
}

func (r *InMemoryRepository) SetExternalPatientID(ctx context.Context, id, externalID string) error {
	return r.update(id, func(l *Lead) error {
		if l.ExternalPatientID == "" {
			l.ExternalPatientID = externalID
		}
		return nil
	})
}

func (r *InMemoryRepository) update(id string, fn func(*Lead) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	if err := fn(lead); err != nil {
		return err
	}
	lead.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns leads newest first.
func (r *InMemoryRepository) List(ctx context.Context, filter ListLeadsFilter) ([]*Lead, error) {
	r.mu.RLock()
	var out []*Lead
	for _, l := range r.leads {
		if filter.Stage != "" && l.Stage != filter.Stage {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Lead{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
