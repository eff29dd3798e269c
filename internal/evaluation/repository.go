package evaluation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists evaluations. Every write touches only the fields owned
// by one stage and enforces the lifecycle rules itself.
type Repository interface {
	Create(ctx context.Context, in NewEvaluation) (*Evaluation, error)
	Get(ctx context.Context, id string) (*Evaluation, error)
	FindByEmail(ctx context.Context, email string) (*Evaluation, error)
	FindByNationalID(ctx context.Context, nationalID string) (*Evaluation, error)
	AttachImages(ctx context.Context, id string, refs []string) error
	AdvanceStage(ctx context.Context, id string, to Stage) (*Evaluation, error)
	RecordScreening(ctx context.Context, id string, result ScreeningResult) (*Evaluation, error)
	RecordCheckout(ctx context.Context, id string, checkout Checkout) (*Evaluation, error)
	ApplyPaymentStatus(ctx context.Context, id string, update PaymentUpdate) (*Evaluation, error)
	SetExternalPatientID(ctx context.Context, id, externalID string) error
	RecordAppointment(ctx context.Context, id string, at time.Time, externalID string) (*Evaluation, error)
	Cancel(ctx context.Context, id string) (*Evaluation, error)
	ListRecent(ctx context.Context, limit int) ([]*Evaluation, error)
}

// ValidateScreening checks the all-or-nothing shape of a screening result.
func ValidateScreening(result ScreeningResult) error {
	if _, ok := ParseSuggestedRoute(string(result.Route)); !ok {
		return ErrInvalidScreening
	}
	if strings.TrimSpace(result.Summary) == "" {
		return ErrInvalidScreening
	}
	for _, f := range result.Findings {
		if !f.Severity.Valid() || strings.TrimSpace(f.ToothID) == "" {
			return ErrInvalidScreening
		}
	}
	return nil
}

// InMemoryRepository is a Repository backed by a map, used in development and tests.
type InMemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Evaluation
	now   func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{items: make(map[string]*Evaluation), now: time.Now}
}

// WithClock overrides the time source.
func (r *InMemoryRepository) WithClock(now func() time.Time) *InMemoryRepository {
	r.now = now
	return r
}

func (r *InMemoryRepository) Create(ctx context.Context, in NewEvaluation) (*Evaluation, error) {
	if !in.RouteType.Valid() {
		return nil, ErrInvalidRouteType
	}
	stage := in.Stage
	if stage == "" {
		stage = StageStarted
	}
	now := r.now().UTC()
	ev := &Evaluation{
		ID:                uuid.NewString(),
		LeadID:            in.LeadID,
		Name:              in.Name,
		Email:             strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:             in.Phone,
		NationalID:        in.NationalID,
		BirthDate:         in.BirthDate,
		RouteType:         in.RouteType,
		Questionnaire:     copyMap(in.Questionnaire),
		ExternalPatientID: in.ExternalPatientID,
		Stage:             stage,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r.mu.Lock()
	r.items[ev.ID] = ev
	r.mu.Unlock()
	return clone(ev), nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Evaluation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ev), nil
}

func (r *InMemoryRepository) FindByEmail(ctx context.Context, email string) (*Evaluation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.latest(func(ev *Evaluation) bool { return email != "" && ev.Email == email })
}

func (r *InMemoryRepository) FindByNationalID(ctx context.Context, nationalID string) (*Evaluation, error) {
	return r.latest(func(ev *Evaluation) bool { return nationalID != "" && ev.NationalID == nationalID })
}

func (r *InMemoryRepository) latest(match func(*Evaluation) bool) (*Evaluation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Evaluation
	for _, ev := range r.items {
		if match(ev) && (found == nil || ev.CreatedAt.After(found.CreatedAt)) {
			found = ev
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return clone(found), nil
}

func (r *InMemoryRepository) AttachImages(ctx context.Context, id string, refs []string) error {
	if len(refs) > MaxImages {
		return ErrTooManyImages
	}
	return r.mutate(id, func(ev *Evaluation) error {
		if len(ev.ImageRefs) > 0 {
			return nil
		}
		ev.ImageRefs = append([]string(nil), refs...)
		return nil
	})
}

func (r *InMemoryRepository) AdvanceStage(ctx context.Context, id string, to Stage) (*Evaluation, error) {
	var out *Evaluation
	err := r.mutate(id, func(ev *Evaluation) error {
		if !ev.Stage.CanAdvanceTo(to) {
			return ErrStageRegression
		}
		ev.Stage = to
		out = clone(ev)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) RecordScreening(ctx context.Context, id string, result ScreeningResult) (*Evaluation, error) {
	if err := ValidateScreening(result); err != nil {
		return nil, err
	}
	var out *Evaluation
	err := r.mutate(id, func(ev *Evaluation) error {
		if ev.Screened() {
			return ErrScreeningAlreadyRecorded
		}
		if !ev.Stage.CanAdvanceTo(StageAIAnalyzed) {
			return ErrStageRegression
		}
		ev.SuggestedRoute = result.Route
		ev.AISummary = result.Summary
		ev.AIFindings = append([]Finding(nil), result.Findings...)
		ev.AIConfidence = result.Confidence
		ev.AISource = result.Source
		ev.Stage = StageAIAnalyzed
		out = clone(ev)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) RecordCheckout(ctx context.Context, id string, checkout Checkout) (*Evaluation, error) {
	now := r.now()
	var out *Evaluation
	err := r.mutate(id, func(ev *Evaluation) error {
		if ev.PaymentStatus == PaymentApproved || ev.PaymentStatus == PaymentRefunded {
			return ErrAlreadyPaid
		}
		if _, open := ev.OpenCheckout(now); open {
			return ErrCheckoutOpen
		}
		if ev.Stage.Terminal() {
			return ErrStageRegression
		}
		ev.PaymentID = checkout.PaymentID
		ev.CheckoutURL = checkout.URL
		ev.PaymentAmount = checkout.Amount
		ev.PaymentStatus = PaymentPending
		if !checkout.ExpiresAt.IsZero() {
			exp := checkout.ExpiresAt
			ev.CheckoutExpiresAt = &exp
		} else {
			ev.CheckoutExpiresAt = nil
		}
		if ev.Stage.CanAdvanceTo(StagePaymentPending) {
			ev.Stage = StagePaymentPending
		}
		out = clone(ev)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) ApplyPaymentStatus(ctx context.Context, id string, update PaymentUpdate) (*Evaluation, error) {
	var out *Evaluation
	err := r.mutate(id, func(ev *Evaluation) error {
		if !ev.PaymentStatus.CanTransitionTo(update.Status) {
			out = clone(ev)
			return ErrPaymentTransition
		}
		ev.PaymentStatus = update.Status
		if update.PaymentID != "" {
			ev.PaymentID = update.PaymentID
		}
		if update.Amount > 0 && ev.PaymentAmount == 0 {
			ev.PaymentAmount = update.Amount
		}
		ev.Stage = StageForPayment(ev.Stage, update.Status)
		out = clone(ev)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) SetExternalPatientID(ctx context.Context, id, externalID string) error {
	return r.mutate(id, func(ev *Evaluation) error {
		if ev.ExternalPatientID == externalID {
			return nil
		}
		if ev.ExternalPatientID != "" {
			return ErrPatientAlreadyLinked
		}
		ev.ExternalPatientID = externalID
		return nil
	})
}

func (r *InMemoryRepository) RecordAppointment(ctx context.Context, id string, at time.Time, externalID string) (*Evaluation, error) {
	var out *Evaluation
	err := r.mutate(id, func(ev *Evaluation) error {
		if ev.AppointmentAt != nil {
			return ErrAppointmentAlreadySet
		}
		if !ev.Stage.CanAdvanceTo(StageAppointmentBooked) {
			return ErrStageRegression
		}
		t := at.UTC()
		ev.AppointmentAt = &t
		ev.ExternalAppointmentID = externalID
		ev.Stage = StageAppointmentBooked
		out = clone(ev)
		return nil
	})
	return out, err
}

func (r *InMemoryRepository) Cancel(ctx context.Context, id string) (*Evaluation, error) {
	return r.AdvanceStage(ctx, id, StageCancelled)
}

func (r *InMemoryRepository) ListRecent(ctx context.Context, limit int) ([]*Evaluation, error) {
	r.mu.RLock()
	out := make([]*Evaluation, 0, len(r.items))
	for _, ev := range r.items {
		out = append(out, clone(ev))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) mutate(id string, fn func(*Evaluation) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(ev); err != nil {
		return err
	}
	ev.UpdatedAt = r.now().UTC()
	return nil
}

func clone(ev *Evaluation) *Evaluation {
	cp := *ev
	cp.Questionnaire = copyMap(ev.Questionnaire)
	cp.ImageRefs = append([]string(nil), ev.ImageRefs...)
	cp.AIFindings = append([]Finding(nil), ev.AIFindings...)
	if ev.CheckoutExpiresAt != nil {
		t := *ev.CheckoutExpiresAt
		cp.CheckoutExpiresAt = &t
	}
	if ev.AppointmentAt != nil {
		t := *ev.AppointmentAt
		cp.AppointmentAt = &t
	}
	return &cp
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
