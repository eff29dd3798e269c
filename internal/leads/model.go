package leads

import (
	"strings"
	"time"
)

// Stage tracks how far a lead got in the funnel.
type Stage string

const (
	StageLead            Stage = "LEAD"
	StageIADone          Stage = "IA_DONE"
	StageCheckoutCreated Stage = "CHECKOUT_CREATED"
	StagePaid            Stage = "PAID"
	StageScheduled       Stage = "SCHEDULED"
	StageCancelled       Stage = "CANCELLED"
)

var stageOrder = map[Stage]int{
	StageLead:            1,
	StageIADone:          2,
	StageCheckoutCreated: 3,
	StagePaid:            4,
	StageScheduled:       5,
}

// CanMoveTo reports whether next keeps the lead moving forward.
func (s Stage) CanMoveTo(next Stage) bool {
	if s == next {
		return true
	}
	if s == StageCancelled || s == StageScheduled && next != StageCancelled {
		return false
	}
	if next == StageCancelled {
		return true
	}
	return stageOrder[next] > stageOrder[s]
}

// Lead is the lightweight funnel record linked to an evaluation.
type Lead struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	NationalID        string    `json:"national_id,omitempty"`
	BirthDate         string    `json:"birth_date,omitempty"`
	Stage             Stage     `json:"stage"`
	EvaluationID      string    `json:"evaluation_id,omitempty"`
	ExternalPatientID string    `json:"external_patient_id,omitempty"`
	Origin            string    `json:"origin"`
	UTMSource         string    `json:"utm_source,omitempty"`
	UTMMedium         string    `json:"utm_medium,omitempty"`
	UTMCampaign       string    `json:"utm_campaign,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreateLeadRequest represents the request body for creating a lead
type CreateLeadRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	NationalID  string `json:"national_id"`
	BirthDate   string `json:"birth_date"`
	Origin      string `json:"origin"`
	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
}

// Normalize trims fields and lower-cases the email.
func (r *CreateLeadRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Phone = strings.TrimSpace(r.Phone)
	r.NationalID = strings.ToUpper(strings.TrimSpace(r.NationalID))
	if strings.TrimSpace(r.Origin) == "" {
		r.Origin = "web"
	}
}

// Validate validates the create lead request
func (r *CreateLeadRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidName
	}
	if strings.TrimSpace(r.Email) == "" && strings.TrimSpace(r.NationalID) == "" {
		return ErrMissingContact
	}
	return nil
}

// ListLeadsFilter narrows admin listings.
type ListLeadsFilter struct {
	Stage  Stage
	Limit  int
	Offset int
}
