package evaluation

import (
	"strings"
	"time"
)

// RouteType is the entry route chosen by the patient. It never changes after creation.
type RouteType string

const (
	RouteNewPatient      RouteType = "new_patient"
	RouteExistingPatient RouteType = "existing_patient"
	RouteSecondOpinion   RouteType = "second_opinion"
	RouteInternational   RouteType = "international"
)

// Valid reports whether r is a known route type.
func (r RouteType) Valid() bool {
	switch r {
	case RouteNewPatient, RouteExistingPatient, RouteSecondOpinion, RouteInternational:
		return true
	}
	return false
}

// SuggestedRoute is the clinical category produced by screening.
type SuggestedRoute string

const (
	SuggestedImplants     SuggestedRoute = "implants"
	SuggestedOrthodontics SuggestedRoute = "orthodontics"
	SuggestedCaries       SuggestedRoute = "caries"
	SuggestedBruxism      SuggestedRoute = "bruxism"
)

// ParseSuggestedRoute accepts the English names plus the Spanish labels the
// screening model answers with.
func ParseSuggestedRoute(raw string) (SuggestedRoute, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "implants", "implantes":
		return SuggestedImplants, true
	case "orthodontics", "ortodoncia":
		return SuggestedOrthodontics, true
	case "caries":
		return SuggestedCaries, true
	case "bruxism", "bruxismo":
		return SuggestedBruxism, true
	}
	return "", false
}

// Severity tiers for a finding.
type Severity string

const (
	SeverityGreen  Severity = "green"
	SeverityYellow Severity = "yellow"
	SeverityRed    Severity = "red"
)

func (s Severity) Valid() bool {
	return s == SeverityGreen || s == SeverityYellow || s == SeverityRed
}

// Finding is one tooth-level observation anchored at percentage coordinates
// on the reference dental chart.
type Finding struct {
	ToothID   string   `json:"tooth_id"`
	PositionX float64  `json:"x"`
	PositionY float64  `json:"y"`
	Severity  Severity `json:"severity"`
	Diagnosis string   `json:"diagnosis,omitempty"`
	Depth     string   `json:"depth,omitempty"`
	Treatment string   `json:"treatment,omitempty"`
}

// PaymentStatus mirrors the gateway outcome for the premium evaluation charge.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
	PaymentRefunded PaymentStatus = "refunded"
)

// CanTransitionTo encodes which payment updates are accepted. Approved only
// ever moves to refunded; refunded is final.
func (p PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if p == next {
		return true
	}
	switch p {
	case "", PaymentPending:
		return next == PaymentApproved || next == PaymentRejected || next == PaymentRefunded
	case PaymentRejected:
		return next == PaymentPending || next == PaymentApproved
	case PaymentApproved:
		return next == PaymentRefunded
	}
	return false
}

// Screening source labels.
const (
	SourceAI       = "ai"
	SourceFallback = "fallback"
)

// ScreeningResult is the atomic output of the screening stage.
type ScreeningResult struct {
	Route      SuggestedRoute `json:"suggested_route"`
	Summary    string         `json:"ai_summary"`
	Findings   []Finding      `json:"ai_findings"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
}

// Checkout is the open payment session for an evaluation.
type Checkout struct {
	PaymentID string    `json:"payment_id"`
	URL       string    `json:"url"`
	Amount    int       `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Open reports whether the checkout can still be used at now.
func (c Checkout) Open(now time.Time) bool {
	return c.URL != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// Evaluation is one patient's funnel record.
type Evaluation struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"lead_id,omitempty"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	NationalID string    `json:"national_id,omitempty"`
	BirthDate  string    `json:"birth_date,omitempty"`
	RouteType  RouteType `json:"route_type"`

	Questionnaire map[string]string `json:"questionnaire,omitempty"`
	ImageRefs     []string          `json:"image_refs,omitempty"`

	SuggestedRoute SuggestedRoute `json:"suggested_route,omitempty"`
	AISummary      string         `json:"ai_summary,omitempty"`
	AIFindings     []Finding      `json:"ai_findings,omitempty"`
	AIConfidence   float64        `json:"ai_confidence,omitempty"`
	AISource       string         `json:"ai_source,omitempty"`

	PaymentStatus     PaymentStatus `json:"payment_status,omitempty"`
	PaymentAmount     int           `json:"payment_amount,omitempty"`
	PaymentID         string        `json:"payment_id,omitempty"`
	CheckoutURL       string        `json:"checkout_url,omitempty"`
	CheckoutExpiresAt *time.Time    `json:"checkout_expires_at,omitempty"`

	Stage                 Stage      `json:"stage"`
	ExternalPatientID     string     `json:"external_patient_id,omitempty"`
	AppointmentAt         *time.Time `json:"appointment_at,omitempty"`
	ExternalAppointmentID string     `json:"external_appointment_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Screened reports whether the screening result has been recorded.
func (e *Evaluation) Screened() bool {
	return e.SuggestedRoute != ""
}

// Motive returns the free-text reason for consultation.
func (e *Evaluation) Motive() string {
	if e.Questionnaire == nil {
		return ""
	}
	return e.Questionnaire[QuestionMotive]
}

// OpenCheckout returns the current checkout if one is still usable.
func (e *Evaluation) OpenCheckout(now time.Time) (Checkout, bool) {
	if e.CheckoutURL == "" || e.PaymentStatus == PaymentApproved || e.PaymentStatus == PaymentRejected {
		return Checkout{}, false
	}
	c := Checkout{PaymentID: e.PaymentID, URL: e.CheckoutURL, Amount: e.PaymentAmount}
	if e.CheckoutExpiresAt != nil {
		c.ExpiresAt = *e.CheckoutExpiresAt
	}
	if !c.Open(now) {
		return Checkout{}, false
	}
	return c, true
}

// Questionnaire keys.
const (
	QuestionMotive            = "motive"
	QuestionPainLevel         = "pain_level"
	QuestionLastVisit         = "last_visit"
	QuestionMedicalConditions = "medical_conditions"
)

// PainIntense is the pain_level answer that triggers the priority notice.
const PainIntense = "intense"

// MaxImages bounds the number of intake images per evaluation.
const MaxImages = 5

// NewEvaluation describes the fields captured when an evaluation is created.
type NewEvaluation struct {
	LeadID            string
	Name              string
	Email             string
	Phone             string
	NationalID        string
	BirthDate         string
	RouteType         RouteType
	Questionnaire     map[string]string
	ExternalPatientID string
	Stage             Stage
}

// PaymentUpdate is an authoritative payment outcome, usually from the gateway webhook.
type PaymentUpdate struct {
	Status    PaymentStatus
	PaymentID string
	Amount    int
}

// StageForPayment returns the stage an evaluation lands on after a payment
// status change. The stage never regresses.
func StageForPayment(current Stage, status PaymentStatus) Stage {
	var target Stage
	switch status {
	case PaymentApproved:
		target = StagePaymentDone
	case PaymentRefunded:
		target = StageCancelled
	default:
		target = StagePaymentPending
	}
	if current.CanAdvanceTo(target) {
		return target
	}
	return current
}
