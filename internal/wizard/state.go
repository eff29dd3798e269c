package wizard

import (
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/scheduling"
)

// Step is a screen of the evaluation wizard.
type Step string

const (
	StepEntry             Step = "entry"
	StepExistingLogin     Step = "existing_login"
	StepExistingChoice    Step = "existing_choice"
	StepTreatmentRequest  Step = "treatment_request"
	StepQuestionnaire     Step = "questionnaire"
	StepAIScreening       Step = "ai_screening"
	StepPathExplanation   Step = "path_explanation"
	StepPremiumEvaluation Step = "premium_evaluation"
	StepComplete          Step = "complete"
	StepControlExit       Step = "control_exit"
)

// SubStep only applies to StepPremiumEvaluation.
type SubStep string

const (
	SubStepNone     SubStep = ""
	SubStepConfirm  SubStep = "confirm"
	SubStepPayment  SubStep = "payment"
	SubStepSchedule SubStep = "schedule"
)

// ErrorKind classifies a failure shown to the patient.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindAdapterUnavailable ErrorKind = "adapter_unavailable"
	KindRetryable          ErrorKind = "retryable"
	KindFatal              ErrorKind = "fatal"
	KindNotFound           ErrorKind = "not_found"
)

// Error is a transient message attached to the session. It disappears from
// snapshots once ExpiresAt has passed.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Appointment is the booked slot.
type Appointment struct {
	ID    string `json:"id"`
	Date  string `json:"date"`
	Time  string `json:"time"`
	Local bool   `json:"local,omitempty"`
}

// Data accumulates everything the patient entered or the funnel produced.
type Data struct {
	RouteType         evaluation.RouteType        `json:"route_type,omitempty"`
	EvaluationID      string                      `json:"evaluation_id,omitempty"`
	LeadID            string                      `json:"lead_id,omitempty"`
	Name              string                      `json:"name,omitempty"`
	Email             string                      `json:"email,omitempty"`
	Phone             string                      `json:"phone,omitempty"`
	NationalID        string                      `json:"national_id,omitempty"`
	BirthDate         string                      `json:"birth_date,omitempty"`
	ExternalPatientID string                      `json:"external_patient_id,omitempty"`
	Questionnaire     map[string]string           `json:"questionnaire,omitempty"`
	ImageRefs         []string                    `json:"image_refs,omitempty"`
	ImageFailures     int                         `json:"image_failures,omitempty"`
	Screening         *evaluation.ScreeningResult `json:"screening,omitempty"`
	Amount            int                         `json:"amount,omitempty"`
	CheckoutURL       string                      `json:"checkout_url,omitempty"`
	PaymentStatus     evaluation.PaymentStatus    `json:"payment_status,omitempty"`
	Slots             []scheduling.DaySlots       `json:"slots,omitempty"`
	PlaceholderSlots  bool                        `json:"placeholder_slots,omitempty"`
	Appointment       *Appointment                `json:"appointment,omitempty"`
	ControlURL        string                      `json:"control_url,omitempty"`
	BookingLink       string                      `json:"booking_link,omitempty"`
	// DraftEvaluationID is an evaluation created by a submit that failed
	// later on. The next submit reuses it.
	DraftEvaluationID string `json:"draft_evaluation_id,omitempty"`
	// PendingBooking is an external booking whose local record failed.
	PendingBooking *Appointment `json:"pending_booking,omitempty"`
}

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	SessionID string  `json:"session_id"`
	Step      Step    `json:"step"`
	SubStep   SubStep `json:"sub_step,omitempty"`
	Data      Data    `json:"data"`
	Error     *Error  `json:"error,omitempty"`
}

// State is the persisted form of a session.
type State struct {
	ID      string    `json:"id"`
	Step    Step      `json:"step"`
	SubStep SubStep   `json:"sub_step,omitempty"`
	Data    Data      `json:"data"`
	Error   *Error    `json:"error,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

func (d Data) clone() Data {
	out := d
	if d.Questionnaire != nil {
		out.Questionnaire = make(map[string]string, len(d.Questionnaire))
		for k, v := range d.Questionnaire {
			out.Questionnaire[k] = v
		}
	}
	out.ImageRefs = append([]string(nil), d.ImageRefs...)
	if d.Screening != nil {
		s := *d.Screening
		s.Findings = append([]evaluation.Finding(nil), d.Screening.Findings...)
		out.Screening = &s
	}
	if d.Slots != nil {
		out.Slots = make([]scheduling.DaySlots, len(d.Slots))
		for i, day := range d.Slots {
			out.Slots[i] = scheduling.DaySlots{Date: day.Date, Times: append([]string(nil), day.Times...)}
		}
	}
	if d.Appointment != nil {
		a := *d.Appointment
		out.Appointment = &a
	}
	return out
}
