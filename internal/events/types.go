package events

import "time"

// Event types written to the outbox.
const (
	TypeCheckoutCreated      = "checkout.created.v1"
	TypePaymentStatusChanged = "payment.status_changed.v1"
	TypeAppointmentBooked    = "appointment.booked.v1"
	TypeEvaluationScreened   = "evaluation.screened.v1"
)

type CheckoutCreatedV1 struct {
	EventID      string    `json:"event_id"`
	EvaluationID string    `json:"evaluation_id"`
	LeadID       string    `json:"lead_id,omitempty"`
	Provider     string    `json:"provider"`
	PaymentID    string    `json:"payment_id"`
	Amount       int64     `json:"amount"`
	CheckoutURL  string    `json:"checkout_url"`
	CreatedAt    time.Time `json:"created_at"`
}

type PaymentStatusChangedV1 struct {
	EventID        string    `json:"event_id"`
	EvaluationID   string    `json:"evaluation_id"`
	LeadID         string    `json:"lead_id,omitempty"`
	Provider       string    `json:"provider"`
	PaymentID      string    `json:"payment_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Amount         int64     `json:"amount"`
	OccurredAt     time.Time `json:"occurred_at"`
	PatientName    string    `json:"patient_name,omitempty"`
	PatientEmail   string    `json:"patient_email,omitempty"`
	PatientPhone   string    `json:"patient_phone,omitempty"`
}

type AppointmentBookedV1 struct {
	EventID       string    `json:"event_id"`
	EvaluationID  string    `json:"evaluation_id"`
	LeadID        string    `json:"lead_id,omitempty"`
	AppointmentID string    `json:"appointment_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	PatientName   string    `json:"patient_name,omitempty"`
	PatientEmail  string    `json:"patient_email,omitempty"`
	PatientPhone  string    `json:"patient_phone,omitempty"`
	BookedAt      time.Time `json:"booked_at"`
}

type EvaluationScreenedV1 struct {
	EventID      string    `json:"event_id"`
	EvaluationID string    `json:"evaluation_id"`
	Route        string    `json:"route"`
	Source       string    `json:"source"`
	ScreenedAt   time.Time `json:"screened_at"`
}
