package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrManualSchedulingRequired means no professional could be resolved and
	// the patient must book through a manual channel.
	ErrManualSchedulingRequired = errors.New("scheduling: manual scheduling required")
	ErrPatientNotFound          = errors.New("scheduling: patient not found")
	ErrSlotUnavailable          = errors.New("scheduling: slot unavailable")
	ErrInvalidSlot              = errors.New("scheduling: invalid date or time")
	ErrNotConfigured            = errors.New("scheduling: adapter not configured")
)

// Identity is what the clinic system needs to find or register a patient.
type Identity struct {
	Name       string
	Email      string
	Phone      string
	NationalID string
	BirthDate  string
}

// DaySlots lists the free start times for one date.
type DaySlots struct {
	Date  string   `json:"date"`
	Times []string `json:"times"`
}

// BookingRequest books one appointment for a known or resolvable patient.
type BookingRequest struct {
	PatientID       string
	Identity        Identity
	Date            string
	Time            string
	DurationMinutes int
	Notes           string
	ProfessionalID  string
	BranchID        string
}

// Booking is a confirmed appointment.
type Booking struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Start     time.Time `json:"start"`
	Local     bool      `json:"local,omitempty"`
}

// Adapter is the clinic scheduling system.
type Adapter interface {
	FindPatient(ctx context.Context, id Identity) (string, error)
	FindOrCreatePatient(ctx context.Context, id Identity) (string, error)
	ListAvailableSlots(ctx context.Context, from, to time.Time) ([]DaySlots, error)
	BookAppointment(ctx context.Context, req BookingRequest) (*Booking, error)
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ClinicLocation is the timezone appointments are expressed in.
var ClinicLocation = loadLocation("America/Santiago")

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseSlot validates a date/time pair and returns the start instant.
func ParseSlot(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), ClinicLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %s", ErrInvalidSlot, date, clock)
	}
	return t, nil
}

// SplitName separates a full name into first name and surnames. The clinic
// system requires a surname, so single names are repeated.
func SplitName(full string) (string, string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// NormalizeRUT formats a national id as body-verifier without dots.
func NormalizeRUT(rut string) string {
	clean := strings.ToUpper(strings.NewReplacer(".", "", "-", "", " ", "").Replace(rut))
	if len(clean) < 2 {
		return clean
	}
	return clean[:len(clean)-1] + "-" + clean[len(clean)-1:]
}

// numericID decodes ids sent either as JSON numbers or strings.
type numericID string

func (n *numericID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = numericID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = numericID(num.String())
	return nil
}
