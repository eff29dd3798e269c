package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// PlaceholderTimes are offered on every placeholder day.
var PlaceholderTimes = []string{"10:00", "11:00", "15:00", "16:00"}

// PlaceholderDays is how many business days the placeholder schedule covers.
const PlaceholderDays = 5

// PlaceholderSlots generates the next five weekdays after from with fixed
// start times.
func PlaceholderSlots(from time.Time) []DaySlots {
	day := from.In(ClinicLocation)
	out := make([]DaySlots, 0, PlaceholderDays)
	for len(out) < PlaceholderDays {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		times := make([]string, len(PlaceholderTimes))
		copy(times, PlaceholderTimes)
		out = append(out, DaySlots{Date: day.Format(dateLayout), Times: times})
	}
	return out
}

// Recorder observes adapter latency and fallbacks.
type Recorder interface {
	ObserveAdapter(adapter, operation, outcome string, d time.Duration)
}

// Service wraps the clinic adapter with the funnel's degradation rules.
type Service struct {
	adapter    Adapter
	links      map[string]string
	controlURL string
	horizon    time.Duration
	duration   int
	recorder   Recorder
	logger     *logging.Logger
	now        func() time.Time
}

// ServiceConfig wires a Service. A nil Adapter yields placeholder slots
// and local-only bookings.
type ServiceConfig struct {
	Adapter             Adapter
	BookingLinks        map[string]string
	ControlChannelURL   string
	Horizon             time.Duration
	AppointmentDuration time.Duration
	Recorder            Recorder
	Logger              *logging.Logger
	Now                 func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = 14 * 24 * time.Hour
	}
	duration := int(cfg.AppointmentDuration / time.Minute)
	if duration <= 0 {
		duration = 60
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	links := make(map[string]string, len(cfg.BookingLinks))
	for k, v := range cfg.BookingLinks {
		links[strings.ToLower(k)] = v
	}
	return &Service{
		adapter:    cfg.Adapter,
		links:      links,
		controlURL: cfg.ControlChannelURL,
		horizon:    horizon,
		duration:   duration,
		recorder:   cfg.Recorder,
		logger:     logger.Component("scheduling"),
		now:        now,
	}
}

// Configured reports whether a real clinic adapter is wired.
func (s *Service) Configured() bool { return s.adapter != nil }

// ListAvailableSlots never fails: upstream errors and empty answers degrade
// to the placeholder schedule. placeholder reports which one was returned.
func (s *Service) ListAvailableSlots(ctx context.Context) (slots []DaySlots, placeholder bool) {
	now := s.now()
	if s.adapter == nil {
		return PlaceholderSlots(now), true
	}
	start := time.Now()
	days, err := s.adapter.ListAvailableSlots(ctx, now, now.Add(s.horizon))
	if err != nil {
		s.observe("list_slots", "fallback", start)
		s.logger.Warn("slot lookup failed, using placeholder schedule", "error", err)
		return PlaceholderSlots(now), true
	}
	days = nonEmpty(days)
	if len(days) == 0 {
		s.observe("list_slots", "empty", start)
		return PlaceholderSlots(now), true
	}
	s.observe("list_slots", "ok", start)
	return days, false
}

func nonEmpty(days []DaySlots) []DaySlots {
	out := days[:0:0]
	for _, d := range days {
		if d.Date != "" && len(d.Times) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// FindPatient looks an existing patient up without registering one.
func (s *Service) FindPatient(ctx context.Context, id Identity) (string, error) {
	if s.adapter == nil {
		return "", ErrNotConfigured
	}
	start := time.Now()
	pid, err := s.adapter.FindPatient(ctx, id)
	switch {
	case errors.Is(err, ErrPatientNotFound):
		s.observe("find_patient", "not_found", start)
	case err != nil:
		s.observe("find_patient", "error", start)
	default:
		s.observe("find_patient", "ok", start)
	}
	return pid, err
}

// FindOrCreatePatient resolves the clinic patient id.
func (s *Service) FindOrCreatePatient(ctx context.Context, id Identity) (string, error) {
	if s.adapter == nil {
		return "", ErrNotConfigured
	}
	start := time.Now()
	pid, err := s.adapter.FindOrCreatePatient(ctx, id)
	if err != nil {
		s.observe("find_or_create_patient", "error", start)
		return "", err
	}
	s.observe("find_or_create_patient", "ok", start)
	return pid, nil
}

// BookAppointment books the slot, resolving the patient first when needed.
// Without an adapter the booking is recorded locally only.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*Booking, error) {
	startAt, err := ParseSlot(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	if !startAt.After(s.now()) {
		return nil, ErrInvalidSlot
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = s.duration
	}
	if s.adapter == nil {
		return &Booking{
			ID:        "local-" + uuid.NewString(),
			PatientID: req.PatientID,
			Date:      req.Date,
			Time:      req.Time,
			Start:     startAt,
			Local:     true,
		}, nil
	}
	if strings.TrimSpace(req.PatientID) == "" {
		pid, err := s.FindOrCreatePatient(ctx, req.Identity)
		if err != nil {
			return nil, err
		}
		req.PatientID = pid
	}
	start := time.Now()
	booking, err := s.adapter.BookAppointment(ctx, req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrManualSchedulingRequired) {
			outcome = "manual"
		}
		s.observe("book", outcome, start)
		return nil, err
	}
	s.observe("book", "ok", start)
	return booking, nil
}

// BookingLink returns the manual booking page for a suggested route.
func (s *Service) BookingLink(route string) string {
	if link, ok := s.links[strings.ToLower(route)]; ok {
		return link
	}
	return s.links["general"]
}

// ControlChannelURL is where existing patients book a routine check-up.
func (s *Service) ControlChannelURL() string { return s.controlURL }

func (s *Service) observe(op, outcome string, start time.Time) {
	if s.recorder != nil {
		s.recorder.ObserveAdapter("scheduling", op, outcome, time.Since(start))
	}
}
