package scheduling

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryAdapter is an in-process clinic system for development and tests.
type MemoryAdapter struct {
	mu       sync.Mutex
	nextID   int
	byRUT    map[string]string
	byEmail  map[string]string
	bookings map[string]*Booking
	// NoProfessional simulates a clinic with no bookable dentist.
	NoProfessional bool
	// Slots overrides generated availability when set.
	Slots []DaySlots
	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		nextID:   1000,
		byRUT:    make(map[string]string),
		byEmail:  make(map[string]string),
		bookings: make(map[string]*Booking),
	}
}

func (m *MemoryAdapter) FindPatient(_ context.Context, id Identity) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *MemoryAdapter) lookup(id Identity) (string, error) {
	if rut := strings.TrimSpace(id.NationalID); rut != "" {
		if pid, ok := m.byRUT[NormalizeRUT(rut)]; ok {
			return pid, nil
		}
	}
	if email := strings.ToLower(strings.TrimSpace(id.Email)); email != "" {
		if pid, ok := m.byEmail[email]; ok {
			return pid, nil
		}
	}
	return "", ErrPatientNotFound
}

func (m *MemoryAdapter) FindOrCreatePatient(_ context.Context, id Identity) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid, err := m.lookup(id); err == nil {
		return pid, nil
	}
	m.nextID++
	pid := strconv.Itoa(m.nextID)
	if rut := strings.TrimSpace(id.NationalID); rut != "" {
		m.byRUT[NormalizeRUT(rut)] = pid
	}
	if email := strings.ToLower(strings.TrimSpace(id.Email)); email != "" {
		m.byEmail[email] = pid
	}
	return pid, nil
}

func (m *MemoryAdapter) ListAvailableSlots(_ context.Context, from, _ time.Time) ([]DaySlots, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Slots != nil {
		return m.Slots, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	days := PlaceholderSlots(from)
	for i := range days {
		free := days[i].Times[:0:0]
		for _, t := range days[i].Times {
			if _, taken := m.bookings[days[i].Date+" "+t]; !taken {
				free = append(free, t)
			}
		}
		days[i].Times = free
	}
	return days, nil
}

func (m *MemoryAdapter) BookAppointment(_ context.Context, req BookingRequest) (*Booking, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.NoProfessional && req.ProfessionalID == "" {
		return nil, ErrManualSchedulingRequired
	}
	start, err := ParseSlot(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := start.Format(dateLayout) + " " + start.Format(timeLayout)
	if _, taken := m.bookings[key]; taken {
		return nil, ErrSlotUnavailable
	}
	m.nextID++
	b := &Booking{
		ID:        "cita-" + strconv.Itoa(m.nextID),
		PatientID: req.PatientID,
		Date:      start.Format(dateLayout),
		Time:      start.Format(timeLayout),
		Start:     start,
	}
	m.bookings[key] = b
	return b, nil
}

// Bookings returns the number of appointments booked so far.
func (m *MemoryAdapter) Bookings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}
