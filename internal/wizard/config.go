package wizard

import (
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

// Config is fixed for the lifetime of the process.
type Config struct {
	Prices              evaluation.PriceTable
	ErrorDisplay        time.Duration
	PollInterval        time.Duration
	PollAttempts        int
	AppointmentDuration time.Duration
	// BookingLink returns the manual booking page for a suggested route.
	BookingLink       func(route string) string
	ControlChannelURL string
	Clock             func() time.Time
}

const (
	defaultErrorDisplay = 5 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 5
)

func (c Config) withDefaults() Config {
	if !c.Prices.Valid() {
		c.Prices = evaluation.DefaultPrices
	}
	if c.ErrorDisplay <= 0 {
		c.ErrorDisplay = defaultErrorDisplay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollAttempts < 0 {
		c.PollAttempts = 0
	} else if c.PollAttempts == 0 {
		c.PollAttempts = defaultPollAttempts
	}
	if c.AppointmentDuration <= 0 {
		c.AppointmentDuration = time.Hour
	}
	if c.BookingLink == nil {
		c.BookingLink = func(string) string { return "" }
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
