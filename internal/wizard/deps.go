package wizard

import (
	"context"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/realtime"
	"github.com/wolfman30/dental-evaluation-funnel/internal/scheduling"
	"github.com/wolfman30/dental-evaluation-funnel/internal/screening"
	"github.com/wolfman30/dental-evaluation-funnel/internal/storage"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// Screener never fails; it degrades to a local classification.
type Screener interface {
	Analyze(ctx context.Context, req screening.Request) evaluation.ScreeningResult
}

// CheckoutCreator opens or reuses a payment session.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, evaluationID string) (*evaluation.Checkout, error)
}

// Scheduler is the clinic agenda as seen by the wizard.
type Scheduler interface {
	FindPatient(ctx context.Context, id scheduling.Identity) (string, error)
	FindOrCreatePatient(ctx context.Context, id scheduling.Identity) (string, error)
	ListAvailableSlots(ctx context.Context) ([]scheduling.DaySlots, bool)
	BookAppointment(ctx context.Context, req scheduling.BookingRequest) (*scheduling.Booking, error)
}

// PaymentWatcher wakes payment polling when the webhook lands.
type PaymentWatcher interface {
	Subscribe(evaluationID string) (<-chan realtime.Event, func())
}

// Runner runs detached tasks.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Recorder observes stage transitions and action outcomes.
type Recorder interface {
	ObserveStageTransition(from, to string)
	ObserveAction(action, outcome string)
}

// Deps are the collaborators shared by every session. Payments, Images,
// Outbox and Recorder are optional.
type Deps struct {
	Evaluations evaluation.Repository
	Leads       leads.Repository
	Screener    Screener
	Checkout    CheckoutCreator
	Scheduler   Scheduler
	Images      storage.ImageStore
	Payments    PaymentWatcher
	Outbox      events.Publisher
	Tasks       Runner
	Recorder    Recorder
	Logger      *logging.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Tasks == nil {
		d.Tasks = NewTaskRunner(0, d.Logger)
	}
	return d
}
