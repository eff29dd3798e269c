package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dental-evaluation-funnel/internal/api/router"
	"github.com/wolfman30/dental-evaluation-funnel/internal/auth"
	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/internal/events"
	"github.com/wolfman30/dental-evaluation-funnel/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/dental-evaluation-funnel/internal/http/middleware"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	"github.com/wolfman30/dental-evaluation-funnel/internal/notify"
	"github.com/wolfman30/dental-evaluation-funnel/internal/observability/metrics"
	"github.com/wolfman30/dental-evaluation-funnel/internal/payments"
	"github.com/wolfman30/dental-evaluation-funnel/internal/realtime"
	"github.com/wolfman30/dental-evaluation-funnel/internal/scheduling"
	"github.com/wolfman30/dental-evaluation-funnel/internal/storage"
	"github.com/wolfman30/dental-evaluation-funnel/internal/wizard"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// outbox is the event log as both sides see it.
type outbox interface {
	events.Publisher
	events.Source
}

// App is the assembled API process.
type App struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.FunnelMetrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Evaluations evaluation.Repository
	Leads       leads.Repository
	Outbox      outbox
	Hub         *realtime.Hub
	Sessions    *wizard.Sessions
	Tasks       *wizard.TaskRunner
	Deliverer   *events.Deliverer
	RateLimiter *httpmiddleware.RateLimiter
	Scheduling  *scheduling.Service
	Checkout    *payments.CheckoutService

	// Providers records which implementation backs each pluggable concern.
	Providers map[string]string

	handler http.Handler
	inline  *messaging.InlineDispatcher
	closers []func()
	wg      sync.WaitGroup
}

// New wires every component from configuration. Missing credentials degrade
// to local implementations; only an unusable configuration returns an error.
func New(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger, Providers: make(map[string]string)}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewFunnelMetrics(a.Registry)

	a.Pool = ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	a.Redis = BuildRedisClient(ctx, cfg, logger, true)

	var awsCfg *aws.Config
	if NeedsAWS(cfg) {
		loaded, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		awsCfg = &loaded
	}

	var processed events.Deduper
	if a.Pool != nil {
		a.Evaluations = evaluation.NewPostgresRepository(a.Pool)
		a.Leads = leads.NewPostgresRepository(a.Pool)
		a.Outbox = events.NewOutboxStore(a.Pool)
		processed = events.NewProcessedStore(a.Pool)
		a.Providers["store"] = "postgres"
	} else {
		logger.Warn("DATABASE_URL not set or unreachable; using in-memory stores")
		a.Evaluations = evaluation.NewInMemoryRepository()
		a.Leads = leads.NewInMemoryRepository()
		a.Outbox = events.NewMemoryOutbox()
		processed = events.NewMemoryProcessedStore()
		a.Providers["store"] = "memory"
	}

	var images storage.ImageStore
	if cfg.ImagesBucket != "" && awsCfg != nil {
		images = storage.NewS3Store(s3.NewFromConfig(*awsCfg), cfg.ImagesBucket, cfg.ImageURLTTL, logger)
		a.Providers["images"] = "s3"
	} else {
		images = storage.NewMemoryStore(cfg.PublicBaseURL + "/files")
		a.Providers["images"] = "memory"
	}

	a.Tasks = wizard.NewTaskRunner(30*time.Second, logger)

	sender, senderName := BuildSender(cfg, logger)
	dispatcher, dispatchMode := BuildDispatcher(cfg, awsCfg, sender, a.Tasks, logger)
	if inline, ok := dispatcher.(*messaging.InlineDispatcher); ok {
		a.inline = inline
	}
	emailSender, emailName := BuildEmailSender(cfg, awsCfg, logger)
	notifier := notify.NewService(dispatcher, emailSender, scheduling.ClinicLocation, logger)
	a.Providers["whatsapp"] = senderName
	a.Providers["dispatch"] = dispatchMode
	a.Providers["email"] = emailName

	screener, closeScreener := BuildScreener(ctx, cfg, awsCfg, a.Metrics, logger)
	a.closers = append(a.closers, closeScreener)

	var adapter scheduling.Adapter
	if cfg.DentalinkAPIToken != "" {
		client, err := scheduling.NewDentalinkClient(scheduling.DentalinkConfig{
			BaseURL:  cfg.DentalinkBaseURL,
			APIToken: cfg.DentalinkAPIToken,
			BranchID: cfg.DentalinkBranchID,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: dentalink: %w", err)
		}
		adapter = client
		a.Providers["scheduling"] = "dentalink"
	} else {
		logger.Warn("DENTALINK_API_TOKEN not set; agenda uses placeholder slots and booking links")
		a.Providers["scheduling"] = "placeholder"
	}
	a.Scheduling = scheduling.NewService(scheduling.ServiceConfig{
		Adapter:             adapter,
		BookingLinks:        cfg.BookingLinks,
		ControlChannelURL:   cfg.ControlChannelURL,
		AppointmentDuration: cfg.AppointmentDuration,
		Recorder:            a.Metrics,
		Logger:              logger,
	})

	prices := evaluation.PriceTable{ExistingPatient: cfg.PriceExistingPatient, Standard: cfg.PriceStandard}
	if !prices.Valid() {
		return nil, fmt.Errorf("bootstrap: existing patient price %d must be below standard price %d", prices.ExistingPatient, prices.Standard)
	}

	var gateway payments.Gateway
	var fakeGateway *payments.FakeGateway
	switch {
	case cfg.PaymentsConfigured():
		mp, err := payments.NewMercadoPagoClient(payments.MercadoPagoConfig{
			AccessToken:     cfg.MercadoPagoAccessToken,
			BaseURL:         cfg.MercadoPagoBaseURL,
			FrontendURL:     cfg.FrontendURL,
			NotificationURL: cfg.PublicBaseURL + "/webhooks/mercadopago",
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: mercado pago: %w", err)
		}
		gateway = mp
		a.Providers["payments"] = "mercadopago"
	case cfg.AllowFakePayments:
		fg, err := payments.NewFakeGateway(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: fake payments: %w", err)
		}
		gateway, fakeGateway = fg, fg
		a.Providers["payments"] = "fake"
	default:
		logger.Warn("payments not configured; checkout will report a configuration error")
		a.Providers["payments"] = "none"
	}
	a.Checkout = payments.NewCheckoutService(payments.CheckoutServiceConfig{
		Evaluations: a.Evaluations,
		Leads:       a.Leads,
		Gateway:     gateway,
		Prices:      prices,
		Outbox:      a.Outbox,
		Recorder:    a.Metrics,
		Logger:      logger,
		TTL:         cfg.CheckoutTTL,
	})
	processor := payments.NewStatusProcessor(gateway, a.Evaluations, a.Leads, processed, a.Outbox, a.Metrics, logger)

	a.Hub = realtime.NewHub()
	a.Deliverer = events.NewDeliverer(a.Outbox, events.Fanout(notifier, realtime.OutboxHandler(a.Hub, logger)), logger).
		WithInterval(time.Second)

	var stateStore wizard.StateStore
	if a.Redis != nil {
		stateStore = wizard.NewRedisStateStore(a.Redis, 24*time.Hour)
	}
	a.Sessions = wizard.NewSessions(wizard.SessionsConfig{
		Deps: wizard.Deps{
			Evaluations: a.Evaluations,
			Leads:       a.Leads,
			Screener:    screener,
			Checkout:    a.Checkout,
			Scheduler:   a.Scheduling,
			Images:      images,
			Payments:    a.Hub,
			Outbox:      a.Outbox,
			Tasks:       a.Tasks,
			Recorder:    a.Metrics,
			Logger:      logger,
		},
		Config: wizard.Config{
			Prices:              prices,
			ErrorDisplay:        cfg.WizardErrorDisplay,
			PollInterval:        cfg.WizardPollInterval,
			PollAttempts:        cfg.WizardPollAttempts,
			AppointmentDuration: cfg.AppointmentDuration,
			BookingLink:         a.Scheduling.BookingLink,
			ControlChannelURL:   a.Scheduling.ControlChannelURL(),
		},
		Store:       stateStore,
		IdleTimeout: cfg.WizardSessionIdleTTL,
	})

	authHandler, err := a.buildAuth(notifier)
	if err != nil {
		return nil, err
	}

	a.RateLimiter = httpmiddleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	routerCfg := &router.Config{
		Logger:             logger,
		Wizard:             wizard.NewHandler(a.Sessions, logger),
		Auth:               authHandler,
		LeadsHandler:       leads.NewHandler(a.Leads, logger),
		PaymentsHandler:    payments.NewCheckoutHandler(a.Checkout, a.Evaluations, logger),
		MercadoPagoWebhook: payments.NewMercadoPagoWebhookHandler(cfg.MercadoPagoWebhookSecret, processor, logger),
		Realtime:           realtime.NewHandler(a.Hub, EvaluationSnapshot(a.Evaluations), logger),
		AdminEvaluations:   handlers.NewAdminEvaluationsHandler(a.Evaluations, images, a.Registry, logger),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		LeadsIntakeToken:   cfg.LeadsIntakeToken,
		MetricsHandler:     metrics.Handler(a.Registry),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        a.RateLimiter,
		HealthChecks:       a.healthChecks(),
	}
	if fakeGateway != nil {
		routerCfg.FakePayments = payments.NewFakePaymentsHandler(fakeGateway, processor, cfg.FrontendURL, logger)
	}
	a.handler = router.New(routerCfg)

	logger.Info("application wired", "providers", a.Providers)
	return a, nil
}

func (a *App) buildAuth(sender auth.CodeSender) (*auth.Handler, error) {
	cfg := a.Config
	secret := cfg.SessionJWTSecret
	if secret == "" {
		if cfg.Env == "production" {
			return nil, errors.New("bootstrap: SESSION_JWT_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("bootstrap: session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		a.Logger.Warn("SESSION_JWT_SECRET not set; patient sessions will not survive a restart")
	}
	issuer, err := auth.NewSessionIssuer(secret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	var codes auth.CodeStore
	if a.Redis != nil {
		codes = auth.NewRedisCodeStore(a.Redis)
	} else {
		codes = auth.NewMemoryCodeStore()
	}
	svc := auth.NewService(auth.ServiceConfig{
		Leads:       a.Leads,
		Evaluations: a.Evaluations,
		Codes:       codes,
		Sender:      sender,
		Sessions:    issuer,
		CodeTTL:     cfg.OTPTTL,
		Logger:      a.Logger,
	})
	return auth.NewHandler(svc, issuer, a.Logger), nil
}

func (a *App) healthChecks() map[string]router.HealthCheck {
	checks := make(map[string]router.HealthCheck)
	if a.Pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.Pool.Ping(ctx) }
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Handler is the HTTP entry point.
func (a *App) Handler() http.Handler { return a.handler }

// Start launches the background loops: outbox delivery, the session
// janitor and the rate limiter janitor. They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.Deliverer.Start(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Sessions.Run(ctx, time.Minute)
	}()
	go func() {
		defer a.wg.Done()
		a.RateLimiter.Run(ctx)
	}()
}

// Close waits for background loops and detached tasks, then releases
// connections. Call it after the context passed to Start is cancelled.
func (a *App) Close(ctx context.Context) error {
	a.wg.Wait()
	err := a.Tasks.Drain(ctx)
	if a.inline != nil {
		a.inline.Wait()
	}
	// One last pass so events written by drained tasks are not left behind.
	a.Deliverer.Drain(ctx)
	a.Hub.Close()
	for _, c := range a.closers {
		c()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return err
}

// EvaluationSnapshot builds the first realtime event from the stored
// evaluation.
func EvaluationSnapshot(repo evaluation.Repository) realtime.SnapshotFunc {
	return func(ctx context.Context, evaluationID string) (realtime.Event, bool) {
		ev, err := repo.Get(ctx, evaluationID)
		if err != nil {
			return realtime.Event{}, false
		}
		return realtime.Event{
			Type:          realtime.EventStage,
			EvaluationID:  ev.ID,
			Stage:         string(ev.Stage),
			PaymentStatus: string(ev.PaymentStatus),
			At:            ev.UpdatedAt,
		}, true
	}
}
