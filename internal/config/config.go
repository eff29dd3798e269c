package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	FrontendURL   string
	LogLevel      string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	CORSAllowedOrigins []string
	RateLimitPerSecond float64
	RateLimitBurst     int

	// LeadsIntakeToken guards the standalone lead capture endpoint used by
	// landing pages. Empty disables the check.
	LeadsIntakeToken string

	AdminJWTSecret   string
	SessionJWTSecret string
	SessionTTL       time.Duration

	// Pricing in CLP
	PriceExistingPatient int
	PriceStandard        int

	// Wizard timings
	WizardErrorDisplay   time.Duration
	WizardPollInterval   time.Duration
	WizardPollAttempts   int
	WizardSessionIdleTTL time.Duration
	AppointmentDuration  time.Duration

	// Mercado Pago
	MercadoPagoAccessToken   string
	MercadoPagoBaseURL       string
	MercadoPagoWebhookSecret string
	AllowFakePayments        bool
	CheckoutTTL              time.Duration

	// Dentalink
	DentalinkBaseURL  string
	DentalinkAPIToken string
	DentalinkBranchID int

	// Booking links per suggested route plus the control-only channel.
	BookingLinks      map[string]string
	ControlChannelURL string

	// WhatsApp Cloud API
	WhatsAppBaseURL       string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	NotificationQueueURL  string

	// AI screening
	GeminiAPIKey   string
	GeminiModel    string
	BedrockModelID string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ImagesBucket        string
	ImageURLTTL         time.Duration

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	OTPTTL time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		FrontendURL:   strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),
		LeadsIntakeToken:   getEnv("LEADS_INTAKE_TOKEN", ""),

		AdminJWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		PriceExistingPatient: getEnvAsInt("PRICE_EXISTING_PATIENT_CLP", 25000),
		PriceStandard:        getEnvAsInt("PRICE_STANDARD_CLP", 49000),

		WizardErrorDisplay:   getEnvAsDuration("WIZARD_ERROR_DISPLAY", 5*time.Second),
		WizardPollInterval:   getEnvAsDuration("WIZARD_POLL_INTERVAL", 2*time.Second),
		WizardPollAttempts:   getEnvAsInt("WIZARD_POLL_ATTEMPTS", 5),
		WizardSessionIdleTTL: getEnvAsDuration("WIZARD_SESSION_IDLE_TTL", 2*time.Hour),
		AppointmentDuration:  getEnvAsDuration("APPOINTMENT_DURATION", 60*time.Minute),

		MercadoPagoAccessToken:   getEnv("MERCADO_PAGO_ACCESS_TOKEN", ""),
		MercadoPagoBaseURL:       getEnv("MERCADO_PAGO_BASE_URL", "https://api.mercadopago.com"),
		MercadoPagoWebhookSecret: getEnv("MERCADO_PAGO_WEBHOOK_SECRET", ""),
		AllowFakePayments:        getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),
		CheckoutTTL:              getEnvAsDuration("CHECKOUT_TTL", 24*time.Hour),

		DentalinkBaseURL:  getEnv("DENTALINK_BASE_URL", "https://api.dentalink.healthatom.com/api/v1"),
		DentalinkAPIToken: getEnv("DENTALINK_API_TOKEN", ""),
		DentalinkBranchID: getEnvAsInt("DENTALINK_BRANCH_ID", 1),

		BookingLinks: map[string]string{
			"orthodontics": getEnv("BOOKING_LINK_ORTHODONTICS", "https://ff.healthatom.io/QVVP56"),
			"implants":     getEnv("BOOKING_LINK_IMPLANTS", "https://ff.healthatom.io/v68xCg"),
			"caries":       getEnv("BOOKING_LINK_GENERAL", "https://ff.healthatom.io/TA6eA1"),
			"bruxism":      getEnv("BOOKING_LINK_GENERAL", "https://ff.healthatom.io/TA6eA1"),
			"aesthetics":   getEnv("BOOKING_LINK_AESTHETICS", "https://ff.healthatom.io/L4ngYV"),
			"general":      getEnv("BOOKING_LINK_GENERAL", "https://ff.healthatom.io/TA6eA1"),
		},
		ControlChannelURL: getEnv("CONTROL_CHANNEL_URL", "https://wa.me/56935957864"),

		WhatsAppBaseURL:       getEnv("WHATSAPP_BASE_URL", "https://graph.facebook.com/v18.0"),
		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		NotificationQueueURL:  getEnv("NOTIFICATION_QUEUE_URL", ""),

		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ImagesBucket:        getEnv("S3_IMAGES_BUCKET", ""),
		ImageURLTTL:         getEnvAsDuration("IMAGE_URL_TTL", 7*24*time.Hour),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clínica Miró"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		OTPTTL: getEnvAsDuration("OTP_TTL", 10*time.Minute),
	}
}

// PaymentsConfigured reports whether real Mercado Pago credentials are present.
func (c *Config) PaymentsConfigured() bool {
	return strings.TrimSpace(c.MercadoPagoAccessToken) != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
