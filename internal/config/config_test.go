package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("PRICE_EXISTING_PATIENT_CLP", "")
	t.Setenv("PRICE_STANDARD_CLP", "")
	t.Setenv("MERCADO_PAGO_ACCESS_TOKEN", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.PriceExistingPatient != 25000 || cfg.PriceStandard != 49000 {
		t.Fatalf("unexpected default prices %d/%d", cfg.PriceExistingPatient, cfg.PriceStandard)
	}
	if cfg.WizardPollInterval != 2*time.Second || cfg.WizardPollAttempts != 5 {
		t.Fatalf("unexpected poll defaults %s/%d", cfg.WizardPollInterval, cfg.WizardPollAttempts)
	}
	if cfg.OTPTTL != 10*time.Minute {
		t.Fatalf("expected 10m otp ttl, got %s", cfg.OTPTTL)
	}
	if cfg.PaymentsConfigured() {
		t.Fatalf("payments should not be configured without a token")
	}
	if cfg.BookingLinks["orthodontics"] == "" {
		t.Fatalf("expected a default orthodontics booking link")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("PRICE_STANDARD_CLP", "55000")
	t.Setenv("WIZARD_POLL_INTERVAL", "500ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.cl, ,https://b.cl")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("MERCADO_PAGO_ACCESS_TOKEN", "TEST-123")
	t.Setenv("PUBLIC_BASE_URL", "https://api.miro.cl/")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.PriceStandard != 55000 {
		t.Fatalf("expected price override, got %d", cfg.PriceStandard)
	}
	if cfg.WizardPollInterval != 500*time.Millisecond {
		t.Fatalf("expected poll override, got %s", cfg.WizardPollInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.cl" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateLimitPerSecond != 2.5 {
		t.Fatalf("expected rps override, got %v", cfg.RateLimitPerSecond)
	}
	if !cfg.PaymentsConfigured() {
		t.Fatalf("expected payments configured")
	}
	if cfg.PublicBaseURL != "https://api.miro.cl" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.PublicBaseURL)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("WIZARD_POLL_ATTEMPTS", "lots")
	t.Setenv("SESSION_TTL", "forever")
	t.Setenv("REDIS_TLS", "maybe")
	cfg := Load()
	if cfg.WizardPollAttempts != 5 {
		t.Fatalf("expected fallback attempts, got %d", cfg.WizardPollAttempts)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected fallback session ttl, got %s", cfg.SessionTTL)
	}
	if cfg.RedisTLS {
		t.Fatalf("expected tls disabled")
	}
}
