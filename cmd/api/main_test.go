package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

func TestNewServerTimeouts(t *testing.T) {
	srv := newServer("9090", http.NotFoundHandler())
	if srv.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %s", srv.Addr)
	}
	if srv.ReadHeaderTimeout == 0 || srv.WriteTimeout < 30*time.Second {
		t.Fatalf("unexpected timeouts: header=%s write=%s", srv.ReadHeaderTimeout, srv.WriteTimeout)
	}
}

// localConfig strips every external provider so run uses in-process fallbacks.
func localConfig() *appconfig.Config {
	cfg := appconfig.Load()
	cfg.Port = "0"
	cfg.Env = "development"
	cfg.DatabaseURL = ""
	cfg.RedisAddr = ""
	cfg.ImagesBucket = ""
	cfg.NotificationQueueURL = ""
	cfg.GeminiAPIKey = ""
	cfg.BedrockModelID = ""
	cfg.MercadoPagoAccessToken = ""
	cfg.WhatsAppAccessToken = ""
	cfg.DentalinkAPIToken = ""
	cfg.SendGridAPIKey = ""
	cfg.SESFromEmail = ""
	cfg.PriceExistingPatient = 25000
	cfg.PriceStandard = 49000
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := localConfig()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logging.Discard()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunFailsOnInvalidPrices(t *testing.T) {
	cfg := localConfig()
	cfg.PriceExistingPatient = 60000
	cfg.PriceStandard = 49000

	if err := run(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("expected error for inverted prices")
	}
}
