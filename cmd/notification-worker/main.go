// Command notification-worker drains the WhatsApp notification queue filled
// by the API's SQS dispatcher.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/dental-evaluation-funnel/internal/app/bootstrap"
	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/internal/messaging"
	notificationworker "github.com/wolfman30/dental-evaluation-funnel/internal/worker/notifications"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("notification-worker")

	if cfg.NotificationQueueURL == "" {
		logger.Error("NOTIFICATION_QUEUE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := messaging.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.NotificationQueueURL)

	sender, provider := bootstrap.BuildSender(cfg, logger)
	logger.Info("starting notification worker", "sender", provider, "queue", cfg.NotificationQueueURL)

	consumer := notificationworker.NewConsumer(queue, sender, logger).
		WithWorkers(envInt("NOTIFICATION_WORKERS", 2)).
		WithReceiveWait(envInt("NOTIFICATION_RECEIVE_WAIT_SECONDS", 20))
	consumer.Start(ctx)

	srv := healthServer(getEnv("WORKER_HEALTH_PORT", "9091"))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down notification worker")
	consumer.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// healthServer answers liveness checks and exposes the default registry.
func healthServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
