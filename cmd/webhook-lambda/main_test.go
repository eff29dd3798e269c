package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

func request(method, path, body string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		Body:    body,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			DomainName: "hooks.clinica.example",
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method: method,
				Path:   path,
			},
		},
	}
}

func TestForwardHealth(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}
	resp, err := forward(context.Background(), cfg, http.DefaultClient, request(http.MethodGet, "/health", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "ok" {
		t.Fatalf("unexpected health response %+v", resp)
	}
}

func TestForwardRejectsUnknownPathAndMethod(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://example.com", upstreamTimeout: time.Second}

	resp, _ := forward(context.Background(), cfg, http.DefaultClient, request(http.MethodPost, "/webhooks/other", ""))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
	resp, _ = forward(context.Background(), cfg, http.DefaultClient, request(http.MethodGet, webhookPath, ""))
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}

func TestForwardsNotificationWithSignature(t *testing.T) {
	var gotBody, gotSignature, gotQuery, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != webhookPath {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotSignature = r.Header.Get("X-Signature")
		gotQuery = r.URL.RawQuery
		gotHost = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer upstream.Close()

	payload := `{"type":"payment","data":{"id":"123"}}`
	evt := request(http.MethodPost, webhookPath, base64.StdEncoding.EncodeToString([]byte(payload)))
	evt.IsBase64Encoded = true
	evt.RawQueryString = "data.id=123&type=payment"
	evt.Headers = map[string]string{"X-Signature": "ts=1,v1=abc", "Content-Type": "application/json"}

	cfg := config{upstreamBaseURL: upstream.URL, upstreamTimeout: time.Second}
	resp, err := forward(context.Background(), cfg, upstream.Client(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if gotBody != payload {
		t.Fatalf("expected decoded body forwarded, got %q", gotBody)
	}
	if gotSignature != "ts=1,v1=abc" {
		t.Fatalf("expected signature forwarded, got %q", gotSignature)
	}
	if gotQuery != "data.id=123&type=payment" {
		t.Fatalf("expected query forwarded, got %q", gotQuery)
	}
	if gotHost != "hooks.clinica.example" {
		t.Fatalf("expected forwarded host, got %q", gotHost)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Fatalf("expected content type passthrough, got %v", resp.Headers)
	}
}

func TestForwardUpstreamDown(t *testing.T) {
	cfg := config{upstreamBaseURL: "http://127.0.0.1:1", upstreamTimeout: 200 * time.Millisecond}
	resp, err := forward(context.Background(), cfg, &http.Client{Timeout: 200 * time.Millisecond}, request(http.MethodPost, webhookPath, "{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, resp.StatusCode)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error without UPSTREAM_BASE_URL")
	}
	t.Setenv("UPSTREAM_BASE_URL", "https://api.internal/")
	t.Setenv("UPSTREAM_TIMEOUT", "3s")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.upstreamBaseURL != "https://api.internal" || cfg.upstreamTimeout != 3*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
