package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

func TestBuildRedisClientDisabled(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, logging.Discard(), true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true)
	if client == nil {
		t.Fatalf("expected client for reachable redis")
	}
	defer client.Close()

	mr.Close()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.Discard(), true); client != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}

func TestConnectPostgresEmptyURLReturnsNil(t *testing.T) {
	if pool := ConnectPostgres(context.Background(), "", logging.Discard()); pool != nil {
		t.Fatalf("expected nil pool for empty URL")
	}
}

func TestNeedsAWS(t *testing.T) {
	if NeedsAWS(&appconfig.Config{}) {
		t.Fatalf("empty config should not need AWS")
	}
	for name, cfg := range map[string]*appconfig.Config{
		"bucket":  {ImagesBucket: "intake"},
		"queue":   {NotificationQueueURL: "http://localhost:4566/queue/notify"},
		"bedrock": {BedrockModelID: "anthropic.claude-3-haiku"},
		"ses":     {SESFromEmail: "hola@clinica.example"},
	} {
		if !NeedsAWS(cfg) {
			t.Errorf("%s: expected AWS to be needed", name)
		}
	}
}

func TestLoadAWSConfigStaticCredentials(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := &appconfig.Config{
		AWSRegion:           "sa-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}
	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	if awsCfg.Region != "sa-east-1" {
		t.Fatalf("expected region sa-east-1, got %s", awsCfg.Region)
	}
	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("retrieve credentials: %v", err)
	}
	if creds.AccessKeyID != "test" {
		t.Fatalf("expected static credentials, got %s", creds.AccessKeyID)
	}
	ep, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint("S3", "sa-east-1")
	if err != nil || ep.URL != "http://localhost:4566" {
		t.Fatalf("expected endpoint override for s3, got %v %v", ep, err)
	}
}
