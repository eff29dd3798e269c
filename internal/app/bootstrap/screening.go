package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/dental-evaluation-funnel/internal/config"
	"github.com/wolfman30/dental-evaluation-funnel/internal/screening"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// BuildScreener wires Gemini as the primary model with Bedrock behind it.
// Either may be missing; with neither, every screening comes from the local
// classifier. The returned close func releases the Gemini client.
func BuildScreener(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, recorder screening.Recorder, logger *logging.Logger) (*screening.Service, func()) {
	if logger == nil {
		logger = logging.Default()
	}
	closer := func() {}

	var primary, secondary screening.Analyzer
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := screening.NewGeminiAnalyzer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini analyzer disabled", "error", err)
		} else {
			primary = gemini
			closer = func() { _ = gemini.Close() }
		}
	}
	if strings.TrimSpace(cfg.BedrockModelID) != "" && awsCfg != nil {
		secondary = screening.NewBedrockAnalyzer(bedrockruntime.NewFromConfig(*awsCfg), cfg.BedrockModelID)
	}

	var analyzer screening.Analyzer
	switch {
	case primary != nil:
		analyzer = screening.NewFallbackAnalyzer(primary, secondary, logger)
	case secondary != nil:
		analyzer = secondary
	default:
		logger.Warn("no screening model configured; using keyword classifier only")
	}

	opts := []screening.Option{}
	if recorder != nil {
		opts = append(opts, screening.WithRecorder(recorder))
	}
	svc := screening.NewService(analyzer, screening.NewClassifier(nil, nil), logger, opts...)
	return svc, closer
}
