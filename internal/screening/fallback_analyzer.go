package screening

import (
	"context"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// FallbackAnalyzer wraps a primary analyzer with a secondary provider.
// If the primary fails, the secondary is tried with the same prompt.
type FallbackAnalyzer struct {
	primary  Analyzer
	fallback Analyzer
	logger   *logging.Logger
}

// NewFallbackAnalyzer creates a fallback-enabled analyzer. A nil fallback
// makes it a pass-through.
func NewFallbackAnalyzer(primary, fallback Analyzer, logger *logging.Logger) *FallbackAnalyzer {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackAnalyzer{primary: primary, fallback: fallback, logger: logger}
}

func (a *FallbackAnalyzer) Analyze(ctx context.Context, prompt Prompt) (string, error) {
	text, err := a.primary.Analyze(ctx, prompt)
	if err == nil {
		return text, nil
	}
	a.logger.Warn("primary screening model failed, attempting fallback",
		"error", err.Error(),
		"fallback_available", a.fallback != nil,
	)
	if a.fallback == nil {
		return "", err
	}
	text, fallbackErr := a.fallback.Analyze(ctx, prompt)
	if fallbackErr != nil {
		a.logger.Error("fallback screening model also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return "", fallbackErr
	}
	return text, nil
}
