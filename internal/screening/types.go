package screening

import (
	"context"
	"strings"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

// Image is one intake image handed to the analyzer.
type Image struct {
	Ref      string
	MIMEType string
	Data     []byte
}

// Request carries everything the screening stage knows about the patient.
type Request struct {
	EvaluationID  string
	Motive        string
	Questionnaire map[string]string
	Images        []Image
}

// PainIntense reports whether the patient reported intense pain.
func (r Request) PainIntense() bool {
	if r.Questionnaire == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(r.Questionnaire[evaluation.QuestionPainLevel])) {
	case evaluation.PainIntense, "intenso":
		return true
	}
	return false
}

// Prompt is the provider-neutral model input.
type Prompt struct {
	Model       string
	System      string
	User        string
	Images      []Image
	Temperature float32
	MaxTokens   int32
}

// Analyzer sends a prompt to a multimodal model and returns its raw text.
type Analyzer interface {
	Analyze(ctx context.Context, prompt Prompt) (string, error)
}

// PriorityNotice prefixes summaries when intense pain is reported.
const PriorityNotice = "⚠️ PRIORIDAD: Dolor intenso reportado. "

// ApplyPriority prepends the priority notice once.
func ApplyPriority(summary string, intense bool) string {
	if !intense || strings.HasPrefix(summary, PriorityNotice) {
		return summary
	}
	return PriorityNotice + summary
}
