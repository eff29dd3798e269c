package screening

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

// MaxSummaryWords caps the summary shown to the patient.
const MaxSummaryWords = 250

var (
	ErrEmptyOutput  = errors.New("screening: model returned no text")
	ErrInvalidJSON  = errors.New("screening: model output is not valid json")
	ErrInvalidRoute = errors.New("screening: model suggested an unknown route")
	ErrNoSummary    = errors.New("screening: model returned no summary")
	ErrBadFinding   = errors.New("screening: model returned an invalid finding")
)

type rawFinding struct {
	Piece     json.RawMessage `json:"piece"`
	ToothID   string          `json:"tooth_id"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
	Status    string          `json:"status"`
	Severity  string          `json:"severity"`
	Diagnosis string          `json:"diagnosis"`
	Depth     string          `json:"depth"`
	Treatment string          `json:"treatment"`
}

type rawResult struct {
	RutaSugerida   string       `json:"ruta_sugerida"`
	SuggestedRoute string       `json:"suggested_route"`
	ResumenIA      string       `json:"resumen_ia"`
	Summary        string       `json:"summary"`
	Hallazgos      []rawFinding `json:"hallazgos"`
	Findings       []rawFinding `json:"findings"`
	Confianza      *float64     `json:"confianza"`
	Confidence     *float64     `json:"confidence"`
}

// ParseResult decodes model output into a screening result. Code fences and
// prose around the JSON object are tolerated.
func ParseResult(text string) (evaluation.ScreeningResult, error) {
	body := extractJSON(text)
	if body == "" {
		return evaluation.ScreeningResult{}, ErrEmptyOutput
	}
	var raw rawResult
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return evaluation.ScreeningResult{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	route, ok := evaluation.ParseSuggestedRoute(firstNonEmpty(raw.RutaSugerida, raw.SuggestedRoute))
	if !ok {
		return evaluation.ScreeningResult{}, ErrInvalidRoute
	}
	summary := capWords(strings.TrimSpace(firstNonEmpty(raw.ResumenIA, raw.Summary)), MaxSummaryWords)
	if summary == "" {
		return evaluation.ScreeningResult{}, ErrNoSummary
	}

	items := raw.Hallazgos
	if len(items) == 0 {
		items = raw.Findings
	}
	findings := make([]evaluation.Finding, 0, len(items))
	for _, item := range items {
		f, err := item.toFinding()
		if err != nil {
			return evaluation.ScreeningResult{}, err
		}
		findings = append(findings, f)
	}

	confidence := 0.0
	switch {
	case raw.Confianza != nil:
		confidence = *raw.Confianza
	case raw.Confidence != nil:
		confidence = *raw.Confidence
	}
	if confidence < 0 || confidence > 1 {
		confidence = 0
	}

	return evaluation.ScreeningResult{
		Route:      route,
		Summary:    summary,
		Findings:   findings,
		Confidence: confidence,
		Source:     evaluation.SourceAI,
	}, nil
}

func (r rawFinding) toFinding() (evaluation.Finding, error) {
	tooth := strings.TrimSpace(r.ToothID)
	if tooth == "" && len(r.Piece) > 0 {
		var s string
		if err := json.Unmarshal(r.Piece, &s); err == nil {
			tooth = strings.TrimSpace(s)
		} else {
			tooth = strings.Trim(string(r.Piece), `" `)
		}
	}
	severity := evaluation.Severity(strings.ToLower(strings.TrimSpace(firstNonEmpty(r.Status, r.Severity))))
	if tooth == "" || !severity.Valid() {
		return evaluation.Finding{}, ErrBadFinding
	}
	return evaluation.Finding{
		ToothID:   tooth,
		PositionX: clampPercent(r.X),
		PositionY: clampPercent(r.Y),
		Severity:  severity,
		Diagnosis: strings.TrimSpace(r.Diagnosis),
		Depth:     strings.TrimSpace(r.Depth),
		Treatment: strings.TrimSpace(r.Treatment),
	}, nil
}

// extractJSON strips markdown fences and returns the outermost object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(text)
	}
	return text[start : end+1]
}

func capWords(s string, max int) string {
	words := strings.Fields(s)
	if len(words) <= max {
		return s
	}
	return strings.Join(words[:max], " ") + "…"
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
