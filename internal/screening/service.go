package screening

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

const (
	defaultTimeout     = 45 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 2000
)

// Recorder observes screening outcomes. The metrics package implements it.
type Recorder interface {
	ObserveScreening(source string, duration time.Duration)
}

// Service produces a screening result for every request. Model failures
// of any kind are absorbed by the local classifier.
type Service struct {
	analyzer   Analyzer
	classifier *Classifier
	logger     *logging.Logger
	recorder   Recorder
	timeout    time.Duration
	model      string
}

// Option customises a Service.
type Option func(*Service)

// WithTimeout bounds each analyzer call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithModel overrides the model id sent with each prompt.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// NewService wires a screening service. A nil analyzer means every request
// is classified locally.
func NewService(analyzer Analyzer, classifier *Classifier, logger *logging.Logger, opts ...Option) *Service {
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		analyzer:   analyzer,
		classifier: classifier,
		logger:     logger.Component("screening"),
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze never fails.
func (s *Service) Analyze(ctx context.Context, req Request) evaluation.ScreeningResult {
	start := time.Now()
	result, err := s.analyze(ctx, req)
	if err != nil {
		s.logger.Warn("screening model unavailable, using local classifier",
			"evaluation_id", req.EvaluationID,
			"error", err,
		)
		result = s.classifier.Classify(req)
	} else {
		result.Summary = ApplyPriority(result.Summary, req.PainIntense())
	}
	if s.recorder != nil {
		s.recorder.ObserveScreening(string(result.Source), time.Since(start))
	}
	s.logger.Info("screening completed",
		"evaluation_id", req.EvaluationID,
		"route", result.Route,
		"source", result.Source,
		"findings", len(result.Findings),
	)
	return result
}

func (s *Service) analyze(ctx context.Context, req Request) (evaluation.ScreeningResult, error) {
	if s.analyzer == nil {
		return evaluation.ScreeningResult{}, fmt.Errorf("screening: no analyzer configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.analyzer.Analyze(ctx, s.buildPrompt(req))
	if err != nil {
		return evaluation.ScreeningResult{}, err
	}
	return ParseResult(text)
}

const systemPrompt = `Eres un asistente de pre-evaluación dental de Clínica Miró.
Analiza el motivo de consulta, el cuestionario clínico y las imágenes adjuntas.
Responde SOLO con un objeto JSON con esta forma:
{"ruta_sugerida": "caries|ortodoncia|implantes|bruxismo",
 "resumen_ia": "resumen en español, máximo 250 palabras",
 "hallazgos": [{"piece": "1.1", "x": 0-100, "y": 0-100, "status": "red|yellow|green", "diagnosis": "", "depth": "", "treatment": ""}],
 "confianza": 0.0-1.0}
Las coordenadas x/y son porcentajes sobre un odontograma frontal estándar.
No entregues diagnósticos definitivos; es una orientación previa a la evaluación presencial.`

func (s *Service) buildPrompt(req Request) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Motivo de consulta: %s\n", strings.TrimSpace(req.Motive))
	if len(req.Questionnaire) > 0 {
		b.WriteString("Cuestionario clínico:\n")
		keys := make([]string, 0, len(req.Questionnaire))
		for k := range req.Questionnaire {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Questionnaire[k])
		}
	}
	if len(req.Images) > 0 {
		fmt.Fprintf(&b, "Imágenes adjuntas: %d\n", len(req.Images))
	} else {
		b.WriteString("Sin imágenes adjuntas.\n")
	}
	return Prompt{
		Model:       s.model,
		System:      systemPrompt,
		User:        b.String(),
		Images:      req.Images,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
}
