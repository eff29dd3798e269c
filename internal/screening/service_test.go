package screening

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type stubAnalyzer struct {
	text   string
	err    error
	calls  int
	prompt Prompt
	delay  time.Duration
}

func (s *stubAnalyzer) Analyze(ctx context.Context, p Prompt) (string, error) {
	s.calls++
	s.prompt = p
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

type recorderStub struct {
	mu      sync.Mutex
	sources []string
}

func (r *recorderStub) ObserveScreening(source string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

func TestServiceUsesModelResult(t *testing.T) {
	analyzer := &stubAnalyzer{text: `{"ruta_sugerida":"bruxismo","resumen_ia":"Desgaste oclusal generalizado.","hallazgos":[],"confianza":0.9}`}
	rec := &recorderStub{}
	svc := NewService(analyzer, nil, logging.Discard(), WithRecorder(rec), WithModel("gemini-test"))

	res := svc.Analyze(context.Background(), Request{
		EvaluationID:  "ev-1",
		Motive:        "Quiero evaluar una posible caries",
		Questionnaire: map[string]string{evaluation.QuestionPainLevel: "intense"},
		Images:        []Image{{Ref: "a.jpg", MIMEType: "image/jpeg", Data: []byte{1}}},
	})

	if res.Source != evaluation.SourceAI || res.Route != evaluation.SuggestedBruxism {
		t.Fatalf("expected ai bruxism result, got %+v", res)
	}
	if !strings.HasPrefix(res.Summary, PriorityNotice) {
		t.Fatalf("expected priority notice on ai summary, got %q", res.Summary)
	}
	if analyzer.prompt.Model != "gemini-test" || len(analyzer.prompt.Images) != 1 {
		t.Fatalf("unexpected prompt: %+v", analyzer.prompt)
	}
	if !strings.Contains(analyzer.prompt.User, "pain_level: intense") {
		t.Fatalf("expected questionnaire in prompt, got %q", analyzer.prompt.User)
	}
	if len(rec.sources) != 1 || rec.sources[0] != string(evaluation.SourceAI) {
		t.Fatalf("expected ai observation, got %v", rec.sources)
	}
}

func TestServiceFallsBackOnAnalyzerError(t *testing.T) {
	analyzer := &stubAnalyzer{err: errors.New("429 rate limited")}
	svc := NewService(analyzer, nil, logging.Discard())

	res := svc.Analyze(context.Background(), Request{Motive: "Quiero evaluar una posible caries"})
	if res.Source != evaluation.SourceFallback || res.Route != evaluation.SuggestedCaries {
		t.Fatalf("expected fallback caries, got %+v", res)
	}
}

func TestServiceFallsBackOnMalformedOutput(t *testing.T) {
	analyzer := &stubAnalyzer{text: "no json here"}
	svc := NewService(analyzer, nil, logging.Discard())

	res := svc.Analyze(context.Background(), Request{Motive: "brackets please"})
	if res.Source != evaluation.SourceFallback || res.Route != evaluation.SuggestedOrthodontics {
		t.Fatalf("expected fallback orthodontics, got %+v", res)
	}
}

func TestServiceFallsBackOnTimeout(t *testing.T) {
	analyzer := &stubAnalyzer{text: `{"ruta_sugerida":"caries","resumen_ia":"x"}`, delay: time.Second}
	svc := NewService(analyzer, nil, logging.Discard(), WithTimeout(10*time.Millisecond))

	res := svc.Analyze(context.Background(), Request{Motive: "implante"})
	if res.Source != evaluation.SourceFallback || res.Route != evaluation.SuggestedImplants {
		t.Fatalf("expected fallback implants after timeout, got %+v", res)
	}
}

func TestServiceWithoutAnalyzerClassifiesLocally(t *testing.T) {
	svc := NewService(nil, nil, nil)
	res := svc.Analyze(context.Background(), Request{Motive: "rechino los dientes"})
	if res.Source != evaluation.SourceFallback || res.Route != evaluation.SuggestedBruxism {
		t.Fatalf("expected local bruxism, got %+v", res)
	}
}

func TestFallbackAnalyzer(t *testing.T) {
	primary := &stubAnalyzer{err: errors.New("gemini down")}
	secondary := &stubAnalyzer{text: "ok"}
	fa := NewFallbackAnalyzer(primary, secondary, logging.Discard())

	out, err := fa.Analyze(context.Background(), Prompt{User: "hola"})
	if err != nil || out != "ok" {
		t.Fatalf("expected secondary output, got %q, %v", out, err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("expected one call each, got %d/%d", primary.calls, secondary.calls)
	}

	only := NewFallbackAnalyzer(primary, nil, logging.Discard())
	if _, err := only.Analyze(context.Background(), Prompt{}); err == nil {
		t.Fatalf("expected primary error without fallback")
	}
}
