package screening

import (
	"strings"
	"testing"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

func TestClassifierRoutesByKeyword(t *testing.T) {
	c := NewClassifier(nil, nil)
	cases := []struct {
		motive string
		want   evaluation.SuggestedRoute
	}{
		{"Quiero evaluar una posible caries", evaluation.SuggestedCaries},
		{"Me falta una muela hace años", evaluation.SuggestedImplants},
		{"Perdí un diente en un accidente", evaluation.SuggestedImplants},
		{"I need an implant", evaluation.SuggestedImplants},
		{"Tengo los dientes torcidos", evaluation.SuggestedOrthodontics},
		{"Interested in clear aligners", evaluation.SuggestedOrthodontics},
		{"Me rechinan los dientes de noche", evaluation.SuggestedBruxism},
		{"Night grinding and jaw pain", evaluation.SuggestedBruxism},
		{"", evaluation.SuggestedCaries},
	}
	for _, tc := range cases {
		if got := c.Route(tc.motive); got != tc.want {
			t.Errorf("Route(%q) = %s, want %s", tc.motive, got, tc.want)
		}
	}
}

func TestClassifierUsesInjectedRules(t *testing.T) {
	c := NewClassifier([]KeywordRule{{Route: evaluation.SuggestedBruxism, Keywords: []string{"Mandíbula"}}}, nil)
	if got := c.Route("me duele la mandibula"); got != evaluation.SuggestedBruxism {
		t.Fatalf("expected injected rule to match accent-folded text, got %s", got)
	}
	if got := c.Route("implante"); got != evaluation.SuggestedCaries {
		t.Fatalf("default rules should not apply when rules are injected, got %s", got)
	}
}

func TestClassifyBuildsFallbackResult(t *testing.T) {
	c := NewClassifier(nil, nil)
	res := c.Classify(Request{Motive: "ortodoncia"})
	if res.Source != evaluation.SourceFallback {
		t.Fatalf("expected fallback source, got %s", res.Source)
	}
	if res.Confidence != FallbackConfidence {
		t.Fatalf("expected confidence %v, got %v", FallbackConfidence, res.Confidence)
	}
	greens := 0
	for _, f := range res.Findings {
		if f.Severity == evaluation.SeverityGreen {
			greens++
		}
	}
	if greens != 3 {
		t.Fatalf("expected 3 reference findings, got %d", greens)
	}
	if strings.HasPrefix(res.Summary, PriorityNotice) {
		t.Fatalf("did not expect priority notice without intense pain")
	}
}

func TestClassifyPrefixesPriorityForIntensePain(t *testing.T) {
	c := NewClassifier(nil, nil)
	res := c.Classify(Request{
		Motive:        "caries",
		Questionnaire: map[string]string{evaluation.QuestionPainLevel: "intense"},
	})
	if !strings.HasPrefix(res.Summary, PriorityNotice) {
		t.Fatalf("expected priority notice, got %q", res.Summary)
	}
	if got := ApplyPriority(res.Summary, true); got != res.Summary {
		t.Fatalf("priority notice applied twice: %q", got)
	}
}
