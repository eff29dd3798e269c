package screening

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wolfman30/dental-evaluation-funnel/internal/evaluation"
)

// KeywordRule maps motive keywords onto a suggested route. Rules are checked
// in order and the first hit wins.
type KeywordRule struct {
	Route    evaluation.SuggestedRoute
	Keywords []string
}

// DefaultKeywordRules covers Spanish and English phrasing.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{Route: evaluation.SuggestedImplants, Keywords: []string{"implant", "implante", "missing", "falta", "lost", "perdi"}},
		{Route: evaluation.SuggestedOrthodontics, Keywords: []string{"braces", "ortodoncia", "orthodont", "align", "alinea", "crooked", "torcidos"}},
		{Route: evaluation.SuggestedBruxism, Keywords: []string{"bruxism", "bruxismo", "grinding", "rechina", "clenching", "aprieto"}},
	}
}

// RouteProfile is the canned output for a route when no model answered.
type RouteProfile struct {
	Summary  string
	Findings []evaluation.Finding
}

// DefaultProfiles are the fallback summaries and chart markers per route.
func DefaultProfiles() map[evaluation.SuggestedRoute]RouteProfile {
	return map[evaluation.SuggestedRoute]RouteProfile{
		evaluation.SuggestedImplants: {
			Summary: "Basándonos en tu consulta sobre pérdida dental, te recomendamos explorar nuestro programa Implant One. Se requiere evaluación radiográfica completa para determinar disponibilidad ósea y planificar el tratamiento.",
			Findings: []evaluation.Finding{
				{ToothID: "3.6", PositionX: 28, PositionY: 72, Severity: evaluation.SeverityRed, Diagnosis: "Espacio edéntulo detectado", Treatment: "Evaluación para implante dental"},
			},
		},
		evaluation.SuggestedOrthodontics: {
			Summary: "Tu caso sugiere una evaluación ortodóncica. Nuestro programa OrtoPro analiza tu caso para determinar el mejor enfoque entre alineadores o ortodoncia convencional, incluyendo índice de estabilidad.",
			Findings: []evaluation.Finding{
				{ToothID: "1.1", PositionX: 48, PositionY: 32, Severity: evaluation.SeverityYellow, Diagnosis: "Apiñamiento leve", Treatment: "Evaluación ortodóncica"},
				{ToothID: "2.1", PositionX: 52, PositionY: 32, Severity: evaluation.SeverityYellow, Diagnosis: "Rotación dental", Treatment: "Alineadores o brackets"},
			},
		},
		evaluation.SuggestedBruxism: {
			Summary: "Los síntomas descritos son compatibles con bruxismo. Nuestro protocolo evalúa el patrón de desgaste dental y su relación con patrones de sueño para diseñar un plan de protección personalizado.",
			Findings: []evaluation.Finding{
				{ToothID: "1.4", PositionX: 36, PositionY: 27, Severity: evaluation.SeverityYellow, Diagnosis: "Desgaste oclusal", Treatment: "Plano de relajación"},
				{ToothID: "2.4", PositionX: 64, PositionY: 27, Severity: evaluation.SeverityYellow, Diagnosis: "Facetas de desgaste", Treatment: "Protector nocturno"},
			},
		},
		evaluation.SuggestedCaries: {
			Summary: "Te recomendamos iniciar con nuestro programa ZERO CARIES que incluye diagnóstico asistido por IA para detectar lesiones en etapas tempranas, cuando aún son tratables sin intervención invasiva.",
			Findings: []evaluation.Finding{
				{ToothID: "2.1", PositionX: 52, PositionY: 32, Severity: evaluation.SeverityRed, Diagnosis: "Caries en esmalte mesial", Depth: "0,89mm de profundidad", Treatment: "Compatible con tratamiento regenerativo"},
			},
		},
	}
}

var healthyFindings = []evaluation.Finding{
	{ToothID: "1.1", PositionX: 48, PositionY: 32, Severity: evaluation.SeverityGreen, Diagnosis: "Sin hallazgos patológicos"},
	{ToothID: "3.1", PositionX: 48, PositionY: 68, Severity: evaluation.SeverityGreen, Diagnosis: "Pieza sana"},
	{ToothID: "4.1", PositionX: 52, PositionY: 68, Severity: evaluation.SeverityGreen, Diagnosis: "Sin alteraciones"},
}

// FallbackConfidence is reported for every locally classified result.
const FallbackConfidence = 0.75

// Classifier is the deterministic keyword classifier used when no model
// result is available.
type Classifier struct {
	rules    []KeywordRule
	profiles map[evaluation.SuggestedRoute]RouteProfile
}

// NewClassifier builds a classifier. Nil arguments select the defaults.
func NewClassifier(rules []KeywordRule, profiles map[evaluation.SuggestedRoute]RouteProfile) *Classifier {
	if rules == nil {
		rules = DefaultKeywordRules()
	}
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	normalized := make([]KeywordRule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = fold(kw)
		}
		normalized[i] = KeywordRule{Route: r.Route, Keywords: kws}
	}
	return &Classifier{rules: normalized, profiles: profiles}
}

// Route returns the route for a motive text. Caries is the default.
func (c *Classifier) Route(motive string) evaluation.SuggestedRoute {
	text := fold(motive)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				return rule.Route
			}
		}
	}
	return evaluation.SuggestedCaries
}

// Classify produces a complete screening result for the request.
func (c *Classifier) Classify(req Request) evaluation.ScreeningResult {
	route := c.Route(req.Motive)
	profile := c.profiles[route]
	findings := make([]evaluation.Finding, 0, len(profile.Findings)+len(healthyFindings))
	findings = append(findings, profile.Findings...)
	findings = append(findings, healthyFindings...)
	return evaluation.ScreeningResult{
		Route:      route,
		Summary:    ApplyPriority(profile.Summary, req.PainIntense()),
		Findings:   findings,
		Confidence: FallbackConfidence,
		Source:     evaluation.SourceFallback,
	}
}

// fold lower-cases and strips accents so "perdí" matches "perdi".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
