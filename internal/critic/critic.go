// Package critic produces a structured review for each pending hypothesis
// during the Critique phase, scoring confidence adjustments and, for any
// non-accept verdict, the default probes the Verifier should run next.
package critic

import (
	"context"
	"fmt"
	"strings"

	"github.com/BetterCallFirewall/Hackerecon/internal/llmprovider"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

const systemPrompt = `You are a skeptical technical reviewer scoring a reverse-engineered API hypothesis.
Score recommended_confidence starting from original_confidence and applying:
- cap at 0.3 if there is only a single piece of supporting evidence
- subtract 0.2 per alternative explanation already on record
- subtract 0.3 per untested assumption that is critical to the hypothesis holding
- subtract 0.2 if the evidence is circumstantial rather than direct
- subtract 0.15 per logical gap you find in the reasoning
Pick verdict "accept" only if the hypothesis is well supported and needs no further testing,
"reject" if the evidence does not support it at all, otherwise "challenge".`

const jsonSchemaHint = `{
  "verdict": "accept|challenge|reject",
  "alternative_explanations": [{"description": "string", "plausibility": 0.0, "distinguishing_test": "string"}],
  "untested_assumptions": ["string"],
  "missing_evidence": ["string"],
  "contradictions": ["string"],
  "recommended_confidence": 0.0,
  "adjustment_reason": "string"
}`

// llmReview is the shape InvokeStructured decodes the model's JSON into.
type llmReview struct {
	Verdict                 string                         `json:"verdict"`
	AlternativeExplanations []models.CompetingExplanation  `json:"alternative_explanations"`
	UntestedAssumptions     []string                       `json:"untested_assumptions"`
	MissingEvidence         []string                       `json:"missing_evidence"`
	Contradictions          []string                       `json:"contradictions"`
	RecommendedConfidence   float64                        `json:"recommended_confidence"`
	AdjustmentReason        string                         `json:"adjustment_reason"`
}

// Critic reviews pending hypotheses through a language-model provider, with
// a deterministic fallback when the provider is unreachable.
type Critic struct {
	llm llmprovider.Provider
}

// New returns a Critic bound to a language-model provider. llm may be nil,
// in which case every review uses the deterministic fallback.
func New(llm llmprovider.Provider) *Critic {
	return &Critic{llm: llm}
}

func summarizeEvidence(h *models.Hypothesis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s description=%q confidence=%.2f\n", h.Kind, h.Description, h.Confidence)
	fmt.Fprintf(&b, "supporting_evidence=%d contradicting_evidence=%d\n", len(h.SupportingEvidence), len(h.ContradictingEvidence))
	fmt.Fprintf(&b, "competing_explanations=%d untested_assumptions=%d\n", len(h.CompetingExplanations), len(h.UntestedAssumptions))
	if h.EndpointPattern != "" {
		fmt.Fprintf(&b, "endpoint=%s %s\n", h.Method, h.EndpointPattern)
	}
	return b.String()
}

// deterministicReview builds the fallback review used when the provider is
// unreachable: confidence from evidence count alone, two generic
// alternative explanations, verdict "challenge" so the hypothesis still
// gets probed rather than silently accepted or discarded.
func deterministicReview(h *models.Hypothesis) models.CriticReview {
	var recommended float64
	switch {
	case len(h.SupportingEvidence) <= 1:
		recommended = 0.3
	case len(h.SupportingEvidence) <= 3:
		recommended = 0.5
	default:
		recommended = 0.7
	}

	return models.CriticReview{
		HypothesisID:       h.ID,
		Verdict:            models.VerdictChallenge,
		OriginalConfidence:  h.Confidence,
		RecommendedConfidence: recommended,
		AdjustmentReason:   "language-model provider unreachable; confidence set from evidence count alone",
		AlternativeExplanations: []models.CompetingExplanation{
			{Description: "observed behavior is coincidental, not a stable rule", Plausibility: 0.3, DistinguishingTest: "repeat the request under varied conditions"},
			{Description: "observed behavior is caused by a different endpoint or shared middleware", Plausibility: 0.3, DistinguishingTest: "probe a structurally similar endpoint"},
		},
	}
}

func toVerdict(s string) models.CriticVerdict {
	switch models.CriticVerdict(strings.ToLower(strings.TrimSpace(s))) {
	case models.VerdictAccept:
		return models.VerdictAccept
	case models.VerdictReject:
		return models.VerdictReject
	default:
		return models.VerdictChallenge
	}
}

// Review produces a CriticReview for h, using the language-model provider
// when available and falling back deterministically on any failure.
func (c *Critic) Review(ctx context.Context, h *models.Hypothesis) models.CriticReview {
	if c.llm == nil {
		review := deterministicReview(h)
		review.RequiredProbes = defaultProbes(h)
		return review
	}

	prompt := fmt.Sprintf("Review this hypothesis:\n%s", summarizeEvidence(h))
	var parsed llmReview
	err := c.llm.InvokeStructured(ctx,
		[]llmprovider.Message{{Role: "user", Content: prompt}},
		jsonSchemaHint, systemPrompt, 0.1, &parsed)
	if err != nil {
		review := deterministicReview(h)
		review.RequiredProbes = defaultProbes(h)
		return review
	}

	review := models.CriticReview{
		HypothesisID:            h.ID,
		Verdict:                 toVerdict(parsed.Verdict),
		AlternativeExplanations: parsed.AlternativeExplanations,
		UntestedAssumptions:     parsed.UntestedAssumptions,
		MissingEvidence:         parsed.MissingEvidence,
		Contradictions:          parsed.Contradictions,
		OriginalConfidence:      h.Confidence,
		RecommendedConfidence:   parsed.RecommendedConfidence,
		AdjustmentReason:        parsed.AdjustmentReason,
	}
	if review.Verdict != models.VerdictAccept {
		review.RequiredProbes = defaultProbes(h)
	}
	return review
}

// defaultProbes returns the probes keyed to a hypothesis's kind, per the
// enumerated default-probe mapping.
func defaultProbes(h *models.Hypothesis) []models.ProbeKind {
	switch h.Kind {
	case models.KindEndpointSchema:
		probes := []models.ProbeKind{models.ProbeReplayExact, models.ProbeAuthVariation}
		if isWriteMethod(h.Method) {
			probes = append(probes, models.ProbeOmitField)
		}
		return probes
	case models.KindBusinessRule, models.KindStateTransition:
		return []models.ProbeKind{models.ProbeSequenceBreak}
	case models.KindPermissionGate:
		return []models.ProbeKind{models.ProbeAuthVariation}
	default:
		return nil
	}
}

func isWriteMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}
