package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

// BuildMarkdown renders a human-readable summary of a session: export-
// eligible endpoints, business-rule/permission/rate-limit hypotheses, and a
// confidence breakdown, grouped the way a security report reads top to
// bottom (findings first, methodology last).
func BuildMarkdown(sessionID, targetURL string, hyps []*models.Hypothesis) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Reverse-engineering report: %s\n\n", targetURL)
	fmt.Fprintf(&b, "Session `%s`, %d hypotheses recorded.\n\n", sessionID, len(hyps))

	endpoints := FilterExportEligible(hyps)
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Confidence > endpoints[j].Confidence })

	b.WriteString("## Endpoints\n\n")
	if len(endpoints) == 0 {
		b.WriteString("_No endpoint reached export confidence._\n\n")
	}
	for _, h := range endpoints {
		fmt.Fprintf(&b, "### `%s %s` (confidence %.2f, %s)\n\n", strings.ToUpper(h.Method), h.EndpointPattern, h.Confidence, h.Status)
		if h.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", h.Description)
		}
		if len(h.FieldSemantics) > 0 {
			b.WriteString("| Field | Semantics |\n|---|---|\n")
			keys := sortedKeys(h.FieldSemantics)
			for _, k := range keys {
				fmt.Fprintf(&b, "| `%s` | %s |\n", k, h.FieldSemantics[k])
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("## Business rules and security observations\n\n")
	var rules []*models.Hypothesis
	for _, h := range hyps {
		if h.Kind != models.KindEndpointSchema && h.Confidence >= ExportEligibleThreshold {
			rules = append(rules, h)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Confidence > rules[j].Confidence })
	if len(rules) == 0 {
		b.WriteString("_None at export confidence._\n\n")
	}
	for _, h := range rules {
		fmt.Fprintf(&b, "- **%s** (%s, confidence %.2f): %s\n", h.Kind, h.Status, h.Confidence, h.Description)
	}
	b.WriteString("\n")

	summary := hypothesis.Summarize(hyps)
	b.WriteString("## Confidence summary\n\n")
	fmt.Fprintf(&b, "Mean confidence: %.2f\n\n", summary.MeanConfidence)
	for _, status := range []models.HypothesisStatus{
		models.StatusActive, models.StatusChallenged, models.StatusConfirmed, models.StatusFalsified, models.StatusNeedsRevision,
	} {
		fmt.Fprintf(&b, "- %s: %d\n", status, summary.ByStatus[status])
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
