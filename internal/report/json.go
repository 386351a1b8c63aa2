package report

import (
	"encoding/json"
	"fmt"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

// JSONReport is the plain-JSON export shape: the full hypothesis set plus
// the same confidence breakdown BuildMarkdown renders as prose.
type JSONReport struct {
	SessionID         string                          `json:"session_id"`
	TargetURL         string                          `json:"target_url"`
	Hypotheses        []*models.Hypothesis            `json:"hypotheses"`
	MeanConfidence    float64                         `json:"mean_confidence"`
	StatusCounts      map[models.HypothesisStatus]int `json:"status_counts"`
	ExportEligibleIDs []string                        `json:"export_eligible_ids"`
}

// BuildJSON assembles the JSON export shape for a session's hypotheses,
// deferring the confidence breakdown to hypothesis.Summarize rather than
// re-deriving it here.
func BuildJSON(sessionID, targetURL string, hyps []*models.Hypothesis) JSONReport {
	summary := hypothesis.Summarize(hyps)
	r := JSONReport{
		SessionID:      sessionID,
		TargetURL:      targetURL,
		Hypotheses:     hyps,
		MeanConfidence: summary.MeanConfidence,
		StatusCounts:   summary.ByStatus,
	}

	for _, h := range hyps {
		if h.Confidence >= ExportEligibleThreshold {
			r.ExportEligibleIDs = append(r.ExportEligibleIDs, h.ID)
		}
	}
	return r
}

// MarshalJSON renders r as indented JSON, matching the report's other
// human-inspectable export formats.
func MarshalJSON(r JSONReport) ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("report: marshal json: %w", err)
	}
	return b, nil
}
