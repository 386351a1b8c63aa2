// Package analyst turns freshly captured observations into endpoint-schema
// hypotheses during the Infer phase: group by (method, pattern), merge
// response bodies through the schema merger, and hand the result to the
// hypothesis store keyed on (pattern, method).
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/llmprovider"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/schema"
	"github.com/BetterCallFirewall/Hackerecon/internal/urlcluster"
)

// Analyst groups observations by endpoint pattern and maintains one merged
// request/response schema per pattern across the life of a session.
type Analyst struct {
	clusterer  *urlcluster.Clusterer
	requestM   *schema.Merger
	responseM  *schema.Merger
	hypotheses *hypothesis.Store
	llm        llmprovider.Provider
}

// New returns an Analyst sharing clusterer and store with the rest of the
// session's workers.
func New(clusterer *urlcluster.Clusterer, hypotheses *hypothesis.Store, llm llmprovider.Provider) *Analyst {
	return &Analyst{
		clusterer:  clusterer,
		requestM:   schema.New(),
		responseM:  schema.New(),
		hypotheses: hypotheses,
		llm:        llm,
	}
}

type group struct {
	method        string
	pattern       string
	observations  []models.Observation
}

// groupByEndpoint buckets observations by (method, pattern) via the
// clusterer, preserving first-seen group order for deterministic output.
func (a *Analyst) groupByEndpoint(observations []models.Observation) []*group {
	index := make(map[string]*group)
	var order []*group
	for _, obs := range observations {
		pattern := a.clusterer.Classify(obs.URL)
		key := strings.ToUpper(obs.Method) + " " + pattern
		g, ok := index[key]
		if !ok {
			g = &group{method: strings.ToUpper(obs.Method), pattern: pattern}
			index[key] = g
			order = append(order, g)
		}
		g.observations = append(g.observations, obs)
	}
	return order
}

func decodeJSONBody(body string) (any, bool) {
	if strings.TrimSpace(body) == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, false
	}
	return v, true
}

// enrichDescription asks the language-model provider for a short field
// description; on any error it falls back to a deterministic summary.
func (a *Analyst) enrichDescription(ctx context.Context, method, pattern string, sampleCount int) string {
	fallback := fmt.Sprintf("%s %s observed %d time(s); schema inferred from response samples", method, pattern, sampleCount)
	if a.llm == nil {
		return fallback
	}

	prompt := fmt.Sprintf("In one sentence, describe what the endpoint %s %s most likely does, based on %d observed samples.", method, pattern, sampleCount)
	text, err := a.llm.Invoke(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, "You are an API analyst describing reverse-engineered endpoints concisely.", 0.2, 200)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallback
	}
	return strings.TrimSpace(text)
}

// Run processes one batch of fresh observations, creating or widening one
// endpoint_schema hypothesis per (method, pattern) group.
func (a *Analyst) Run(ctx context.Context, sessionID string, observations []models.Observation) ([]*models.Hypothesis, error) {
	var results []*models.Hypothesis

	for _, g := range a.groupByEndpoint(observations) {
		if len(g.observations) == 0 {
			continue
		}

		var requestSchema, responseSchema *schema.Schema
		for _, obs := range g.observations {
			if data, ok := decodeJSONBody(obs.RequestBody); ok {
				requestSchema = a.requestM.MergeInto(g.pattern+"|"+g.method, data)
			}
			if data, ok := decodeJSONBody(obs.ResponseBody); ok {
				responseSchema = a.responseM.MergeInto(g.pattern+"|"+g.method, data)
			}
		}

		evidence := make([]models.EvidenceRef, 0, len(g.observations))
		for _, obs := range g.observations {
			evidence = append(evidence, models.EvidenceRef{ObservationID: obs.ID, Strength: 1.0})
		}

		description := a.enrichDescription(ctx, g.method, g.pattern, len(g.observations))

		existing, found := a.hypotheses.FindByEndpoint(sessionID, g.pattern, g.method)
		if found {
			updated, err := a.hypotheses.UpdateSchema(sessionID, existing.ID, requestSchema.ToMap(), responseSchema.ToMap(), nil, evidence, "analyst")
			if err != nil {
				return results, fmt.Errorf("analyst: widen %s %s: %w", g.method, g.pattern, err)
			}
			results = append(results, updated)
			continue
		}

		created, err := a.hypotheses.Create(sessionID, hypothesis.NewInput{
			Kind:               models.KindEndpointSchema,
			Description:        description,
			CreatedBy:          "analyst",
			SupportingEvidence: evidence,
			EndpointPattern:    g.pattern,
			Method:             g.method,
			RequestSchema:      requestSchema.ToMap(),
			ResponseSchema:     responseSchema.ToMap(),
		})
		if err != nil {
			return results, fmt.Errorf("analyst: create %s %s: %w", g.method, g.pattern, err)
		}
		results = append(results, created)
	}

	return results, nil
}
