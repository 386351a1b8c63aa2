// Package businesslogic classifies failure responses and cross-group
// success/failure patterns from fresh observations into business-rule,
// permission-gate, rate-limit, and state-transition hypotheses.
package businesslogic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/llmprovider"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/urlcluster"
)

var (
	fieldMissingTokens  = []string{"required", "missing", "empty"}
	fieldInvalidTokens  = []string{"invalid", "format", "type"}
	sequenceTokens      = []string{"sequence", "first", "before", "must"}
	rateLimitHeaderKeys = []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"}
)

// BusinessLogic derives rule hypotheses from observation outcomes.
type BusinessLogic struct {
	clusterer  *urlcluster.Clusterer
	hypotheses *hypothesis.Store
	llm        llmprovider.Provider
}

// New returns a BusinessLogic worker sharing clusterer and store with the
// rest of the session's workers.
func New(clusterer *urlcluster.Clusterer, hypotheses *hypothesis.Store, llm llmprovider.Provider) *BusinessLogic {
	return &BusinessLogic{clusterer: clusterer, hypotheses: hypotheses, llm: llm}
}

func errorMessage(body string) (string, bool) {
	if strings.TrimSpace(body) == "" {
		return "", false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", false
	}
	for _, key := range []string{"message", "error", "detail", "reason"} {
		if v, ok := parsed[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func containsAny(s string, tokens []string) bool {
	lower := strings.ToLower(s)
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// classifyFieldMessage picks the (hypothesis kind, rule kind) pair an error
// message's keyword family maps to.
func classifyFieldMessage(message string) (models.HypothesisKind, string, bool) {
	switch {
	case containsAny(message, sequenceTokens):
		return models.KindBusinessRule, "required_sequence", true
	case containsAny(message, fieldMissingTokens), containsAny(message, fieldInvalidTokens):
		return models.KindFieldConstraint, "field_constraint", true
	default:
		return "", "", false
	}
}

func rateLimitHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string)
	for _, key := range rateLimitHeaderKeys {
		for hk, hv := range headers {
			if strings.EqualFold(hk, key) {
				out[key] = hv
			}
		}
	}
	return out
}

// classifyObservation produces at most one hypothesis input for a single
// observation's status code, per the enumerated status-code rules.
func classifyObservation(obs models.Observation, pattern string) (hypothesis.NewInput, bool) {
	evidence := []models.EvidenceRef{{ObservationID: obs.ID, Strength: 1.0}}

	switch {
	case obs.Status == 401:
		return hypothesis.NewInput{
			Kind:              models.KindPermissionGate,
			Description:       fmt.Sprintf("%s %s requires authentication", obs.Method, pattern),
			CreatedBy:         "businesslogic",
			SupportingEvidence: evidence,
			EndpointPattern:   pattern,
			Method:            strings.ToUpper(obs.Method),
			RuleKind:          "permission_gate",
			TriggerConditions: map[string]string{"requires": "authentication"},
			ObservedResponse:  "401",
		}, true

	case obs.Status == 403:
		return hypothesis.NewInput{
			Kind:              models.KindPermissionGate,
			Description:       fmt.Sprintf("%s %s requires an elevated role", obs.Method, pattern),
			CreatedBy:         "businesslogic",
			SupportingEvidence: evidence,
			EndpointPattern:   pattern,
			Method:            strings.ToUpper(obs.Method),
			RuleKind:          "permission_gate",
			TriggerConditions: map[string]string{"requires": "elevated_role"},
			ObservedResponse:  "403",
		}, true

	case obs.Status == 429:
		trigger := rateLimitHeaders(obs.ResponseHeaders)
		trigger["status"] = "429"
		return hypothesis.NewInput{
			Kind:              models.KindRateLimit,
			Description:       fmt.Sprintf("%s %s is rate limited", obs.Method, pattern),
			CreatedBy:         "businesslogic",
			SupportingEvidence: evidence,
			EndpointPattern:   pattern,
			Method:            strings.ToUpper(obs.Method),
			RuleKind:          "rate_limit",
			TriggerConditions: trigger,
			ObservedResponse:  "429",
		}, true

	case obs.Status >= 400 && obs.Status < 500:
		message, ok := errorMessage(obs.ResponseBody)
		if !ok {
			return hypothesis.NewInput{}, false
		}
		kind, ruleKind, ok := classifyFieldMessage(message)
		if !ok {
			return hypothesis.NewInput{}, false
		}
		return hypothesis.NewInput{
			Kind:              kind,
			Description:       fmt.Sprintf("%s %s rejects requests: %s", obs.Method, pattern, message),
			CreatedBy:         "businesslogic",
			SupportingEvidence: evidence,
			EndpointPattern:   pattern,
			Method:            strings.ToUpper(obs.Method),
			RuleKind:          ruleKind,
			TriggerConditions: map[string]string{"message": message},
			ObservedResponse:  fmt.Sprintf("%d", obs.Status),
		}, true

	default:
		return hypothesis.NewInput{}, false
	}
}

func (bl *BusinessLogic) describeStateDependency(ctx context.Context, pattern string, successes, failures []models.Observation) (bool, string) {
	fallback := fmt.Sprintf("%s succeeded %d time(s) and failed %d time(s); outcome may depend on prior state", pattern, len(successes), len(failures))
	if bl.llm == nil {
		return true, fallback
	}

	prompt := fmt.Sprintf(
		"Endpoint %s returned success %d times and failure %d times across otherwise similar requests in this session. "+
			"Answer YES or NO: does this look like the outcome depends on prior application state (e.g. resource already exists, workflow step order)? Then give one sentence explaining why.",
		pattern, len(successes), len(failures))

	text, err := bl.llm.Invoke(ctx, []llmprovider.Message{{Role: "user", Content: prompt}},
		"You are an API analyst looking for state-dependent behavior.", 0.1, 150)
	if err != nil || strings.TrimSpace(text) == "" {
		return true, fallback
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "YES") {
		return false, ""
	}
	return true, strings.TrimSpace(text)
}

// Run processes one batch of fresh observations, emitting business-rule,
// permission-gate, rate-limit hypotheses per observation, plus a
// state_transition hypothesis for any (method, pattern) group whose
// observations span both success and failure.
func (bl *BusinessLogic) Run(ctx context.Context, sessionID string, observations []models.Observation) ([]*models.Hypothesis, error) {
	var results []*models.Hypothesis

	groups := make(map[string][]models.Observation)
	var groupOrder []string

	for _, obs := range observations {
		pattern := bl.clusterer.Classify(obs.URL)
		key := strings.ToUpper(obs.Method) + " " + pattern
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], obs)

		if in, ok := classifyObservation(obs, pattern); ok {
			h, err := bl.hypotheses.Create(sessionID, in)
			if err != nil {
				continue
			}
			results = append(results, h)
		}
	}

	for _, key := range groupOrder {
		group := groups[key]
		var successes, failures []models.Observation
		for _, obs := range group {
			if obs.Status >= 200 && obs.Status < 300 {
				successes = append(successes, obs)
			} else if obs.Status >= 400 {
				failures = append(failures, obs)
			}
		}
		if len(successes) == 0 || len(failures) == 0 {
			continue
		}

		pattern := strings.SplitN(key, " ", 2)[1]
		method := strings.SplitN(key, " ", 2)[0]

		positive, description := bl.describeStateDependency(ctx, pattern, successes, failures)
		if !positive {
			continue
		}

		evidence := make([]models.EvidenceRef, 0, len(successes)+len(failures))
		for _, obs := range successes {
			evidence = append(evidence, models.EvidenceRef{ObservationID: obs.ID, Strength: 1.0, Note: "success"})
		}
		for _, obs := range failures {
			evidence = append(evidence, models.EvidenceRef{ObservationID: obs.ID, Strength: 1.0, Note: "failure"})
		}

		h, err := bl.hypotheses.Create(sessionID, hypothesis.NewInput{
			Kind:               models.KindStateTransition,
			Description:        description,
			CreatedBy:          "businesslogic",
			SupportingEvidence: evidence,
			EndpointPattern:    pattern,
			Method:             method,
			RuleKind:           "state_dependency",
		})
		if err != nil {
			continue
		}
		results = append(results, h)
	}

	return results, nil
}
