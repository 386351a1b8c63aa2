// Package verifier executes bounded, deterministic probes against the
// hypotheses the Critic flagged for verification, translating each
// response into a ProbeResult fed back into the Hypothesis Store.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

const probeTimeout = 30 * time.Second

// HTTPClient is the subset of *http.Client the Verifier needs, so tests can
// substitute a fake transport without an actual network call.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthState is the Verifier's inherited authentication context, copied onto
// every probe request unless the probe mutates it away.
type AuthState struct {
	Headers map[string]string
	Cookies []*http.Cookie
}

// Verifier issues probes against a fixed origin using an inherited auth
// state, drawing work from the Critic's required-probe lists.
type Verifier struct {
	origin     string
	hypotheses *hypothesis.Store
	guardrail  *guardrail.Guardrail
	client     HTTPClient

	authMu sync.RWMutex
	auth   AuthState
}

// New returns a Verifier for one session.
func New(origin string, hypotheses *hypothesis.Store, g *guardrail.Guardrail, client HTTPClient, auth AuthState) *Verifier {
	return &Verifier{origin: strings.TrimRight(origin, "/"), hypotheses: hypotheses, guardrail: g, client: client, auth: auth}
}

// SetAuth replaces the Verifier's auth state wholesale. The only intended
// caller is the session driver, which refreshes it from the browser's
// current cookie jar; probes never mutate it themselves.
func (v *Verifier) SetAuth(auth AuthState) {
	v.authMu.Lock()
	defer v.authMu.Unlock()
	v.auth = auth
}

func (v *Verifier) authState() AuthState {
	v.authMu.RLock()
	defer v.authMu.RUnlock()
	return v.auth
}

// substitutePlaceholder replaces {id} with the canonical numeric test value
// and any other named placeholder with the canonical string test value.
func substitutePlaceholder(pattern string) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		if pattern[i] == '{' {
			end := strings.IndexByte(pattern[i:], '}')
			if end == -1 {
				b.WriteString(pattern[i:])
				break
			}
			name := pattern[i+1 : i+end]
			if name == "id" {
				b.WriteString("1")
			} else {
				b.WriteString("test")
			}
			i += end + 1
			continue
		}
		b.WriteByte(pattern[i])
		i++
	}
	return b.String()
}

// sampleValueForType returns a canonical value for a schema-inferred type,
// used to build a request body from a hypothesis's recorded request schema.
func sampleValueForType(s map[string]any) any {
	t, _ := s["type"].(string)
	switch t {
	case "integer", "number":
		return 1
	case "boolean":
		return true
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return "test"
	}
}

func canonicalBody(requestSchema map[string]any) map[string]any {
	body := make(map[string]any)
	props, _ := requestSchema["properties"].(map[string]any)
	for name, propSchema := range props {
		if m, ok := propSchema.(map[string]any); ok {
			body[name] = sampleValueForType(m)
		} else {
			body[name] = "test"
		}
	}
	return body
}

// mutateBody applies the probe-specific body mutation. The returned map is
// independent of body.
func mutateBody(kind models.ProbeKind, body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	switch kind {
	case models.ProbeOmitField:
		if len(out) == 0 {
			return out
		}
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		delete(out, keys[0])

	case models.ProbeBoundaryValue:
		pad := strings.Repeat("a", 10000)
		for k, v := range out {
			switch v.(type) {
			case int, int64, float64:
				out[k] = int64(1<<31 - 1)
			default:
				out[k] = pad
			}
		}

	case models.ProbeChangeType:
		for k, v := range out {
			switch val := v.(type) {
			case int:
				out[k] = strconv.Itoa(val)
			case int64:
				out[k] = strconv.FormatInt(val, 10)
			case float64:
				out[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case string:
				out[k] = 1
			default:
				out[k] = v
			}
		}
	}

	return out
}

func (v *Verifier) buildRequest(ctx context.Context, h *models.Hypothesis, kind models.ProbeKind) (*http.Request, error) {
	path := substitutePlaceholder(h.EndpointPattern)
	url := v.origin + path

	var bodyReader io.Reader
	if h.Method != "" && h.Method != http.MethodGet && h.Method != http.MethodHead {
		body := canonicalBody(h.RequestSchema)
		if kind == models.ProbeOmitField || kind == models.ProbeBoundaryValue || kind == models.ProbeChangeType {
			body = mutateBody(kind, body)
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("verifier: marshal probe body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("verifier: build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	auth := v.authState()
	for k, val := range auth.Headers {
		req.Header.Set(k, val)
	}
	for _, c := range auth.Cookies {
		req.AddCookie(c)
	}

	if kind == models.ProbeAuthVariation {
		req.Header.Del("Authorization")
		req.Header.Del("Cookie")
	}

	return req, nil
}

// outcomeForStatus translates a probe's observed status into the fixed
// outcome/reason per the enumerated outcome table.
func outcomeForStatus(kind models.ProbeKind, status int) (models.ProbeOutcome, string) {
	success := status >= 200 && status < 300
	clientErr := status >= 400

	switch kind {
	case models.ProbeReplayExact:
		if success {
			return models.OutcomeConfirmed, "endpoint consistent"
		}
		if clientErr {
			return models.OutcomeInconclusive, "possibly state-dependent"
		}
	case models.ProbeAuthVariation:
		if status == 401 || status == 403 {
			return models.OutcomeConfirmed, "auth required"
		}
		if success {
			return models.OutcomeConfirmed, "auth not required"
		}
	case models.ProbeOmitField:
		if status == 400 {
			return models.OutcomeConfirmed, "field required"
		}
		if success {
			return models.OutcomeConfirmed, "field optional"
		}
	case models.ProbeSequenceBreak:
		if clientErr {
			return models.OutcomeConfirmed, "sequence enforced"
		}
		if success {
			return models.OutcomeFalsified, "sequence not enforced"
		}
	case models.ProbeBoundaryValue:
		if status == 400 {
			return models.OutcomeConfirmed, "validated"
		}
		if success {
			return models.OutcomeInconclusive, "needs further testing"
		}
	}
	return models.OutcomeInconclusive, "outcome did not match any expected status for this probe kind"
}

// RunProbe executes one probe and records its outcome against the
// referenced hypothesis.
func (v *Verifier) RunProbe(ctx context.Context, sessionID string, hypothesisID string, kind models.ProbeKind) (models.ProbeResult, error) {
	h, err := v.hypotheses.Get(sessionID, hypothesisID)
	if err != nil {
		return models.ProbeResult{HypothesisID: hypothesisID, Kind: kind, Outcome: models.OutcomeInconclusive, Notes: "hypothesis no longer exists"}, nil
	}

	if verr := v.guardrail.ValidateProbe(kind); verr != nil {
		return models.ProbeResult{HypothesisID: hypothesisID, Kind: kind, Outcome: models.OutcomeInconclusive, Notes: verr.Error()}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := v.buildRequest(reqCtx, h, kind)
	if err != nil {
		return models.ProbeResult{}, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return models.ProbeResult{HypothesisID: hypothesisID, Kind: kind, Outcome: models.OutcomeInconclusive, Notes: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	snapshot, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	outcome, reason := outcomeForStatus(kind, resp.StatusCode)

	result := models.ProbeResult{
		HypothesisID:     hypothesisID,
		Kind:             kind,
		Outcome:          outcome,
		Notes:            reason,
		ResponseSnapshot: string(snapshot),
		StatusCode:       resp.StatusCode,
	}

	if _, err := v.hypotheses.ApplyProbe(sessionID, hypothesisID, result); err != nil {
		return result, fmt.Errorf("verifier: apply probe result: %w", err)
	}
	return result, nil
}

// RunProbes executes up to maxPerIteration probes drawn from reviews'
// required-probe lists, in order.
func (v *Verifier) RunProbes(ctx context.Context, sessionID string, reviews []models.CriticReview, maxPerIteration int) ([]models.ProbeResult, error) {
	var results []models.ProbeResult
	for _, review := range reviews {
		for _, kind := range review.RequiredProbes {
			if len(results) >= maxPerIteration {
				return results, nil
			}
			result, err := v.RunProbe(ctx, sessionID, review.HypothesisID, kind)
			if err != nil {
				return results, err
			}
			results = append(results, result)
		}
	}
	return results, nil
}
