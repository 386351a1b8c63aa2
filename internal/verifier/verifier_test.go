package verifier

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

type fakeClient struct {
	status  int
	lastReq *http.Request
	bodyStr string
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		f.bodyStr = string(raw)
	}
	return &http.Response{StatusCode: f.status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func allowAllGuardrail() *guardrail.Guardrail {
	return guardrail.New(guardrail.Config{MaxRequestsPerMinute: 1000, MaxLoopIterations: 1000, EnableProbing: true, EnableFuzzing: true})
}

func TestSubstitutePlaceholder_IDGetsCanonicalNumeric(t *testing.T) {
	assert.Equal(t, "/api/users/1", substitutePlaceholder("/api/users/{id}"))
}

func TestSubstitutePlaceholder_OtherNameGetsCanonicalString(t *testing.T) {
	assert.Equal(t, "/api/orders/test", substitutePlaceholder("/api/orders/{orderId}"))
}

func TestMutateBody_OmitFieldRemovesOneKey(t *testing.T) {
	out := mutateBody(models.ProbeOmitField, map[string]any{"a": 1, "b": 2})
	assert.Len(t, out, 1)
}

func TestMutateBody_BoundaryValueReplacesIntsAndStrings(t *testing.T) {
	out := mutateBody(models.ProbeBoundaryValue, map[string]any{"n": 1, "s": "x"})
	assert.Equal(t, int64(1<<31-1), out["n"])
	assert.Len(t, out["s"].(string), 10000)
}

func TestMutateBody_ChangeTypeSwapsIntAndString(t *testing.T) {
	out := mutateBody(models.ProbeChangeType, map[string]any{"n": 1, "s": "x"})
	assert.IsType(t, "", out["n"])
	assert.IsType(t, 1, out["s"])
}

func TestOutcomeForStatus_ReplayExact2xxConfirmed(t *testing.T) {
	outcome, _ := outcomeForStatus(models.ProbeReplayExact, 200)
	assert.Equal(t, models.OutcomeConfirmed, outcome)
}

func TestOutcomeForStatus_SequenceBreak2xxFalsified(t *testing.T) {
	outcome, _ := outcomeForStatus(models.ProbeSequenceBreak, 200)
	assert.Equal(t, models.OutcomeFalsified, outcome)
}

func TestOutcomeForStatus_AuthVariation401Confirmed(t *testing.T) {
	outcome, _ := outcomeForStatus(models.ProbeAuthVariation, 401)
	assert.Equal(t, models.OutcomeConfirmed, outcome)
}

func TestRunProbe_MissingHypothesisIsInconclusive(t *testing.T) {
	store := hypothesis.New()
	client := &fakeClient{status: 200}
	v := New("https://target", store, allowAllGuardrail(), client, AuthState{})

	result, err := v.RunProbe(context.Background(), "sess", "missing", models.ProbeReplayExact)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInconclusive, result.Outcome)
}

func TestRunProbe_ReplaysAgainstOriginAndAppliesOutcome(t *testing.T) {
	store := hypothesis.New()
	h, err := store.Create("sess", hypothesis.NewInput{
		Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "GET", CreatedBy: "analyst",
	})
	require.NoError(t, err)

	client := &fakeClient{status: 200}
	v := New("https://target", store, allowAllGuardrail(), client, AuthState{Headers: map[string]string{"Authorization": "Bearer x"}})

	result, err := v.RunProbe(context.Background(), "sess", h.ID, models.ProbeReplayExact)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, result.Outcome)
	assert.Equal(t, "https://target/api/users/1", client.lastReq.URL.String())

	updated, err := store.Get("sess", h.ID)
	require.NoError(t, err)
	assert.Greater(t, updated.Confidence, h.Confidence)
}

func TestRunProbe_AuthVariationStripsAuthHeader(t *testing.T) {
	store := hypothesis.New()
	h, err := store.Create("sess", hypothesis.NewInput{
		Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "GET", CreatedBy: "analyst",
	})
	require.NoError(t, err)

	client := &fakeClient{status: 401}
	v := New("https://target", store, allowAllGuardrail(), client, AuthState{Headers: map[string]string{"Authorization": "Bearer x"}})

	_, err = v.RunProbe(context.Background(), "sess", h.ID, models.ProbeAuthVariation)
	require.NoError(t, err)
	assert.Empty(t, client.lastReq.Header.Get("Authorization"))
}

func TestRunProbes_StopsAtMaxPerIteration(t *testing.T) {
	store := hypothesis.New()
	h, err := store.Create("sess", hypothesis.NewInput{
		Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "GET", CreatedBy: "analyst",
	})
	require.NoError(t, err)

	client := &fakeClient{status: 200}
	v := New("https://target", store, allowAllGuardrail(), client, AuthState{})

	reviews := []models.CriticReview{{HypothesisID: h.ID, RequiredProbes: []models.ProbeKind{models.ProbeReplayExact, models.ProbeAuthVariation, models.ProbeOmitField}}}
	results, err := v.RunProbes(context.Background(), "sess", reviews, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSetAuth_ReplacesStateUsedByLaterProbes(t *testing.T) {
	store := hypothesis.New()
	h, err := store.Create("sess", hypothesis.NewInput{
		Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "GET", CreatedBy: "analyst",
	})
	require.NoError(t, err)

	client := &fakeClient{status: 200}
	v := New("https://target", store, allowAllGuardrail(), client, AuthState{})

	v.SetAuth(AuthState{Cookies: []*http.Cookie{{Name: "session", Value: "abc123"}}})

	_, err = v.RunProbe(context.Background(), "sess", h.ID, models.ProbeReplayExact)
	require.NoError(t, err)

	var found bool
	for _, c := range client.lastReq.Cookies() {
		if c.Name == "session" && c.Value == "abc123" {
			found = true
		}
	}
	assert.True(t, found)
}
