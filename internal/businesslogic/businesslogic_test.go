package businesslogic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/urlcluster"
)

func newBusinessLogic() *BusinessLogic {
	return New(urlcluster.New(), hypothesis.New(), nil)
}

func TestRun_401ProducesAuthenticationPermissionGate(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "GET", URL: "https://h/api/secrets", Status: 401},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindPermissionGate, results[0].Kind)
	assert.Equal(t, "authentication", results[0].TriggerConditions["requires"])
}

func TestRun_403ProducesElevatedRolePermissionGate(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "DELETE", URL: "https://h/api/users/1", Status: 403},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "elevated_role", results[0].TriggerConditions["requires"])
}

func TestRun_429CopiesRateLimitHeaders(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "POST", URL: "https://h/api/search", Status: 429,
			ResponseHeaders: map[string]string{"Retry-After": "30", "X-RateLimit-Limit": "100"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindRateLimit, results[0].Kind)
	assert.Equal(t, "30", results[0].TriggerConditions["Retry-After"])
}

func TestRun_FieldMissingMessageProducesFieldConstraint(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "POST", URL: "https://h/api/orders", Status: 422,
			ResponseBody: `{"message":"field 'email' is required"}`},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindFieldConstraint, results[0].Kind)
}

func TestRun_SequenceMessageProducesRequiredSequenceBusinessRule(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "POST", URL: "https://h/api/checkout", Status: 400,
			ResponseBody: `{"error":"you must complete step 1 before checkout"}`},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindBusinessRule, results[0].Kind)
	assert.Equal(t, "required_sequence", results[0].RuleKind)
}

func TestRun_UnclassifiableErrorBodyProducesNoHypothesis(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "GET", URL: "https://h/api/items", Status: 500, ResponseBody: `{"message":"internal error"}`},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_MixedSuccessAndFailureInSameGroupEmitsStateTransition(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "POST", URL: "https://h/api/accounts", Status: 201},
		{ID: "o2", Method: "POST", URL: "https://h/api/accounts", Status: 409, ResponseBody: `{"message":"already exists"}`},
	})
	require.NoError(t, err)

	var sawTransition bool
	for _, h := range results {
		if h.Kind == models.KindStateTransition {
			sawTransition = true
			assert.GreaterOrEqual(t, len(h.SupportingEvidence), 2)
		}
	}
	assert.True(t, sawTransition)
}

func TestRun_AllSuccessGroupProducesNoStateTransition(t *testing.T) {
	bl := newBusinessLogic()
	results, err := bl.Run(context.Background(), "sess", []models.Observation{
		{ID: "o1", Method: "GET", URL: "https://h/api/ping", Status: 200},
		{ID: "o2", Method: "GET", URL: "https://h/api/ping", Status: 200},
	})
	require.NoError(t, err)
	for _, h := range results {
		assert.NotEqual(t, models.KindStateTransition, h.Kind)
	}
}
