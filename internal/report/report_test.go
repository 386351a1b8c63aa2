package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/schema"
)

func sampleHypotheses() []*models.Hypothesis {
	now := time.Now()
	respSchema := schema.Infer(map[string]any{"id": 1.0, "email": "a@example.com"}).ToMap()

	return []*models.Hypothesis{
		{
			ID: "h1", Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "GET",
			Description: "fetch a user", Confidence: 0.85, Status: models.StatusConfirmed,
			ResponseSchema: respSchema, FieldSemantics: map[string]string{"email": "user email address"},
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "h2", Kind: models.KindEndpointSchema, EndpointPattern: "/api/users/{id}", Method: "DELETE",
			Description: "delete a user", Confidence: 0.4, Status: models.StatusActive,
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "h3", Kind: models.KindRateLimit, Description: "429 after 10 requests/min", Confidence: 0.75,
			Status: models.StatusConfirmed, CreatedAt: now, UpdatedAt: now,
		},
	}
}

func TestFilterExportEligible(t *testing.T) {
	got := FilterExportEligible(sampleHypotheses())
	require.Len(t, got, 1)
	assert.Equal(t, "h1", got[0].ID)
}

func TestBuildOpenAPI_GroupsMethodsUnderSharedPathItem(t *testing.T) {
	doc := BuildOpenAPI("https://example.com", sampleHypotheses())
	require.NotNil(t, doc.Paths)

	item := doc.Paths.Value("/api/users/{id}")
	require.NotNil(t, item, "only h1 clears the export threshold, so only GET should appear")
	assert.NotNil(t, item.Get)
	assert.Nil(t, item.Delete, "h2 is below export confidence and must not appear")
	assert.Equal(t, "h1", item.Get.OperationID)
}

func TestBuildMarkdown_ListsEligibleEndpointAndRule(t *testing.T) {
	md := BuildMarkdown("sess-1", "https://example.com", sampleHypotheses())
	assert.Contains(t, md, "GET /api/users/{id}")
	assert.Contains(t, md, "429 after 10 requests/min")
	assert.NotContains(t, md, "delete a user")
}

func TestBuildJSON_ComputesMeanAndEligibleIDs(t *testing.T) {
	r := BuildJSON("sess-1", "https://example.com", sampleHypotheses())
	assert.InDelta(t, (0.85+0.4+0.75)/3, r.MeanConfidence, 0.0001)
	assert.ElementsMatch(t, []string{"h1", "h3"}, r.ExportEligibleIDs)
	assert.Equal(t, 2, r.StatusCounts[models.StatusConfirmed])

	b, err := MarshalJSON(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"session_id": "sess-1"`)
}
