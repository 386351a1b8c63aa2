package navigator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/ratelimit"
)

func allowAllLimiter() *ratelimit.Limiter {
	return ratelimit.New(&ratelimit.Config{MaxRequestsPerMinute: 6000, BurstSize: 100})
}

type fakeDriver struct {
	url      string
	html     string
	elements []ElementHandle
	clicked  []int
	filled   map[string]string
	submitted []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{filled: make(map[string]string)}
}

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeDriver) RefreshOverlay(ctx context.Context) ([]ElementHandle, error) {
	return f.elements, nil
}
func (f *fakeDriver) HTML(ctx context.Context) (string, error) { return f.html, nil }
func (f *fakeDriver) Click(ctx context.Context, elementID int) error {
	f.clicked = append(f.clicked, elementID)
	return nil
}
func (f *fakeDriver) Fill(ctx context.Context, selector, value string) error {
	f.filled[selector] = value
	return nil
}
func (f *fakeDriver) Submit(ctx context.Context, formID string) error {
	f.submitted = append(f.submitted, formID)
	return nil
}
func (f *fakeDriver) Scroll(ctx context.Context, direction string) error { return nil }

func allowAllGuardrail() *guardrail.Guardrail {
	return guardrail.New(guardrail.Config{MaxRequestsPerMinute: 1000, MaxLoopIterations: 1000})
}

func TestSyntheticValue_MapsFieldTypeToValue(t *testing.T) {
	assert.Equal(t, "test1@example.com", syntheticValue("email", "email", 1))
	assert.Equal(t, "TestPassword123!", syntheticValue("password", "password", 1))
	assert.Equal(t, "42", syntheticValue("number", "age", 1))
	assert.Equal(t, "test_value_3", syntheticValue("text", "anything", 3))
}

func TestExtractForms_ParsesFieldsFromHTML(t *testing.T) {
	html := `<html><body>
		<form action="/login" method="post">
			<input type="email" name="email">
			<input type="password" name="password">
		</form>
	</body></html>`

	forms := ExtractForms(html)
	require.Len(t, forms, 1)
	assert.Equal(t, "/login", forms[0].Action)
	assert.Equal(t, "POST", forms[0].Method)
	assert.Len(t, forms[0].Fields, 2)
}

func TestIsBlockedElement_RejectsLogoutText(t *testing.T) {
	assert.True(t, isBlockedElement(ElementHandle{AccessibleText: "Sign Out"}))
	assert.False(t, isBlockedElement(ElementHandle{AccessibleText: "View Profile"}))
}

func TestIsBlockedElement_RejectsOffOriginAnchor(t *testing.T) {
	assert.True(t, isBlockedElement(ElementHandle{Href: "https://other.com", SameOrigin: false}))
	assert.False(t, isBlockedElement(ElementHandle{Href: "/about", SameOrigin: true}))
}

func TestPrioritize_PrefersUnexploredAndAnchors(t *testing.T) {
	elements := []ElementHandle{
		{ID: 1, Tag: "div"},
		{ID: 2, Tag: "a", SameOrigin: true, Href: "/x"},
		{ID: 3, Tag: "button"},
	}
	unexplored := map[int]bool{2: true}

	ranked := prioritize(elements, unexplored)
	require.NotEmpty(t, ranked)
	assert.Equal(t, 2, ranked[0].ID)
}

func TestPrioritize_CapsAtFiveElements(t *testing.T) {
	var elements []ElementHandle
	for i := 0; i < 10; i++ {
		elements = append(elements, ElementHandle{ID: i, Tag: "a", SameOrigin: true})
	}
	ranked := prioritize(elements, nil)
	assert.Len(t, ranked, maxElementsPerStep)
}

func TestStep_ClicksCandidatesAndTracksStreak(t *testing.T) {
	driver := newFakeDriver()
	driver.url = "https://example.com"
	driver.elements = []ElementHandle{{ID: 1, Tag: "a", SameOrigin: true, Href: "/about"}}

	nav := New(driver, allowAllGuardrail(), allowAllLimiter(), "sess")
	result, err := nav.Step(context.Background(), map[int]bool{1: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Actions)
	assert.Contains(t, driver.clicked, 1)
	assert.False(t, nav.ShouldStopExploring())
}

func TestStep_NotesTokenFieldsOnFormSubmission(t *testing.T) {
	driver := newFakeDriver()
	driver.url = "https://example.com/login"
	driver.html = `<html><body>
		<form action="/login" method="post">
			<input type="hidden" name="csrf_token">
			<input type="email" name="email">
		</form>
	</body></html>`

	nav := New(driver, allowAllGuardrail(), allowAllLimiter(), "sess")
	result, err := nav.Step(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Notes, 1)
	assert.Contains(t, result.Notes[0], "csrf_token")
	assert.Contains(t, result.Notes[0], "/login")
}

func TestIsTokenField_MatchesCommonAntiForgeryNames(t *testing.T) {
	assert.True(t, isTokenField("csrf_token"))
	assert.True(t, isTokenField("authenticity_token"))
	assert.True(t, isTokenField("_token"))
	assert.False(t, isTokenField("email"))
}

func TestShouldStopExploring_TriggersAfterFifteenEmptySteps(t *testing.T) {
	driver := newFakeDriver()
	driver.url = "https://example.com"

	nav := New(driver, allowAllGuardrail(), allowAllLimiter(), "sess")
	for i := 0; i < deadEndStreak; i++ {
		_, err := nav.Step(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.True(t, nav.ShouldStopExploring())
}

func TestRecordObservation_ResetsStreak(t *testing.T) {
	driver := newFakeDriver()
	driver.url = "https://example.com"
	nav := New(driver, allowAllGuardrail(), allowAllLimiter(), "sess")

	for i := 0; i < 5; i++ {
		nav.Step(context.Background(), nil)
	}
	nav.RecordObservation()
	assert.False(t, nav.ShouldStopExploring())
}
