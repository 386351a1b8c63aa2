package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BetterCallFirewall/Hackerecon/internal/analyst"
	"github.com/BetterCallFirewall/Hackerecon/internal/businesslogic"
	"github.com/BetterCallFirewall/Hackerecon/internal/critic"
	"github.com/BetterCallFirewall/Hackerecon/internal/fsmstore"
	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/interceptor"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/navigator"
	"github.com/BetterCallFirewall/Hackerecon/internal/ratelimit"
	"github.com/BetterCallFirewall/Hackerecon/internal/urlcluster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDriver struct {
	url  string
	html string
}

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeDriver) RefreshOverlay(ctx context.Context) ([]navigator.ElementHandle, error) {
	return nil, nil
}
func (f *fakeDriver) HTML(ctx context.Context) (string, error) {
	if f.html != "" {
		return f.html, nil
	}
	return "<html></html>", nil
}
func (f *fakeDriver) Click(ctx context.Context, elementID int) error        { return nil }
func (f *fakeDriver) Fill(ctx context.Context, selector, value string) error { return nil }
func (f *fakeDriver) Submit(ctx context.Context, formID string) error       { return nil }
func (f *fakeDriver) Scroll(ctx context.Context, direction string) error    { return nil }

func allowAllGuardrail() *guardrail.Guardrail {
	return guardrail.New(guardrail.Config{MaxRequestsPerMinute: 1000, MaxLoopIterations: 1000, EnableProbing: true, EnableFuzzing: true})
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	driver := &fakeDriver{url: "https://target/home"}
	g := allowAllGuardrail()
	limiter := ratelimit.New(&ratelimit.Config{MaxRequestsPerMinute: 6000, BurstSize: 100})
	nav := navigator.New(driver, g, limiter, "sess")
	ic := interceptor.New("sess")
	hypotheses := hypothesis.New()
	clusterer := urlcluster.New()
	an := analyst.New(clusterer, hypotheses, nil)
	bl := businesslogic.New(clusterer, hypotheses, nil)
	cr := critic.New(nil)
	fsm := fsmstore.New()

	sv := New("sess", cfg, driver, nav, ic, an, bl, cr, nil, hypotheses, fsm, g)
	return sv
}

func TestRunIteration_NoNewObservationsDoesNotTerminate(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})

	terminated, err := sv.RunIteration(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, terminated)
	assert.Equal(t, models.PhaseObserve, sv.Status().Phase)
}

func TestRunIteration_InferWithNoWorkersProducesNoHypotheses(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	sv.analyst = nil
	sv.businessLogic = nil

	obs := []models.Observation{{ID: "o1", Method: "GET", URL: "https://target/nothing", Status: 200, PageURL: "https://target/home"}}
	terminated, err := sv.RunIteration(context.Background(), obs)
	require.NoError(t, err)
	assert.False(t, terminated)
	assert.Equal(t, models.PhaseInfer, sv.Status().Phase)
}

func TestRunIteration_ProducesHypothesisAndReachesCritique(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})

	obs := []models.Observation{
		{ID: "o1", Method: "GET", URL: "https://target/api/users/1", Status: 200, ResponseBody: `{"id":1,"name":"a"}`, PageURL: "https://target/home"},
	}
	_, err := sv.RunIteration(context.Background(), obs)
	require.NoError(t, err)

	hyps := sv.hypotheses.List("sess")
	require.Len(t, hyps, 1)
	assert.Equal(t, models.KindEndpointSchema, hyps[0].Kind)
}

func TestRunIteration_TerminatesAtMaxIterations(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 1})

	terminated, err := sv.RunIteration(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, terminated)
	assert.Equal(t, models.SessionCompleted, sv.Status().Status)
	assert.Equal(t, models.PhaseTerminate, sv.Status().Phase)
}

func TestRunIteration_NoObservationStreakTerminates(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 1000})

	var terminated bool
	var err error
	for i := 0; i < noObservationExploreLimit; i++ {
		terminated, err = sv.RunIteration(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.True(t, terminated)
}

func TestStatus_ReflectsCurrentURLFromDriver(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	_, err := sv.RunIteration(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://target/home", sv.Status().CurrentURL)
}

func TestEvents_PhaseChangedEmittedNonBlocking(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	_, err := sv.RunIteration(context.Background(), nil)
	require.NoError(t, err)

	var sawExplore bool
	for {
		select {
		case ev := <-sv.Events():
			if ev.Kind == models.EventPhaseChanged && ev.Phase == models.PhaseExplore {
				sawExplore = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawExplore)
}

func TestCaptureObservation_RecordsTransitionInFSM(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	obs := models.Observation{ID: "o1", Status: 200, PageURL: "https://target/home"}
	sv.CaptureObservation(obs, 1, 2, models.ActionClick, "element:1", "Home")

	_, ok := sv.fsm.GetState("sess", 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), sv.LastStateHash())
}

func TestCritique_PopulatesContradictionsFromStructuralCheck(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})

	a, err := sv.hypotheses.Create("sess", hypothesis.NewInput{
		Kind:            models.KindPermissionGate,
		Description:     "admin endpoint requires admin role",
		CreatedBy:       "business_logic",
		EndpointPattern: "/api/admin/{id}",
		Method:          "GET",
		TriggerConditions: map[string]string{"requires": "admin"},
	})
	require.NoError(t, err)

	b, err := sv.hypotheses.Create("sess", hypothesis.NewInput{
		Kind:            models.KindPermissionGate,
		Description:     "admin endpoint requires no auth",
		CreatedBy:       "business_logic",
		EndpointPattern: "/api/admin/{id}",
		Method:          "GET",
		TriggerConditions: map[string]string{"requires": "none"},
	})
	require.NoError(t, err)

	sv.pendingHypotheses = []*models.Hypothesis{a, b}
	err = sv.critique(context.Background())
	require.NoError(t, err)

	require.Len(t, sv.pendingReviews, 2)
	for _, review := range sv.pendingReviews {
		assert.NotEmpty(t, review.Contradictions)
	}
}

func TestUpdate_ClearsScratchpads(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})

	sv.navigatorScratch.AddAction(models.UIActionRecord{Kind: models.ActionClick}, 0)
	sv.criticScratch.AddToReviewQueue("h1")

	sv.update()

	assert.Empty(t, sv.navigatorScratch.RecentActions())
	_, ok := sv.criticScratch.PopReviewQueue()
	assert.False(t, ok)
}

func TestExplore_RecordsTokenFieldNote(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	sv.driver.(*fakeDriver).html = `<html><body>
		<form action="/login" method="post">
			<input type="hidden" name="csrf_token">
		</form>
	</body></html>`

	require.NoError(t, sv.explore(context.Background()))

	notes := sv.Notes().All()
	require.Len(t, notes, 1)
	for _, v := range notes {
		assert.Contains(t, v, "csrf_token")
	}

	// update() clears per-iteration scratchpads but must leave the
	// session-level notes store untouched.
	sv.update()
	assert.Len(t, sv.Notes().All(), 1)
}

func TestRunIteration_GuardrailRejectsIterationBudget(t *testing.T) {
	sv := newTestSupervisor(t, Config{MaxLoopIterations: 100})
	sv.guardrail = guardrail.New(guardrail.Config{MaxRequestsPerMinute: 1000, MaxLoopIterations: 1, EnableProbing: true, EnableFuzzing: true})

	terminated, err := sv.RunIteration(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, terminated)
	assert.Equal(t, models.PhaseInit, sv.Status().Phase)
}
