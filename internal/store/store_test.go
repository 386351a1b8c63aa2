package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"sessions", "page_states", "transitions", "observations", "hypotheses", "probe_results"} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoErrorf(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestSession_UpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	sess := &models.SessionRecord{
		ID:             "sess-1",
		TargetURL:      "https://example.com",
		AllowedDomains: []string{"example.com"},
		Status:         models.SessionRunning,
		Phase:          models.PhaseExplore,
		Iteration:      3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.UpsertSession(sess))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.TargetURL, got.TargetURL)
	assert.Equal(t, []string{"example.com"}, got.AllowedDomains)
	assert.Equal(t, 3, got.Iteration)

	sess.Iteration = 4
	sess.Phase = models.PhaseInfer
	require.NoError(t, s.UpsertSession(sess))

	got, err = s.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Iteration)
	assert.Equal(t, models.PhaseInfer, got.Phase)

	all, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPageStateAndTransition_EnforcesI5(t *testing.T) {
	s := openTestStore(t)

	err := s.SaveTransition("sess-1", models.Transition{FromHash: 1, ToHash: 2, ActionKind: models.ActionClick, Timestamp: time.Now()})
	assert.Error(t, err, "transition referencing unknown states must be rejected")

	require.NoError(t, s.SavePageState("sess-1", &models.PageState{StateHash: 1, URL: "https://example.com/a", FirstSeen: time.Now(), VisitCount: 1}))
	require.NoError(t, s.SavePageState("sess-1", &models.PageState{StateHash: 2, URL: "https://example.com/b", FirstSeen: time.Now(), VisitCount: 1}))

	require.NoError(t, s.SaveTransition("sess-1", models.Transition{
		FromHash: 1, ToHash: 2, ActionKind: models.ActionClick, ActionTarget: "nav-1",
		Success: true, Timestamp: time.Now(), ObservationIDs: []string{"obs-1"},
	}))
}

func TestPageState_RevisitUpdatesVisitCountAndDeadEnd(t *testing.T) {
	s := openTestStore(t)

	state := &models.PageState{StateHash: 1, URL: "https://example.com/a", FirstSeen: time.Now(), VisitCount: 1}
	require.NoError(t, s.SavePageState("sess-1", state))

	state.VisitCount = 2
	state.DeadEnd = true
	require.NoError(t, s.SavePageState("sess-1", state))

	var visitCount, deadEnd int
	err := s.db.QueryRow(`SELECT visit_count, dead_end FROM page_states WHERE session_id = ? AND state_hash = ?`, "sess-1", 1).Scan(&visitCount, &deadEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, visitCount)
	assert.Equal(t, 1, deadEnd)
}

func TestObservation_SaveAndListInCaptureOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"obs-1", "obs-2"} {
		require.NoError(t, s.SaveObservation(&models.Observation{
			ID: id, SessionID: "sess-1", InteractionID: int64(i), Timestamp: base.Add(time.Duration(i) * time.Second),
			Method: "GET", URL: "https://example.com/api", Status: 200,
			RequestHeaders: map[string]string{"Accept": "application/json"},
		}))
	}
	// duplicate insert must be a no-op, not an error
	require.NoError(t, s.SaveObservation(&models.Observation{ID: "obs-1", SessionID: "sess-1", Method: "GET", URL: "https://example.com/api"}))

	got, err := s.ObservationsBySession("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "obs-1", got[0].ID)
	assert.Equal(t, "obs-2", got[1].ID)
	assert.Equal(t, "application/json", got[0].RequestHeaders["Accept"])
}

func TestHypothesis_SaveUpsertAndFilterByConfidence(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	h := &models.Hypothesis{
		ID: "hyp-1", SessionID: "sess-1", Kind: models.KindEndpointSchema, Description: "GET /users/{id}",
		Confidence: 0.5, Status: models.StatusActive, CreatedBy: "analyst", Revision: 1,
		CreatedAt: now, UpdatedAt: now, EndpointPattern: "/users/{id}", Method: "GET",
	}
	require.NoError(t, s.SaveHypothesis(h))

	h.Confidence = 0.8
	h.Status = models.StatusConfirmed
	h.Revision = 2
	require.NoError(t, s.SaveHypothesis(h))

	high, err := s.HypothesesBySession("sess-1", 0.7)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, models.StatusConfirmed, high[0].Status)
	assert.Equal(t, 2, high[0].Revision)

	low, err := s.HypothesesBySession("sess-1", 0.9)
	require.NoError(t, err)
	assert.Empty(t, low)
}

func TestProbeResult_SaveIsIdempotentOnRequestID(t *testing.T) {
	s := openTestStore(t)

	r := &models.ProbeResult{RequestID: "probe-1", HypothesisID: "hyp-1", Kind: models.ProbeReplayExact, Outcome: models.OutcomeConfirmed, ConfidenceDelta: 0.2}
	require.NoError(t, s.SaveProbeResult("sess-1", r))
	require.NoError(t, s.SaveProbeResult("sess-1", r))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM probe_results WHERE request_id = ?`, "probe-1").Scan(&count))
	assert.Equal(t, 1, count)
}
