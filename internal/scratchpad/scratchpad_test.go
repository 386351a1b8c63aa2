package scratchpad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BetterCallFirewall/Hackerecon/internal/limits"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

var testMaxHistory = limits.DefaultWorkingMemoryLimits().MaxRecentActions

func TestBase_AddActionBoundsHistory(t *testing.T) {
	b := newBase("navigator", "sess", nil)
	for i := 0; i < testMaxHistory+5; i++ {
		b.AddAction(models.UIActionRecord{Kind: models.ActionClick, Target: "el"}, 0)
	}
	assert.Len(t, b.RecentActions(), testMaxHistory)
}

func TestBase_AddObservationIDBoundsHistory(t *testing.T) {
	b := newBase("navigator", "sess", nil)
	for i := 0; i < testMaxHistory+3; i++ {
		b.AddObservationID("obs", 0)
	}
	assert.Len(t, b.recentObservationIDs, testMaxHistory)
}

func TestBase_Clear(t *testing.T) {
	b := newBase("navigator", "sess", nil)
	b.AddAction(models.UIActionRecord{Kind: models.ActionClick}, 0)
	b.AddDraftHypothesis(&models.Hypothesis{ID: "h1"})
	b.RecordFailure("click", "el", "timeout")
	b.WorkingData["k"] = "v"

	createdAt := b.CreatedAt
	b.Clear()

	assert.Empty(t, b.RecentActions())
	assert.Empty(t, b.DraftHypotheses())
	assert.Empty(t, b.FailedAttempts())
	assert.Empty(t, b.WorkingData)
	assert.Equal(t, createdAt, b.CreatedAt)
}

func TestNavigator_BacktrackStack(t *testing.T) {
	n := NewNavigator("sess", nil)
	n.PushBacktrack(111)
	n.PushBacktrack(222)

	hash, ok := n.PopBacktrack()
	assert.True(t, ok)
	assert.Equal(t, uint64(222), hash)

	hash, ok = n.PopBacktrack()
	assert.True(t, ok)
	assert.Equal(t, uint64(111), hash)

	_, ok = n.PopBacktrack()
	assert.False(t, ok)
}

func TestNavigator_DeadEnds(t *testing.T) {
	n := NewNavigator("sess", nil)
	assert.False(t, n.IsDeadEnd("click:submit"))
	n.MarkDeadEnd("click:submit")
	assert.True(t, n.IsDeadEnd("click:submit"))
}

func TestAnalyst_ResponseSamplesBounded(t *testing.T) {
	a := NewAnalyst("sess", nil)
	for i := 0; i < 10; i++ {
		a.AddResponseSample("/api/users/{id}", "body", 5)
	}
	assert.Len(t, a.responseSamples["/api/users/{id}"], 5)
}

func TestAnalyst_SemanticCache(t *testing.T) {
	a := NewAnalyst("sess", nil)
	_, ok := a.LookupSemantic("email")
	assert.False(t, ok)

	a.CacheSemantic("email", "user email address")
	v, ok := a.LookupSemantic("email")
	assert.True(t, ok)
	assert.Equal(t, "user email address", v)
}

func TestCritic_ReviewQueueSkipsReviewed(t *testing.T) {
	c := NewCritic("sess", nil)
	c.AddToReviewQueue("h1")
	c.MarkReviewed("h1")
	c.AddToReviewQueue("h1")

	_, ok := c.PopReviewQueue()
	assert.False(t, ok)
}

func TestCritic_AddContradictionDedupsRegardlessOfOrder(t *testing.T) {
	c := NewCritic("sess", nil)
	c.AddContradiction("h1", "h2")
	c.AddContradiction("h2", "h1")
	assert.Len(t, c.contradictionPairs, 1)
}

func TestBusinessLogic_PermissionAndRateLimitObservations(t *testing.T) {
	bl := NewBusinessLogic("sess", nil)
	bl.AddPermissionObservation("/api/admin", "user", 403)
	bl.AddRateLimitObservation("/api/login", 429, "60")

	require := func(cond bool) {
		if !cond {
			t.Fatal("expected observation recorded")
		}
	}
	require(len(bl.permissionObservations) == 1)
	require(len(bl.rateLimitObservations["/api/login"]) == 1)
}

func TestVerifier_ProbeQueueFIFO(t *testing.T) {
	v := NewVerifier("sess", nil)
	v.AddProbe(models.ProbeRequest{ID: "p1"})
	v.AddProbe(models.ProbeRequest{ID: "p2"})

	req, ok := v.PopProbe()
	assert.True(t, ok)
	assert.Equal(t, "p1", req.ID)

	v.RecordResult(models.ProbeResult{RequestID: "p1", Outcome: models.OutcomeConfirmed})
	assert.Len(t, v.probeResults, 1)
}

func TestBase_LastUpdatedAdvances(t *testing.T) {
	b := newBase("navigator", "sess", nil)
	initial := b.LastUpdated
	time.Sleep(time.Millisecond)
	b.AddAction(models.UIActionRecord{Kind: models.ActionClick}, 0)
	assert.True(t, b.LastUpdated.After(initial) || b.LastUpdated.Equal(initial))
}

func TestNotes_SetGetAndAll(t *testing.T) {
	n := NewNotes()

	_, ok := n.Get("missing")
	assert.False(t, ok)

	n.Set("login-form", "requires csrf_token header")
	v, ok := n.Get("login-form")
	assert.True(t, ok)
	assert.Equal(t, "requires csrf_token header", v)

	n.Set("login-form", "overwritten")
	v, _ = n.Get("login-form")
	assert.Equal(t, "overwritten", v)

	n.Set("other", "note")
	all := n.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "overwritten", all["login-form"])
}
