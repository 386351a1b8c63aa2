// Package scratchpad holds each worker's private working memory: state that
// persists within one loop iteration but is discarded at the Update phase
// boundary, as opposed to the Hypothesis Store and FSM Store, which persist
// for the life of a session.
package scratchpad

import (
	"sync"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/limits"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

// FailedAttempt records one action that didn't work, for the owning
// worker's own retry bookkeeping.
type FailedAttempt struct {
	Timestamp  time.Time
	ActionType string
	Target     string
	Error      string
	RetryCount int
}

// Base is the working memory every worker scratchpad embeds: a bounded
// recent-action/observation history, draft hypotheses not yet committed to
// the Hypothesis Store, and failed-attempt tracking.
type Base struct {
	mu sync.Mutex

	AgentName string
	SessionID string

	WorkingData map[string]any

	limiter *limits.Limiter

	recentActions        []models.UIActionRecord
	recentObservationIDs []string
	draftHypotheses      []*models.Hypothesis
	failedAttempts       []FailedAttempt

	CreatedAt   time.Time
	LastUpdated time.Time
}

func newBase(agentName, sessionID string, limiter *limits.Limiter) Base {
	if limiter == nil {
		limiter = limits.NewLimiter(nil)
	}
	now := time.Now()
	return Base{
		AgentName:   agentName,
		SessionID:   sessionID,
		WorkingData: make(map[string]any),
		limiter:     limiter,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// AddAction appends to the recent-action history, trimmed to the limiter's
// MaxRecentActions bound. A positive maxHistory overrides the limiter for
// this call, for callers that size differently than the rest of the batch.
func (b *Base) AddAction(action models.UIActionRecord, maxHistory int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxHistory <= 0 {
		maxHistory = b.limiter.Limits().MaxRecentActions
	}
	b.recentActions = append(b.recentActions, action)
	if len(b.recentActions) > maxHistory {
		b.recentActions = b.recentActions[len(b.recentActions)-maxHistory:]
	}
	b.LastUpdated = time.Now()
}

// RecentActions returns a copy of the bounded recent-action history.
func (b *Base) RecentActions() []models.UIActionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.UIActionRecord, len(b.recentActions))
	copy(out, b.recentActions)
	return out
}

// AddObservationID appends to the recent-observation-id history, keeping
// only the most recent maxHistory entries.
func (b *Base) AddObservationID(id string, maxHistory int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxHistory <= 0 {
		maxHistory = b.limiter.Limits().MaxRecentActions
	}
	b.recentObservationIDs = append(b.recentObservationIDs, id)
	if len(b.recentObservationIDs) > maxHistory {
		b.recentObservationIDs = b.recentObservationIDs[len(b.recentObservationIDs)-maxHistory:]
	}
	b.LastUpdated = time.Now()
}

// AddDraftHypothesis queues a hypothesis not yet committed to the store.
func (b *Base) AddDraftHypothesis(h *models.Hypothesis) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draftHypotheses = append(b.draftHypotheses, h)
	b.LastUpdated = time.Now()
}

// DraftHypotheses returns the queued, not-yet-committed hypotheses.
func (b *Base) DraftHypotheses() []*models.Hypothesis {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Hypothesis, len(b.draftHypotheses))
	copy(out, b.draftHypotheses)
	return out
}

// RecordFailure appends a failed attempt to the worker's own history.
func (b *Base) RecordFailure(actionType, target, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedAttempts = append(b.failedAttempts, FailedAttempt{
		Timestamp: time.Now(), ActionType: actionType, Target: target, Error: errMsg,
	})
	b.LastUpdated = time.Now()
}

// FailedAttempts returns a copy of the recorded failures.
func (b *Base) FailedAttempts() []FailedAttempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedAttempt, len(b.failedAttempts))
	copy(out, b.failedAttempts)
	return out
}

// Clear discards all temporary data, called by the Supervisor at the Update
// phase boundary. WorkingData, history, drafts, and failures are all reset;
// identity (AgentName, SessionID, CreatedAt) survives.
func (b *Base) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.WorkingData = make(map[string]any)
	b.recentActions = nil
	b.recentObservationIDs = nil
	b.draftHypotheses = nil
	b.failedAttempts = nil
	b.LastUpdated = time.Now()
}

// Navigator tracks exploration state and backtracking for one session.
type Navigator struct {
	Base

	mu sync.Mutex

	CurrentExplorationGoal string
	backtrackStack         []uint64
	deadEnds               map[string]bool
	interactedElements     map[int]bool
}

// NewNavigator returns a Navigator scratchpad for one session. A nil limiter
// falls back to limits.DefaultWorkingMemoryLimits.
func NewNavigator(sessionID string, limiter *limits.Limiter) *Navigator {
	return &Navigator{
		Base:               newBase("navigator", sessionID, limiter),
		deadEnds:           make(map[string]bool),
		interactedElements: make(map[int]bool),
	}
}

// PushBacktrack pushes a page-state hash onto the backtrack stack.
func (n *Navigator) PushBacktrack(hash uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backtrackStack = append(n.backtrackStack, hash)
}

// PopBacktrack pops the most recently pushed page-state hash, or reports ok
// = false if the stack is empty.
func (n *Navigator) PopBacktrack() (hash uint64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.backtrackStack) == 0 {
		return 0, false
	}
	last := len(n.backtrackStack) - 1
	hash = n.backtrackStack[last]
	n.backtrackStack = n.backtrackStack[:last]
	return hash, true
}

// MarkDeadEnd records an action signature as leading nowhere.
func (n *Navigator) MarkDeadEnd(actionSignature string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadEnds[actionSignature] = true
}

// IsDeadEnd reports whether an action signature is already known to lead
// nowhere.
func (n *Navigator) IsDeadEnd(actionSignature string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deadEnds[actionSignature]
}

// MarkElementInteracted records an element id as already tried on the
// current page.
func (n *Navigator) MarkElementInteracted(elementID int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interactedElements[elementID] = true
}

// Analyst tracks URL clustering and schema-merge bookkeeping for one
// session, as a fast cache layered over the Analyst's own schema merger.
type Analyst struct {
	Base

	mu sync.Mutex

	urlClusters     map[string][]string
	semanticCache   map[string]string
	responseSamples map[string][]string
}

// NewAnalyst returns an Analyst scratchpad for one session. A nil limiter
// falls back to limits.DefaultWorkingMemoryLimits.
func NewAnalyst(sessionID string, limiter *limits.Limiter) *Analyst {
	return &Analyst{
		Base:            newBase("analyst", sessionID, limiter),
		urlClusters:     make(map[string][]string),
		semanticCache:   make(map[string]string),
		responseSamples: make(map[string][]string),
	}
}

// AddToCluster records a URL as belonging to pattern's cluster.
func (a *Analyst) AddToCluster(pattern, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.urlClusters[pattern] = append(a.urlClusters[pattern], url)
}

// CacheSemantic remembers a field's inferred meaning.
func (a *Analyst) CacheSemantic(fieldName, meaning string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.semanticCache[fieldName] = meaning
}

// LookupSemantic returns a previously cached meaning for fieldName, if any.
func (a *Analyst) LookupSemantic(fieldName string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.semanticCache[fieldName]
	return v, ok
}

// AddResponseSample keeps up to maxSamples response bodies per pattern.
func (a *Analyst) AddResponseSample(pattern, body string, maxSamples int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if maxSamples <= 0 {
		maxSamples = a.limiter.Limits().MaxResponseSamples
	}
	if len(a.responseSamples[pattern]) < maxSamples {
		a.responseSamples[pattern] = append(a.responseSamples[pattern], body)
	}
}

// Critic tracks the review queue and challenge history for one session.
type Critic struct {
	Base

	mu sync.Mutex

	reviewQueue        []string
	challengeLog       []models.CriticReview
	contradictionPairs [][2]string
	reviewed           map[string]bool
}

// NewCritic returns a Critic scratchpad for one session. A nil limiter
// falls back to limits.DefaultWorkingMemoryLimits.
func NewCritic(sessionID string, limiter *limits.Limiter) *Critic {
	return &Critic{
		Base:     newBase("critic", sessionID, limiter),
		reviewed: make(map[string]bool),
	}
}

// AddToReviewQueue queues a hypothesis for review unless it has already
// been reviewed this iteration.
func (c *Critic) AddToReviewQueue(hypothesisID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reviewed[hypothesisID] {
		return
	}
	c.reviewQueue = append(c.reviewQueue, hypothesisID)
}

// PopReviewQueue returns the next not-yet-reviewed hypothesis id, or ok =
// false if the queue is exhausted.
func (c *Critic) PopReviewQueue() (id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.reviewQueue) > 0 {
		id = c.reviewQueue[0]
		c.reviewQueue = c.reviewQueue[1:]
		if !c.reviewed[id] {
			return id, true
		}
	}
	return "", false
}

// MarkReviewed records a hypothesis as reviewed for this iteration.
func (c *Critic) MarkReviewed(hypothesisID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reviewed[hypothesisID] = true
}

// LogChallenge appends a completed review to the challenge history.
func (c *Critic) LogChallenge(review models.CriticReview) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challengeLog = append(c.challengeLog, review)
}

// AddContradiction records a structural contradiction between two
// hypothesis ids, deduped regardless of argument order.
func (c *Critic) AddContradiction(idA, idB string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pair := [2]string{idA, idB}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	for _, existing := range c.contradictionPairs {
		if existing == pair {
			return
		}
	}
	c.contradictionPairs = append(c.contradictionPairs, pair)
}

// BusinessLogic tracks workflow-detection bookkeeping for one session.
type BusinessLogic struct {
	Base

	mu sync.Mutex

	permissionObservations []PermissionObservation
	rateLimitObservations  map[string][]RateLimitObservation
}

// PermissionObservation is one recorded auth-level/status-code pairing for
// an endpoint.
type PermissionObservation struct {
	Endpoint   string
	AuthLevel  string
	StatusCode int
	Timestamp  time.Time
}

// RateLimitObservation is one recorded rate-limit response for an endpoint.
type RateLimitObservation struct {
	Endpoint   string
	StatusCode int
	RetryAfter string
	Timestamp  time.Time
}

// NewBusinessLogic returns a BusinessLogic scratchpad for one session. A nil
// limiter falls back to limits.DefaultWorkingMemoryLimits.
func NewBusinessLogic(sessionID string, limiter *limits.Limiter) *BusinessLogic {
	return &BusinessLogic{
		Base:                  newBase("business_logic", sessionID, limiter),
		rateLimitObservations: make(map[string][]RateLimitObservation),
	}
}

// AddPermissionObservation records one permission-related observation.
func (bl *BusinessLogic) AddPermissionObservation(endpoint, authLevel string, statusCode int) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.permissionObservations = append(bl.permissionObservations, PermissionObservation{
		Endpoint: endpoint, AuthLevel: authLevel, StatusCode: statusCode, Timestamp: time.Now(),
	})
}

// AddRateLimitObservation records one rate-limit response for an endpoint.
func (bl *BusinessLogic) AddRateLimitObservation(endpoint string, statusCode int, retryAfter string) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.rateLimitObservations[endpoint] = append(bl.rateLimitObservations[endpoint], RateLimitObservation{
		Endpoint: endpoint, StatusCode: statusCode, RetryAfter: retryAfter, Timestamp: time.Now(),
	})
}

// Notes is a small shared key-value notes store for one session, holding
// short textual observations ("form at /login requires CSRF token header X")
// that survive across loop iterations without being promoted to a
// hypothesis. The Supervisor fills it from the Navigator's step notes.
// Unlike the per-worker scratchpads above, Notes is never cleared at the
// Update phase boundary — it lives for the whole session.
type Notes struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewNotes returns an empty session-level notes store.
func NewNotes() *Notes {
	return &Notes{entries: make(map[string]string)}
}

// Set records or overwrites a note under key.
func (n *Notes) Set(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[key] = value
}

// Get returns the note stored under key, if any.
func (n *Notes) Get(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.entries[key]
	return v, ok
}

// All returns a copy of every note currently stored.
func (n *Notes) All() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]string, len(n.entries))
	for k, v := range n.entries {
		out[k] = v
	}
	return out
}

// Verifier tracks the probe queue and recent results for one session.
type Verifier struct {
	Base

	mu sync.Mutex

	probeQueue   []models.ProbeRequest
	probeResults []models.ProbeResult
}

// NewVerifier returns a Verifier scratchpad for one session. A nil limiter
// falls back to limits.DefaultWorkingMemoryLimits.
func NewVerifier(sessionID string, limiter *limits.Limiter) *Verifier {
	return &Verifier{Base: newBase("verifier", sessionID, limiter)}
}

// AddProbe queues a probe request.
func (v *Verifier) AddProbe(req models.ProbeRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.probeQueue = append(v.probeQueue, req)
}

// PopProbe dequeues the next probe request, or ok = false if empty.
func (v *Verifier) PopProbe() (req models.ProbeRequest, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.probeQueue) == 0 {
		return models.ProbeRequest{}, false
	}
	req = v.probeQueue[0]
	v.probeQueue = v.probeQueue[1:]
	return req, true
}

// RecordResult appends a probe result to the recent-results history.
func (v *Verifier) RecordResult(result models.ProbeResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.probeResults = append(v.probeResults, result)
}
