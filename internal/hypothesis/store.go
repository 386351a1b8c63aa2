// Package hypothesis implements the confidence calculus and CRUD contract
// for the central unit of inferred knowledge: the Hypothesis.
package hypothesis

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

const (
	// ExportThreshold is the minimum confidence at which a hypothesis is
	// eligible for inclusion in an exported report.
	ExportThreshold = 0.7
	// StopWorthyThreshold is the minimum confidence the termination
	// predicate counts as "confirmed" for its stop condition.
	StopWorthyThreshold = 0.85
	// NeedsRevisionThreshold is the confidence below which a critic
	// challenge forces status into needs_revision.
	NeedsRevisionThreshold = 0.2

	minConfidence = 0.1
	maxConfidence = 1.0
)

// ErrDuplicate is returned by Create when a hypothesis with the same
// (kind, pattern, method) already exists; the caller must merge instead.
var ErrDuplicate = fmt.Errorf("duplicate hypothesis: merge instead of creating")

// ErrNotFound is returned when an operation references an unknown id.
var ErrNotFound = fmt.Errorf("hypothesis not found")

// NewInput carries the fields needed to create a hypothesis.
type NewInput struct {
	Kind                  models.HypothesisKind
	Description           string
	CreatedBy             string
	SupportingEvidence    []models.EvidenceRef
	CompetingExplanations []models.CompetingExplanation
	UntestedAssumptions   []string

	EndpointPattern string
	Method          string
	RequestSchema   map[string]any
	ResponseSchema  map[string]any
	FieldSemantics  map[string]string

	RuleKind          string
	TriggerConditions map[string]string
	ObservedResponse  string
}

// dedupKey identifies a hypothesis for the I6 duplicate check: two
// endpoint_schema hypotheses sharing (pattern, method) must be merged, not
// both inserted. Other kinds are never considered duplicates by this key.
func dedupKey(kind models.HypothesisKind, pattern, method string) (string, bool) {
	if kind != models.KindEndpointSchema {
		return "", false
	}
	return string(kind) + "|" + pattern + "|" + method, true
}

type entry struct {
	h *models.Hypothesis
	// recentEvents dedups mutators by (event kind, reason, agent), per the
	// idempotence failure semantics. The set is never cleared, so a repeat
	// of the same event is dropped for the life of the hypothesis.
	recentEvents map[string]struct{}
}

// Store holds hypotheses per session, guarded by a single RWMutex
// (hypotheses mutate rarely enough relative to reads that per-id locks
// would only add complexity).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*entry // sessionID -> hypothesisID -> entry
	byDedup  map[string]map[string]string // sessionID -> dedupKey -> hypothesisID
	nextID   int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]map[string]*entry),
		byDedup:  make(map[string]map[string]string),
	}
}

func (s *Store) allocID(sessionID string) string {
	s.nextID++
	return fmt.Sprintf("%s-hyp-%d", sessionID, s.nextID)
}

// initialConfidence implements the initial-confidence rule: a base value
// keyed by evidence count, penalized per competing explanation and per
// untested assumption, clamped to [0.1, 1.0].
func initialConfidence(evidenceCount, competingExplanations, untestedAssumptions int) float64 {
	var base float64
	switch {
	case evidenceCount <= 1:
		base = 0.2
	case evidenceCount == 2:
		base = 0.35
	case evidenceCount >= 3 && evidenceCount <= 5:
		base = 0.5
	default:
		base = 0.6
	}
	base -= 0.1 * float64(competingExplanations)
	base -= 0.05 * float64(untestedAssumptions)
	return clamp(base, minConfidence, maxConfidence)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Create inserts a new hypothesis, rejecting creation if (kind, pattern,
// method) already exists for endpoint_schema hypotheses.
func (s *Store) Create(sessionID string, in NewInput) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, dedupable := dedupKey(in.Kind, in.EndpointPattern, in.Method); dedupable {
		if bySession, ok := s.byDedup[sessionID]; ok {
			if _, exists := bySession[key]; exists {
				return nil, ErrDuplicate
			}
		}
	}

	now := time.Now()
	conf := initialConfidence(len(in.SupportingEvidence), len(in.CompetingExplanations), len(in.UntestedAssumptions))

	h := &models.Hypothesis{
		ID:                     s.allocID(sessionID),
		SessionID:              sessionID,
		Kind:                   in.Kind,
		Description:            in.Description,
		Confidence:             conf,
		Status:                 models.StatusActive,
		CreatedBy:              in.CreatedBy,
		Revision:               1,
		CreatedAt:              now,
		UpdatedAt:              now,
		EndpointPattern:        in.EndpointPattern,
		Method:                 in.Method,
		RequestSchema:          in.RequestSchema,
		ResponseSchema:         in.ResponseSchema,
		FieldSemantics:         in.FieldSemantics,
		RuleKind:               in.RuleKind,
		TriggerConditions:      in.TriggerConditions,
		ObservedResponse:       in.ObservedResponse,
		SupportingEvidence:     in.SupportingEvidence,
		CompetingExplanations:  in.CompetingExplanations,
		UntestedAssumptions:    in.UntestedAssumptions,
		ConfidenceHistory: []models.ConfidenceEvent{{
			Timestamp: now,
			Kind:      models.EventCreated,
			Old:       0,
			New:       conf,
			Reason:    "initial confidence from evidence count",
			Agent:     in.CreatedBy,
		}},
	}

	if s.sessions[sessionID] == nil {
		s.sessions[sessionID] = make(map[string]*entry)
	}
	s.sessions[sessionID][h.ID] = &entry{h: h, recentEvents: make(map[string]struct{})}

	if key, dedupable := dedupKey(in.Kind, in.EndpointPattern, in.Method); dedupable {
		if s.byDedup[sessionID] == nil {
			s.byDedup[sessionID] = make(map[string]string)
		}
		s.byDedup[sessionID][key] = h.ID
	}

	return cloneHypothesis(h), nil
}

func (s *Store) find(sessionID, id string) (*entry, error) {
	bySession, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := bySession[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// eventDedupKey matches the idempotence contract: mutators dedup on
// (event kind, reason, agent) within a single call.
func eventDedupKey(kind models.ConfidenceEventKind, reason, agent string) string {
	return string(kind) + "|" + reason + "|" + agent
}

func appendConfidenceEvent(e *entry, kind models.ConfidenceEventKind, old, new float64, reason, agent string) bool {
	key := eventDedupKey(kind, reason, agent)
	if _, seen := e.recentEvents[key]; seen {
		return false
	}
	e.recentEvents[key] = struct{}{}
	e.h.ConfidenceHistory = append(e.h.ConfidenceHistory, models.ConfidenceEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Old:       old,
		New:       new,
		Reason:    reason,
		Agent:     agent,
	})
	e.h.Revision++
	e.h.UpdatedAt = time.Now()
	return true
}

// AddEvidence appends evidence and recomputes confidence by the
// initial-confidence rule, but never decreases it.
func (s *Store) AddEvidence(sessionID, id string, evidence []models.EvidenceRef, agent string) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.find(sessionID, id)
	if err != nil {
		return nil, err
	}

	e.h.SupportingEvidence = append(e.h.SupportingEvidence, evidence...)
	recomputed := initialConfidence(len(e.h.SupportingEvidence), len(e.h.CompetingExplanations), len(e.h.UntestedAssumptions))

	old := e.h.Confidence
	newConf := old
	if recomputed > old {
		newConf = recomputed
	}

	reason := fmt.Sprintf("evidence count now %d", len(e.h.SupportingEvidence))
	if appendConfidenceEvent(e, models.EventEvidenceAdded, old, newConf, reason, agent) {
		e.h.Confidence = newConf
	}

	return cloneHypothesis(e.h), nil
}

// FindByEndpoint returns the endpoint_schema hypothesis already registered
// for (pattern, method) in sessionID, if any, using the same dedup key
// Create checks.
func (s *Store) FindByEndpoint(sessionID, pattern, method string) (*models.Hypothesis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, _ := dedupKey(models.KindEndpointSchema, pattern, method)
	bySession, ok := s.byDedup[sessionID]
	if !ok {
		return nil, false
	}
	id, ok := bySession[key]
	if !ok {
		return nil, false
	}
	e, ok := s.sessions[sessionID][id]
	if !ok {
		return nil, false
	}
	return cloneHypothesis(e.h), true
}

// UpdateSchema merges freshly observed request/response schemas and field
// semantics into an existing endpoint_schema hypothesis and records the
// widened evidence as an EventEvidenceAdded confidence event, called by the
// Analyst each time a new sample for the same (pattern, method) arrives.
func (s *Store) UpdateSchema(sessionID, id string, requestSchema, responseSchema map[string]any, fieldSemantics map[string]string, evidence []models.EvidenceRef, agent string) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.find(sessionID, id)
	if err != nil {
		return nil, err
	}

	if requestSchema != nil {
		e.h.RequestSchema = requestSchema
	}
	if responseSchema != nil {
		e.h.ResponseSchema = responseSchema
	}
	for k, v := range fieldSemantics {
		if e.h.FieldSemantics == nil {
			e.h.FieldSemantics = make(map[string]string)
		}
		e.h.FieldSemantics[k] = v
	}
	e.h.SupportingEvidence = append(e.h.SupportingEvidence, evidence...)

	recomputed := initialConfidence(len(e.h.SupportingEvidence), len(e.h.CompetingExplanations), len(e.h.UntestedAssumptions))
	old := e.h.Confidence
	newConf := old
	if recomputed > old {
		newConf = recomputed
	}

	reason := fmt.Sprintf("schema widened, evidence count now %d", len(e.h.SupportingEvidence))
	if appendConfidenceEvent(e, models.EventEvidenceAdded, old, newConf, reason, agent) {
		e.h.Confidence = newConf
	}

	return cloneHypothesis(e.h), nil
}

// dedupDescriptions appends items from add to base, skipping any whose
// description already exists in base.
func dedupDescriptions(existing []string, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	out := existing
	for _, s := range add {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func dedupExplanations(existing []models.CompetingExplanation, add []models.CompetingExplanation) []models.CompetingExplanation {
	seen := make(map[string]struct{}, len(existing))
	for _, ex := range existing {
		seen[ex.Description] = struct{}{}
	}
	out := existing
	for _, ex := range add {
		if _, ok := seen[ex.Description]; ok {
			continue
		}
		seen[ex.Description] = struct{}{}
		out = append(out, ex)
	}
	return out
}

// ApplyCritic appends the critic's alternative explanations and untested
// assumptions (deduplicated by exact description), updates confidence by
// the critic rule, and demotes status to needs_revision if confidence
// falls below the revision threshold.
func (s *Store) ApplyCritic(sessionID, id string, review models.CriticReview) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.find(sessionID, id)
	if err != nil {
		return nil, err
	}

	if e.h.Status == models.StatusConfirmed || e.h.Status == models.StatusFalsified {
		// I2: confirmed/falsified never moves back to active; a critic
		// pass on a terminal hypothesis still records history but does
		// not change status unless contradicting evidence is involved,
		// which ApplyCritic alone does not carry.
	}

	e.h.CompetingExplanations = dedupExplanations(e.h.CompetingExplanations, review.AlternativeExplanations)
	e.h.UntestedAssumptions = dedupDescriptions(e.h.UntestedAssumptions, review.UntestedAssumptions)

	old := e.h.Confidence
	var newConf float64
	switch review.Verdict {
	case models.VerdictReject:
		newConf = 0.3 * old
	case models.VerdictChallenge:
		newConf = minFloat(old, review.RecommendedConfidence)
	case models.VerdictAccept:
		newConf = minFloat(1.0, 1.1*old)
	default:
		newConf = old
	}
	newConf = clamp(newConf, minConfidence, maxConfidence)

	reason := review.AdjustmentReason
	if reason == "" {
		reason = fmt.Sprintf("critic verdict %s", review.Verdict)
	}

	if appendConfidenceEvent(e, models.EventCriticChallenge, old, newConf, reason, "critic") {
		e.h.Confidence = newConf
		if newConf < NeedsRevisionThreshold && e.h.Status != models.StatusConfirmed && e.h.Status != models.StatusFalsified {
			e.h.Status = models.StatusNeedsRevision
		}
	}

	return cloneHypothesis(e.h), nil
}

// ApplyProbe updates confidence by the probe rule and may transition status
// to falsified or confirmed depending on outcome and resulting confidence.
func (s *Store) ApplyProbe(sessionID, id string, result models.ProbeResult) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.find(sessionID, id)
	if err != nil {
		return nil, err
	}

	old := e.h.Confidence
	var newConf float64
	var eventKind models.ConfidenceEventKind
	switch result.Outcome {
	case models.OutcomeConfirmed:
		newConf = old + 0.2*(1-old)
		eventKind = models.EventProbeConfirmed
	case models.OutcomeFalsified:
		newConf = 0.5 * old
		eventKind = models.EventProbeFalsified
	case models.OutcomeInconclusive:
		newConf = 0.95 * old
		eventKind = models.EventProbeInconclusive
	default:
		newConf = old
		eventKind = models.EventProbeInconclusive
	}
	newConf = clamp(newConf, minConfidence, maxConfidence)

	reason := result.Notes
	if reason == "" {
		reason = fmt.Sprintf("probe %s -> %s", result.Kind, result.Outcome)
	}

	if appendConfidenceEvent(e, eventKind, old, newConf, reason, "verifier") {
		e.h.Confidence = newConf
		switch {
		case result.Outcome == models.OutcomeFalsified && newConf < NeedsRevisionThreshold:
			e.h.Status = models.StatusFalsified
		case result.Outcome == models.OutcomeConfirmed && newConf >= StopWorthyThreshold:
			e.h.Status = models.StatusConfirmed
		}
	}

	return cloneHypothesis(e.h), nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Get returns a copy of the hypothesis with the given id.
func (s *Store) Get(sessionID, id string) (*models.Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.find(sessionID, id)
	if err != nil {
		return nil, err
	}
	return cloneHypothesis(e.h), nil
}

// List returns copies of every hypothesis in a session, ordered by id for
// deterministic iteration.
func (s *Store) List(sessionID string) []*models.Hypothesis {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySession := s.sessions[sessionID]
	out := make([]*models.Hypothesis, 0, len(bySession))
	for _, e := range bySession {
		out = append(out, cloneHypothesis(e.h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Filter holds the optional predicates for Filter.
type Filter struct {
	Kind          models.HypothesisKind
	MinConfidence float64
	Status        models.HypothesisStatus
}

// FilterList returns hypotheses matching every non-zero field of f.
func (s *Store) FilterList(sessionID string, f Filter) []*models.Hypothesis {
	all := s.List(sessionID)
	out := make([]*models.Hypothesis, 0, len(all))
	for _, h := range all {
		if f.Kind != "" && h.Kind != f.Kind {
			continue
		}
		if h.Confidence < f.MinConfidence {
			continue
		}
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ContradictionPair is a pair of hypotheses sharing (pattern, method) whose
// schemas or permission requirements disagree.
type ContradictionPair struct {
	A, B *models.Hypothesis
}

// FindContradictions returns pairs of hypotheses whose (pattern, method)
// match but whose schemas or permission requirements disagree.
func (s *Store) FindContradictions(sessionID string) []ContradictionPair {
	all := s.List(sessionID)
	var out []ContradictionPair
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.EndpointPattern == "" || a.EndpointPattern != b.EndpointPattern || a.Method != b.Method {
				continue
			}
			if schemasDisagree(a, b) || permissionsDisagree(a, b) {
				out = append(out, ContradictionPair{A: a, B: b})
			}
		}
	}
	return out
}

func schemasDisagree(a, b *models.Hypothesis) bool {
	if a.Kind != models.KindEndpointSchema || b.Kind != models.KindEndpointSchema {
		return false
	}
	return !sameFieldSet(a.ResponseSchema, b.ResponseSchema)
}

func sameFieldSet(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func permissionsDisagree(a, b *models.Hypothesis) bool {
	if a.Kind != models.KindPermissionGate || b.Kind != models.KindPermissionGate {
		return false
	}
	return a.TriggerConditions["requires"] != b.TriggerConditions["requires"]
}

// Merge combines two duplicate endpoint_schema hypotheses into one,
// concatenating both confidence histories in append order and tagging a
// synthetic merge event with a merged_from annotation.
func (s *Store) Merge(sessionID, keepID, mergeID string) (*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep, err := s.find(sessionID, keepID)
	if err != nil {
		return nil, err
	}
	merged, err := s.find(sessionID, mergeID)
	if err != nil {
		return nil, err
	}

	keep.h.SupportingEvidence = append(keep.h.SupportingEvidence, merged.h.SupportingEvidence...)
	keep.h.ContradictingEvidence = append(keep.h.ContradictingEvidence, merged.h.ContradictingEvidence...)
	keep.h.CompetingExplanations = dedupExplanations(keep.h.CompetingExplanations, merged.h.CompetingExplanations)
	keep.h.UntestedAssumptions = dedupDescriptions(keep.h.UntestedAssumptions, merged.h.UntestedAssumptions)
	keep.h.ConfidenceHistory = append(append([]models.ConfidenceEvent{}, keep.h.ConfidenceHistory...), merged.h.ConfidenceHistory...)
	keep.h.MergedFrom = append(keep.h.MergedFrom, merged.h.ID)

	old := keep.h.Confidence
	newConf := clamp((keep.h.Confidence+merged.h.Confidence)/2, minConfidence, maxConfidence)
	keep.h.ConfidenceHistory = append(keep.h.ConfidenceHistory, models.ConfidenceEvent{
		Timestamp: time.Now(),
		Kind:      models.EventMerged,
		Old:       old,
		New:       newConf,
		Reason:    fmt.Sprintf("merged_from:%s", merged.h.ID),
		Agent:     "analyst",
	})
	keep.h.Confidence = newConf
	keep.h.Revision++
	keep.h.UpdatedAt = time.Now()

	delete(s.sessions[sessionID], mergeID)
	if key, dedupable := dedupKey(merged.h.Kind, merged.h.EndpointPattern, merged.h.Method); dedupable {
		delete(s.byDedup[sessionID], key)
	}

	return cloneHypothesis(keep.h), nil
}

// ExportEligibleThreshold is the confidence floor (§4.4) a hypothesis must
// reach before it counts toward ConfidenceSummary.ExportEligibleCount or is
// surfaced by the OpenAPI/Markdown exporters.
const ExportEligibleThreshold = 0.7

// lowConfidenceCeiling is the confidence a hypothesis must stay below to
// count as low-confidence in ConfidenceSummary, mirroring the original
// store's get_confidence_summary split (>= 0.7 high, < 0.5 low).
const lowConfidenceCeiling = 0.5

// ConfidenceSummary is an alias for models.ConfidenceSummary, kept so
// existing callers written against hypothesis.ConfidenceSummary still
// compile; the type itself lives in models since the control surface's
// SessionSnapshot embeds it directly.
type ConfidenceSummary = models.ConfidenceSummary

// Summarize computes a ConfidenceSummary for a session.
func (s *Store) Summarize(sessionID string) ConfidenceSummary {
	return Summarize(s.List(sessionID))
}

// Summarize computes a ConfidenceSummary over an arbitrary hypothesis slice,
// independent of any Store — the same aggregation the control surface's
// status operation and the OpenAPI/Markdown/JSON exporters all need, kept in
// one place so none of them re-derive it by hand.
func Summarize(all []*models.Hypothesis) ConfidenceSummary {
	summary := ConfidenceSummary{
		Total:    len(all),
		ByStatus: make(map[models.HypothesisStatus]int),
		ByKind:   make(map[models.HypothesisKind]int),
	}

	var sum float64
	for _, h := range all {
		sum += h.Confidence
		summary.ByStatus[h.Status]++
		summary.ByKind[h.Kind]++

		if h.Status == models.StatusConfirmed {
			summary.ConfirmedCount++
		}
		if h.Status == models.StatusNeedsRevision {
			summary.NeedsRevisionCount++
		}
		if h.Confidence >= ExportEligibleThreshold {
			summary.HighConfidenceCount++
			if h.Kind == models.KindEndpointSchema {
				summary.ExportEligibleCount++
			}
		}
		if h.Confidence < lowConfidenceCeiling {
			summary.LowConfidenceCount++
		}
	}
	if len(all) > 0 {
		summary.MeanConfidence = sum / float64(len(all))
	}
	return summary
}

func cloneHypothesis(h *models.Hypothesis) *models.Hypothesis {
	clone := *h
	clone.SupportingEvidence = append([]models.EvidenceRef{}, h.SupportingEvidence...)
	clone.ContradictingEvidence = append([]models.EvidenceRef{}, h.ContradictingEvidence...)
	clone.CompetingExplanations = append([]models.CompetingExplanation{}, h.CompetingExplanations...)
	clone.UntestedAssumptions = append([]string{}, h.UntestedAssumptions...)
	clone.ConfidenceHistory = append([]models.ConfidenceEvent{}, h.ConfidenceHistory...)
	clone.MergedFrom = append([]string{}, h.MergedFrom...)
	return &clone
}
