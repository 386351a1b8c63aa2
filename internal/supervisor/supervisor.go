// Package supervisor drives one session through the fixed six-phase loop
// (explore, observe, infer, critique, probe, update), wiring the Navigator,
// Interceptor, Analyst, BusinessLogic, Critic and Verifier against the
// Hypothesis Store and FSM Store, and publishing progress on an event
// stream consumed by the control surface.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/analyst"
	"github.com/BetterCallFirewall/Hackerecon/internal/businesslogic"
	"github.com/BetterCallFirewall/Hackerecon/internal/critic"
	"github.com/BetterCallFirewall/Hackerecon/internal/engineerr"
	"github.com/BetterCallFirewall/Hackerecon/internal/fsmstore"
	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/interceptor"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/navigator"
	"github.com/BetterCallFirewall/Hackerecon/internal/scratchpad"
	"github.com/BetterCallFirewall/Hackerecon/internal/statehash"
	"github.com/BetterCallFirewall/Hackerecon/internal/verifier"
)

const (
	consecutiveErrorLimit        = 10
	confirmedCountThreshold      = 5
	meanConfidenceThreshold      = 0.8
	noObservationExploreLimit    = 15
	phaseTimeoutMultiplier       = 2
	explorePhaseBudget           = 30 * time.Second
	inferPhaseBudget             = 60 * time.Second
	critiquePhaseBudget          = 60 * time.Second
	probePhaseBudget             = 30 * time.Second
	eventBufferSize              = 256
)

// Config bundles the session-scoped knobs the Supervisor needs that don't
// belong to any one worker.
type Config struct {
	MaxLoopIterations     int
	MaxProbesPerIteration int
}

// Supervisor owns one session's run through the scientific loop.
type Supervisor struct {
	sessionID string
	config    Config

	driver        navigator.Driver
	navigator     *navigator.Navigator
	interceptor   *interceptor.Interceptor
	analyst       *analyst.Analyst
	businessLogic *businesslogic.BusinessLogic
	critic        *critic.Critic
	verifier      *verifier.Verifier
	hypotheses    *hypothesis.Store
	fsm           *fsmstore.Store
	guardrail     *guardrail.Guardrail

	events chan models.EngineEvent

	iteration                   int
	phase                       models.LoopPhase
	status                      models.SessionStatus
	consecutiveErrors           int
	consecutiveNoObservationRun int
	currentURL                  string
	lastStateHash               uint64
	interceptionCounter         int64
	unexplored                  map[int]bool

	pendingObservations []models.Observation
	pendingHypotheses    []*models.Hypothesis
	pendingReviews       []models.CriticReview
	pendingProbeResults  []models.ProbeResult

	navigatorScratch     *scratchpad.Navigator
	analystScratch       *scratchpad.Analyst
	criticScratch        *scratchpad.Critic
	businessLogicScratch *scratchpad.BusinessLogic
	verifierScratch      *scratchpad.Verifier

	notes *scratchpad.Notes
}

// New wires a Supervisor for one session out of already-constructed
// workers and stores.
func New(
	sessionID string,
	config Config,
	driver navigator.Driver,
	nav *navigator.Navigator,
	ic *interceptor.Interceptor,
	an *analyst.Analyst,
	bl *businesslogic.BusinessLogic,
	cr *critic.Critic,
	vf *verifier.Verifier,
	hypotheses *hypothesis.Store,
	fsm *fsmstore.Store,
	g *guardrail.Guardrail,
) *Supervisor {
	return &Supervisor{
		sessionID:     sessionID,
		config:        config,
		driver:        driver,
		navigator:     nav,
		interceptor:   ic,
		analyst:       an,
		businessLogic: bl,
		critic:        cr,
		verifier:      vf,
		hypotheses:    hypotheses,
		fsm:           fsm,
		guardrail:     g,
		events:        make(chan models.EngineEvent, eventBufferSize),
		phase:         models.PhaseInit,
		status:        models.SessionPaused,
		unexplored:    make(map[int]bool),

		navigatorScratch:     scratchpad.NewNavigator(sessionID, nil),
		analystScratch:       scratchpad.NewAnalyst(sessionID, nil),
		criticScratch:        scratchpad.NewCritic(sessionID, nil),
		businessLogicScratch: scratchpad.NewBusinessLogic(sessionID, nil),
		verifierScratch:      scratchpad.NewVerifier(sessionID, nil),

		notes: scratchpad.NewNotes(),
	}
}

// Events returns the subscription channel consumed by the control surface.
// Sends are non-blocking: a slow or absent subscriber drops events rather
// than stalling the loop.
func (sv *Supervisor) Events() <-chan models.EngineEvent {
	return sv.events
}

// Notes returns the session-level notes store, filled from the Navigator's
// step notes, independent of each worker's own private scratchpad and never
// cleared at the Update phase boundary.
func (sv *Supervisor) Notes() *scratchpad.Notes {
	return sv.notes
}

func (sv *Supervisor) emit(kind models.EventKind, category, message string, payload any) {
	ev := models.EngineEvent{
		SessionID: sv.sessionID,
		Kind:      kind,
		Timestamp: time.Now(),
		Iteration: sv.iteration,
		Phase:     sv.phase,
		Category:  category,
		Message:   message,
		Payload:   payload,
	}
	select {
	case sv.events <- ev:
	default:
	}
}

func (sv *Supervisor) setPhase(p models.LoopPhase) {
	sv.phase = p
	slog.Info("phase transition", "session_id", sv.sessionID, "iteration", sv.iteration, "phase", p)
	sv.emit(models.EventPhaseChanged, "", fmt.Sprintf("entering %s", p), nil)
}

// Status reports the current snapshot for the control surface's Status op.
func (sv *Supervisor) Status() models.SessionSnapshot {
	return models.SessionSnapshot{
		Running:    sv.status == models.SessionRunning,
		Status:     sv.status,
		Iteration:  sv.iteration,
		Phase:      sv.phase,
		CurrentURL: sv.currentURL,
		Confidence: sv.hypotheses.Summarize(sv.sessionID),
	}
}

// recordError classifies err and, if it counts toward the session's error
// budget, increments the consecutive-error counter; any other outcome
// resets it, matching the taxonomy's "recovered locally" categories.
func (sv *Supervisor) recordError(err error) {
	if err == nil {
		return
	}
	if engineerr.CountsTowardErrorBudget(err) {
		sv.consecutiveErrors++
		slog.Warn("supervisor error", "session_id", sv.sessionID, "phase", sv.phase,
			"category", engineerr.Classify(err).String(), "error", err.Error(), "consecutive_errors", sv.consecutiveErrors)
		sv.emit(models.EventError, engineerr.Classify(err).String(), err.Error(), nil)
	}
}

func (sv *Supervisor) resetErrors() {
	sv.consecutiveErrors = 0
}

// runPhase executes fn under a budget; if fn overruns twice its budget the
// phase is abandoned and the error counter increments, per §5's
// twice-expected-time abandonment rule. fn is expected to honor ctx
// cancellation at its own suspension points.
func (sv *Supervisor) runPhase(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) error {
	phaseCtx, cancel := context.WithTimeout(ctx, phaseTimeoutMultiplier*budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(phaseCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-phaseCtx.Done():
		sv.consecutiveErrors++
		slog.Warn("phase abandoned", "session_id", sv.sessionID, "phase", sv.phase, "budget", budget)
		return fmt.Errorf("supervisor: phase %s abandoned: %w", sv.phase, phaseCtx.Err())
	}
}

// explore runs one Navigator step and updates the FSM Store with any new
// page state and transition it produces.
func (sv *Supervisor) explore(ctx context.Context) error {
	// Step bundles several UI actions into one overlay pass, so the
	// interaction id granularity is per-step, not per-action; traffic
	// arriving during this explore phase is attributed to the step as a
	// whole rather than to whichever individual click or fill triggered it.
	if sv.interceptor != nil {
		sv.interceptionCounter++
		sv.interceptor.SetInteraction(sv.interceptionCounter, models.ActionClick)
	}

	result, err := sv.navigator.Step(ctx, sv.unexplored)
	if err != nil {
		sv.recordError(err)
		sv.navigatorScratch.RecordFailure("step", sv.currentURL, err.Error())
		return nil
	}

	for _, action := range result.Actions {
		sv.navigatorScratch.AddAction(action, 0)
	}

	if sv.driver != nil {
		if url, err := sv.driver.CurrentURL(ctx); err == nil && url != "" {
			sv.currentURL = url
		}
	}

	for i, note := range result.Notes {
		sv.notes.Set(fmt.Sprintf("%s#%d", sv.currentURL, i), note)
	}

	// Every completed step extends the no-observation streak; observe resets
	// it when the iteration's batch carries new observations.
	sv.consecutiveNoObservationRun++
	if len(result.Actions) == 0 {
		sv.navigatorScratch.MarkDeadEnd(sv.currentURL)
	}
	return nil
}

// observe drains the Interceptor's quiesced observations into the
// per-iteration buffer and reports whether any new observation arrived.
func (sv *Supervisor) observe(newObservations []models.Observation) bool {
	if len(newObservations) == 0 {
		return false
	}
	sv.pendingObservations = append(sv.pendingObservations, newObservations...)
	sv.consecutiveNoObservationRun = 0
	sv.navigator.RecordObservation()
	for _, obs := range newObservations {
		sv.navigatorScratch.AddObservationID(obs.ID, 0)
		sv.analystScratch.AddToCluster(obs.Method+" "+obs.URL, obs.URL)
		sv.emit(models.EventObservationCaptured, "", fmt.Sprintf("%s %s -> %d", obs.Method, obs.URL, obs.Status), obs)
	}
	return true
}

// infer runs the Analyst and BusinessLogic over the pending observations
// and records every hypothesis they produce as pending for critique.
func (sv *Supervisor) infer(ctx context.Context) error {
	if sv.analyst != nil {
		hs, err := sv.analyst.Run(ctx, sv.sessionID, sv.pendingObservations)
		if err != nil {
			sv.recordError(fmt.Errorf("%w: analyst: %v", engineerr.ErrLLM, err))
		}
		sv.pendingHypotheses = append(sv.pendingHypotheses, hs...)
	}
	if sv.businessLogic != nil {
		hs, err := sv.businessLogic.Run(ctx, sv.sessionID, sv.pendingObservations)
		if err != nil {
			sv.recordError(fmt.Errorf("%w: businesslogic: %v", engineerr.ErrLLM, err))
		}
		sv.pendingHypotheses = append(sv.pendingHypotheses, hs...)
	}
	for _, h := range sv.pendingHypotheses {
		switch h.Kind {
		case models.KindEndpointSchema:
			sv.analystScratch.AddDraftHypothesis(h)
		default:
			sv.businessLogicScratch.AddDraftHypothesis(h)
		}
		sv.emit(models.EventHypothesisCreated, "", h.Description, h)
	}
	return nil
}

// critique reviews every pending hypothesis and queues the reviews that
// carry required probes. It also cross-checks the batch against the
// Hypothesis Store's structural contradiction detector, so a review's
// Contradictions field reflects schema/permission disagreements the LLM
// critic itself never saw, not just ones it happened to mention.
func (sv *Supervisor) critique(ctx context.Context) error {
	if sv.critic == nil {
		return nil
	}

	contradictions := sv.hypotheses.FindContradictions(sv.sessionID)
	contradictingIDs := make(map[string][]string)
	for _, pair := range contradictions {
		contradictingIDs[pair.A.ID] = append(contradictingIDs[pair.A.ID], pair.B.ID)
		contradictingIDs[pair.B.ID] = append(contradictingIDs[pair.B.ID], pair.A.ID)
		sv.criticScratch.AddContradiction(pair.A.ID, pair.B.ID)
	}

	for _, h := range sv.pendingHypotheses {
		sv.criticScratch.AddToReviewQueue(h.ID)
		review := sv.critic.Review(ctx, h)
		if others, ok := contradictingIDs[h.ID]; ok {
			review.Contradictions = append(review.Contradictions, others...)
		}
		if _, err := sv.hypotheses.ApplyCritic(sv.sessionID, h.ID, review); err != nil {
			sv.recordError(fmt.Errorf("%w: apply critic review: %v", engineerr.ErrStoreWrite, err))
			continue
		}
		sv.criticScratch.MarkReviewed(h.ID)
		sv.criticScratch.LogChallenge(review)
		sv.emit(models.EventCriticReview, string(review.Verdict), review.AdjustmentReason, review)
		sv.pendingReviews = append(sv.pendingReviews, review)
	}
	return nil
}

func (sv *Supervisor) anyReviewNeedsProbes() bool {
	for _, r := range sv.pendingReviews {
		if len(r.RequiredProbes) > 0 {
			return true
		}
	}
	return false
}

// probe runs every queued required probe through the Verifier, bounded by
// max_probes_per_iteration.
func (sv *Supervisor) probe(ctx context.Context) error {
	if sv.verifier == nil || len(sv.pendingReviews) == 0 {
		return nil
	}
	max := sv.config.MaxProbesPerIteration
	if max <= 0 {
		max = len(sv.pendingReviews)
	}
	results, err := sv.verifier.RunProbes(ctx, sv.sessionID, sv.pendingReviews, max)
	if err != nil {
		sv.recordError(fmt.Errorf("%w: verifier: %v", engineerr.ErrTransientNetwork, err))
	}
	sv.pendingProbeResults = append(sv.pendingProbeResults, results...)
	for _, r := range results {
		sv.verifierScratch.RecordResult(r)
		sv.emit(models.EventProbeResult, string(r.Outcome), r.Notes, r)
	}
	return nil
}

// update evaluates the termination predicate and clears the per-iteration
// buffers; the persistent stores are never cleared here.
func (sv *Supervisor) update() bool {
	terminate := sv.terminationPredicateHolds()

	sv.pendingObservations = nil
	sv.pendingHypotheses = nil
	sv.pendingReviews = nil
	sv.pendingProbeResults = nil

	sv.navigatorScratch.Clear()
	sv.analystScratch.Clear()
	sv.criticScratch.Clear()
	sv.businessLogicScratch.Clear()
	sv.verifierScratch.Clear()

	return terminate
}

func (sv *Supervisor) terminationPredicateHolds() bool {
	if sv.config.MaxLoopIterations > 0 && sv.iteration >= sv.config.MaxLoopIterations {
		return true
	}
	if sv.consecutiveErrors > consecutiveErrorLimit {
		return true
	}
	summary := sv.hypotheses.Summarize(sv.sessionID)
	if summary.ConfirmedCount > confirmedCountThreshold && summary.MeanConfidence > meanConfidenceThreshold {
		return true
	}
	if sv.consecutiveNoObservationRun >= noObservationExploreLimit {
		return true
	}
	return false
}

// RunIteration executes exactly one pass through the fixed phase cycle,
// starting at explore. Every exit point — whether it short-circuits back to
// explore or walks the full infer/critique/probe chain — runs the update
// phase's termination check and buffer clear before returning, since the
// no-new-observation streak that feeds the termination predicate only
// advances on the short-circuit path. newObservations is the Interceptor's
// quiesced batch for this iteration, pushed in by the session driver after
// the explore phase's actions settle.
func (sv *Supervisor) RunIteration(ctx context.Context, newObservations []models.Observation) (terminated bool, err error) {
	sv.iteration++
	sv.status = models.SessionRunning

	if verr := sv.guardrail.ValidateIteration(sv.iteration); verr != nil {
		slog.Warn("guardrail rejected iteration", "session_id", sv.sessionID, "iteration", sv.iteration, "error", verr.Error())
		sv.emit(models.EventError, "guardrail", verr.Error(), nil)
		return sv.finishIteration(), nil
	}

	sv.setPhase(models.PhaseExplore)
	if perr := sv.runPhase(ctx, explorePhaseBudget, sv.explore); perr != nil {
		sv.recordError(perr)
	} else {
		sv.resetErrors()
	}

	sv.setPhase(models.PhaseObserve)
	hasNew := sv.observe(newObservations)
	if !hasNew {
		return sv.finishIteration(), nil
	}

	sv.setPhase(models.PhaseInfer)
	if perr := sv.runPhase(ctx, inferPhaseBudget, sv.infer); perr != nil {
		sv.recordError(perr)
	}
	if len(sv.pendingHypotheses) == 0 {
		return sv.finishIteration(), nil
	}

	sv.setPhase(models.PhaseCritique)
	if perr := sv.runPhase(ctx, critiquePhaseBudget, sv.critique); perr != nil {
		sv.recordError(perr)
	}

	if sv.anyReviewNeedsProbes() {
		sv.setPhase(models.PhaseProbe)
		if perr := sv.runPhase(ctx, probePhaseBudget, sv.probe); perr != nil {
			sv.recordError(perr)
		}
	}

	sv.setPhase(models.PhaseUpdate)
	return sv.finishIteration(), nil
}

// finishIteration runs the update phase's termination check and buffer
// clear, and transitions status/phase to terminal when it holds.
func (sv *Supervisor) finishIteration() bool {
	terminated := sv.update()
	if terminated {
		sv.phase = models.PhaseTerminate
		sv.status = models.SessionCompleted
		slog.Info("session terminated", "session_id", sv.sessionID, "iteration", sv.iteration)
	}
	return terminated
}

// CaptureObservation feeds one Interceptor-accepted observation into the
// Navigator's interaction bookkeeping and the FSM Store's transition log,
// keyed by the page-state hash the caller computed for before/after.
func (sv *Supervisor) CaptureObservation(obs models.Observation, fromHash, toHash uint64, action models.ActionKind, actionTarget string, title string) {
	_, _ = sv.fsm.AddState(sv.sessionID, fromHash, obs.PageURL, title)
	_, _ = sv.fsm.AddState(sv.sessionID, toHash, obs.PageURL, title)
	_ = sv.fsm.AddTransition(sv.sessionID, models.Transition{
		FromHash:       fromHash,
		ToHash:         toHash,
		ActionKind:     action,
		ActionTarget:   actionTarget,
		Success:        obs.Status < 400,
		Timestamp:      obs.Timestamp,
		ObservationIDs: []string{obs.ID},
	})
	sv.lastStateHash = toHash
}

// LastStateHash returns the most recently captured page-state hash, used by
// the session driver as the fromHash anchor for the next transition.
func (sv *Supervisor) LastStateHash() uint64 {
	return sv.lastStateHash
}

// HashPage computes the page-state identity hash for a DOM snapshot,
// exposed so the session driver can compute fromHash/toHash without
// importing statehash directly.
func HashPage(root statehash.Node) uint64 {
	return statehash.Hash(root)
}
