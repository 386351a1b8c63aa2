// Package fsmstore records page states and transitions discovered during
// exploration, enforcing the write-time invariant I5 (a transition's
// endpoint states must already exist; no other invariant is checked here) and answering
// unexplored-action and cycle-detection queries over the resulting graph.
package fsmstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

// ErrUnknownState is returned when a transition references a state hash
// that has not been added yet, violating I5.
var ErrUnknownState = fmt.Errorf("transition references an unknown state")

// Store holds the page-state graph for one or more sessions.
type Store struct {
	mu          sync.RWMutex
	states      map[string]map[uint64]*models.PageState // sessionID -> hash -> state
	transitions map[string][]models.Transition           // sessionID -> ordered transitions
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		states:      make(map[string]map[uint64]*models.PageState),
		transitions: make(map[string][]models.Transition),
	}
}

// AddState inserts a new page state, or increments the visit count of an
// existing one with the same hash. Returns true iff the state was new.
func (s *Store) AddState(sessionID string, hash uint64, url, title string) (bool, *models.PageState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[sessionID] == nil {
		s.states[sessionID] = make(map[uint64]*models.PageState)
	}

	if existing, ok := s.states[sessionID][hash]; ok {
		existing.VisitCount++
		return false, cloneState(existing)
	}

	state := &models.PageState{
		StateHash:  hash,
		URL:        url,
		Title:      title,
		FirstSeen:  time.Now(),
		VisitCount: 1,
	}
	s.states[sessionID][hash] = state
	return true, cloneState(state)
}

// HasState reports whether a state with this hash has been recorded.
func (s *Store) HasState(sessionID string, hash uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[sessionID][hash]
	return ok
}

// GetState returns a copy of the state for hash, if present.
func (s *Store) GetState(sessionID string, hash uint64) (*models.PageState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionID][hash]
	if !ok {
		return nil, false
	}
	return cloneState(state), true
}

// MarkDeadEnd flags a state as having no further productive actions.
func (s *Store) MarkDeadEnd(sessionID string, hash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sessionID][hash]
	if !ok {
		return ErrUnknownState
	}
	state.DeadEnd = true
	return nil
}

// AddTransition inserts a transition; always an insert, never deduplicated.
// Enforces I5: both endpoints must already exist in the state table.
func (s *Store) AddTransition(sessionID string, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[sessionID][t.FromHash]; !ok {
		return ErrUnknownState
	}
	if _, ok := s.states[sessionID][t.ToHash]; !ok {
		return ErrUnknownState
	}

	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.transitions[sessionID] = append(s.transitions[sessionID], t)
	return nil
}

// HasTransition reports whether this outgoing action has already been
// attempted from fromHash, regardless of outcome.
func (s *Store) HasTransition(sessionID string, fromHash uint64, actionKind models.ActionKind, actionTarget string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.transitions[sessionID] {
		if t.FromHash == fromHash && t.ActionKind == actionKind && t.ActionTarget == actionTarget {
			return true
		}
	}
	return false
}

// UnexploredActions filters candidates down to those not yet attempted from
// fromHash.
func (s *Store) UnexploredActions(sessionID string, fromHash uint64, candidates []models.UIActionRecord) []models.UIActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempted := make(map[string]struct{})
	for _, t := range s.transitions[sessionID] {
		if t.FromHash != fromHash {
			continue
		}
		attempted[string(t.ActionKind)+"|"+t.ActionTarget] = struct{}{}
	}

	var out []models.UIActionRecord
	for _, c := range candidates {
		if _, seen := attempted[string(c.Kind)+"|"+c.Target]; !seen {
			out = append(out, c)
		}
	}
	return out
}

// Cycle is a sequence of state hashes forming a detected cycle, in visit
// order, with the back-edge that closed the loop appended implicitly
// (Path[len-1] -> Path[0]).
type Cycle struct {
	Path []uint64
}

// DetectCycles runs DFS over the success-only edge subgraph and returns
// every back-edge cycle found.
func (s *Store) DetectCycles(sessionID string) []Cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adjacency := make(map[uint64][]uint64)
	for _, t := range s.transitions[sessionID] {
		if !t.Success {
			continue
		}
		adjacency[t.FromHash] = append(adjacency[t.FromHash], t.ToHash)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int)
	var stack []uint64
	var cycles []Cycle

	var visit func(node uint64)
	visit = func(node uint64) {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycles = append(cycles, Cycle{Path: backEdgeCyclePath(stack, next)})
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for node := range s.states[sessionID] {
		if color[node] == white {
			visit(node)
		}
	}

	return cycles
}

func backEdgeCyclePath(stack []uint64, target uint64) []uint64 {
	for i, n := range stack {
		if n == target {
			path := make([]uint64, len(stack)-i)
			copy(path, stack[i:])
			return path
		}
	}
	return append([]uint64{}, stack...)
}

// Graph is the full node/edge view of a session's explored state space,
// suitable for visualization or export.
type Graph struct {
	States      []*models.PageState
	Transitions []models.Transition
}

// Graph returns the full node/edge view for session.
func (s *Store) Graph(sessionID string) Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := Graph{}
	for _, st := range s.states[sessionID] {
		g.States = append(g.States, cloneState(st))
	}
	g.Transitions = append(g.Transitions, s.transitions[sessionID]...)
	return g
}

func cloneState(s *models.PageState) *models.PageState {
	clone := *s
	return &clone
}
