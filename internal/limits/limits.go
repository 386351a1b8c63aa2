// Package limits centralizes the bounded-size policy of the worker
// scratchpads: how many recent items to keep, how long
// before an item is stale, and how to trim a collection back down once it
// overflows.
package limits

import (
	"fmt"
	"time"
)

// WorkingMemoryLimits bounds one worker's scratchpad and the per-session
// caches layered in front of the persistent stores.
type WorkingMemoryLimits struct {
	MaxRecentActions      int           `json:"max_recent_actions"`
	MaxDraftHypotheses    int           `json:"max_draft_hypotheses"`
	MaxResponseSamples    int           `json:"max_response_samples"`
	MaxAge                time.Duration `json:"max_age"`
	MaxURLClusters        int           `json:"max_url_clusters"`
	MaxNotesPerCluster    int           `json:"max_notes_per_cluster"`
}

// DefaultWorkingMemoryLimits returns the bounds the Supervisor applies when
// a session doesn't override them.
func DefaultWorkingMemoryLimits() *WorkingMemoryLimits {
	return &WorkingMemoryLimits{
		MaxRecentActions:   10,
		MaxDraftHypotheses: 20,
		MaxResponseSamples: 5,
		MaxAge:             24 * time.Hour,
		MaxURLClusters:     100,
		MaxNotesPerCluster: 100,
	}
}

// Limiter applies WorkingMemoryLimits to bounded collections.
type Limiter struct {
	limits *WorkingMemoryLimits
}

// NewLimiter returns a Limiter; a nil limits argument falls back to
// DefaultWorkingMemoryLimits.
func NewLimiter(limits *WorkingMemoryLimits) *Limiter {
	if limits == nil {
		limits = DefaultWorkingMemoryLimits()
	}
	return &Limiter{limits: limits}
}

// Limits returns the limiter's current bounds.
func (l *Limiter) Limits() *WorkingMemoryLimits {
	return l.limits
}

// Update replaces the limiter's bounds, rejecting a non-positive field.
func (l *Limiter) Update(limits *WorkingMemoryLimits) error {
	switch {
	case limits.MaxRecentActions <= 0:
		return fmt.Errorf("limits: MaxRecentActions must be positive")
	case limits.MaxDraftHypotheses <= 0:
		return fmt.Errorf("limits: MaxDraftHypotheses must be positive")
	case limits.MaxResponseSamples <= 0:
		return fmt.Errorf("limits: MaxResponseSamples must be positive")
	case limits.MaxAge <= 0:
		return fmt.Errorf("limits: MaxAge must be positive")
	case limits.MaxURLClusters <= 0:
		return fmt.Errorf("limits: MaxURLClusters must be positive")
	case limits.MaxNotesPerCluster <= 0:
		return fmt.Errorf("limits: MaxNotesPerCluster must be positive")
	}
	l.limits = limits
	return nil
}

// IsStale reports whether a Unix timestamp is older than MaxAge.
func (l *Limiter) IsStale(unixTimestamp int64) bool {
	cutoff := time.Now().Add(-l.limits.MaxAge).Unix()
	return unixTimestamp < cutoff
}

// TrimStrings drops the oldest entries of a slice until it fits max,
// keeping the most recently appended tail.
func TrimStrings(items []string, max int) []string {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}
