// Package engineerr defines the error taxonomy shared across the scientific
// loop engine's phases so callers can branch recovery behavior with
// errors.Is/errors.As instead of string matching.
package engineerr

import "errors"

var (
	// ErrGuardrail marks a target/action/rate/probe/iteration guardrail
	// rejection. Recovered locally; the offending action is skipped.
	ErrGuardrail = errors.New("guardrail violation")

	// ErrTransientBrowser marks a navigation timeout, missing element, or
	// stale overlay. The Navigator falls back to a simpler strategy.
	ErrTransientBrowser = errors.New("transient browser error")

	// ErrTransientNetwork marks a probe-level timeout or connection reset.
	// The probe is recorded inconclusive.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrStoreWrite marks a persistence failure. Retried once synchronously
	// by the caller; a second failure propagates and abandons the phase.
	ErrStoreWrite = errors.New("store write error")

	// ErrLLM marks a provider invocation or structured-output parse
	// failure. Components fall back to their deterministic strategy.
	ErrLLM = errors.New("language model error")

	// ErrInvariant marks a violated data-model invariant (I1-I6). Fatal
	// for the owning session.
	ErrInvariant = errors.New("invariant violation")
)

// Category classifies an error into one of the six taxonomy buckets so the
// session driver can decide whether to increment the error counter.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryGuardrail
	CategoryTransientBrowser
	CategoryTransientNetwork
	CategoryStoreWrite
	CategoryLLM
	CategoryInvariant
)

func (c Category) String() string {
	switch c {
	case CategoryGuardrail:
		return "guardrail"
	case CategoryTransientBrowser:
		return "transient_browser"
	case CategoryTransientNetwork:
		return "transient_network"
	case CategoryStoreWrite:
		return "store_write"
	case CategoryLLM:
		return "llm"
	case CategoryInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Classify maps an error to its taxonomy category by sentinel membership.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, ErrGuardrail):
		return CategoryGuardrail
	case errors.Is(err, ErrTransientBrowser):
		return CategoryTransientBrowser
	case errors.Is(err, ErrTransientNetwork):
		return CategoryTransientNetwork
	case errors.Is(err, ErrStoreWrite):
		return CategoryStoreWrite
	case errors.Is(err, ErrLLM):
		return CategoryLLM
	case errors.Is(err, ErrInvariant):
		return CategoryInvariant
	default:
		return CategoryUnknown
	}
}

// CountsTowardErrorBudget reports whether an error of this category should
// increment the session's consecutive-error counter. Only store-write
// failures and unclassified errors count; everything else has a local,
// deterministic recovery path.
func CountsTowardErrorBudget(err error) bool {
	switch Classify(err) {
	case CategoryStoreWrite, CategoryUnknown:
		return err != nil
	default:
		return false
	}
}
