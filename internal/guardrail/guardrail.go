// Package guardrail enforces authorized-use-only scope and safety limits on
// every navigation, action, probe, and iteration the engine attempts.
package guardrail

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Hackerecon/internal/engineerr"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

var blockedActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)logout`),
	regexp.MustCompile(`(?i)delete.*account`),
	regexp.MustCompile(`(?i)password.*reset`),
	regexp.MustCompile(`(?i)/admin/.*delete`),
}

var externalBlockedDomains = []string{
	"google.com",
	"facebook.com",
	"twitter.com",
	"analytics.google.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
}

var fuzzingProbes = map[models.ProbeKind]bool{
	models.ProbeBoundaryValue: true,
	models.ProbeChangeType:    true,
}

// Config is the per-session scope and safety configuration.
type Config struct {
	AuthorizedDomains    []string
	MaxRequestsPerMinute int
	MaxLoopIterations    int
	EnableProbing        bool
	EnableFuzzing        bool
}

// Guardrail enforces Config against proposed navigations, actions, probes,
// and iterations. Safe for concurrent use; the rate-limit counter is the
// only mutable state.
type Guardrail struct {
	config Config

	mu                  sync.Mutex
	requestsThisMinute  int
	minuteStart         time.Time
}

// New returns a Guardrail for the given configuration.
func New(config Config) *Guardrail {
	return &Guardrail{config: config, minuteStart: time.Now()}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engineerr.ErrGuardrail, fmt.Sprintf(format, args...))
}

// ValidateTargetURL checks that url's domain is not externally blocked and,
// if an authorized-domains allowlist is configured, that the domain (or a
// subdomain of it) appears in that list.
func (g *Guardrail) ValidateTargetURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return violation("unparseable target URL %q", rawURL)
	}
	domain := strings.ToLower(parsed.Hostname())

	for _, blocked := range externalBlockedDomains {
		if strings.Contains(domain, blocked) {
			return violation("domain %q is blocked (external service)", domain)
		}
	}

	if len(g.config.AuthorizedDomains) == 0 {
		return nil
	}

	for _, authorized := range g.config.AuthorizedDomains {
		if domain == authorized || strings.HasSuffix(domain, "."+authorized) {
			return nil
		}
	}

	return violation("domain %q is not in authorized domains %v", domain, g.config.AuthorizedDomains)
}

// ValidateAction checks a proposed UI action against the blocked-pattern
// list and, for navigate actions, against ValidateTargetURL.
func (g *Guardrail) ValidateAction(kind models.ActionKind, target, currentURL string) error {
	context := strings.ToLower(currentURL + " " + target)
	for _, pattern := range blockedActionPatterns {
		if pattern.MatchString(context) {
			return violation("action blocked by safety pattern %q", pattern.String())
		}
	}

	if kind == models.ActionNavigate {
		return g.ValidateTargetURL(target)
	}
	return nil
}

// CheckRateLimit increments and checks the per-minute request counter,
// resetting it once a minute has elapsed since the window started.
func (g *Guardrail) CheckRateLimit(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.minuteStart) >= time.Minute {
		g.requestsThisMinute = 0
		g.minuteStart = now
	}

	if g.requestsThisMinute >= g.config.MaxRequestsPerMinute {
		return violation("rate limit exceeded: %d requests/minute", g.config.MaxRequestsPerMinute)
	}

	g.requestsThisMinute++
	return nil
}

// ValidateProbe checks that probing is enabled for the session and, for
// fuzzing-class probes, that fuzzing is separately enabled.
func (g *Guardrail) ValidateProbe(kind models.ProbeKind) error {
	if !g.config.EnableProbing {
		return violation("probing is disabled for this session")
	}
	if fuzzingProbes[kind] && !g.config.EnableFuzzing {
		return violation("probe kind %q requires fuzzing to be enabled", kind)
	}
	return nil
}

// ValidateIteration checks the Supervisor's current iteration against the
// configured budget.
func (g *Guardrail) ValidateIteration(current int) error {
	if current >= g.config.MaxLoopIterations {
		return violation("maximum iterations exceeded: %d", g.config.MaxLoopIterations)
	}
	return nil
}

// ScopeDeclaration summarizes the current scope and safety settings for
// display to an operator.
type ScopeDeclaration struct {
	AuthorizedDomains    []string
	MaxRequestsPerMinute int
	MaxLoopIterations    int
	ProbingEnabled       bool
	FuzzingEnabled       bool
	Disclaimer           string
}

// ScopeDeclaration returns the current scope and safety settings.
func (g *Guardrail) ScopeDeclaration() ScopeDeclaration {
	return ScopeDeclaration{
		AuthorizedDomains:    g.config.AuthorizedDomains,
		MaxRequestsPerMinute: g.config.MaxRequestsPerMinute,
		MaxLoopIterations:    g.config.MaxLoopIterations,
		ProbingEnabled:       g.config.EnableProbing,
		FuzzingEnabled:       g.config.EnableFuzzing,
		Disclaimer: "This system is for AUTHORIZED USE ONLY. Users must have explicit " +
			"permission to analyze target systems. The system performs validation " +
			"probing, not exploitation.",
	}
}
