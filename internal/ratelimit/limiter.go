// Package ratelimit throttles outbound requests per session, shared by the
// Navigator (click- and submit-triggered navigations) and the Verifier's
// HTTP client (probes) so neither races past the configured rate. The
// Interceptor never issues requests itself — it only observes traffic the
// Navigator already triggered — so it never calls this package directly.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the limits for a session's request rate.
type Config struct {
	MaxRequestsPerMinute int
	BurstSize            int
}

// DefaultConfig returns the conservative default rate configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestsPerMinute: 60,
		BurstSize:            5,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("MaxRequestsPerMinute must be positive")
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("BurstSize must be positive")
	}
	if c.MaxRequestsPerMinute > 6000 {
		return fmt.Errorf("MaxRequestsPerMinute too large (> 6000)")
	}
	return nil
}

// perMinuteToLimit converts a requests-per-minute rate to the
// events-per-second rate.Limiter expects.
func perMinuteToLimit(maxRPM int) rate.Limit {
	return rate.Limit(float64(maxRPM) / 60.0)
}

// Limiter wraps a golang.org/x/time/rate.Limiter per session, enforcing a
// minimum inter-request interval of 60/max_rps seconds for the session's
// shared request budget.
type Limiter struct {
	mu       sync.RWMutex
	config   *Config
	limiters map[string]*rate.Limiter
}

// New returns a Limiter using the given default configuration for any
// session not given an explicit override.
func New(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &Limiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) limiterFor(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(perMinuteToLimit(l.config.MaxRequestsPerMinute), l.config.BurstSize)
		l.limiters[sessionID] = lim
	}
	return lim
}

// Wait blocks until sessionID's budget admits one more request, or ctx is
// cancelled.
func (l *Limiter) Wait(ctx context.Context, sessionID string) error {
	return l.limiterFor(sessionID).Wait(ctx)
}

// Allow reports whether sessionID may make one more request right now,
// without blocking.
func (l *Limiter) Allow(sessionID string) bool {
	return l.limiterFor(sessionID).Allow()
}

// MinInterval returns the minimum inter-request interval implied by the
// configured rate, matching 60/max_rps.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(float64(time.Minute) / float64(c.MaxRequestsPerMinute))
}

// Reset discards sessionID's limiter state, e.g. once its session ends.
func (l *Limiter) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}
