// Package session implements the control surface: the HTTP+WebSocket
// server that creates, starts, stops, inspects, and exports sessions,
// wiring one Supervisor and its six workers together per session and
// driving the scientific loop in its own goroutine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/BetterCallFirewall/Hackerecon/internal/analyst"
	"github.com/BetterCallFirewall/Hackerecon/internal/browser"
	"github.com/BetterCallFirewall/Hackerecon/internal/businesslogic"
	"github.com/BetterCallFirewall/Hackerecon/internal/critic"
	"github.com/BetterCallFirewall/Hackerecon/internal/fsmstore"
	"github.com/BetterCallFirewall/Hackerecon/internal/guardrail"
	"github.com/BetterCallFirewall/Hackerecon/internal/hypothesis"
	"github.com/BetterCallFirewall/Hackerecon/internal/interceptor"
	"github.com/BetterCallFirewall/Hackerecon/internal/llmprovider"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
	"github.com/BetterCallFirewall/Hackerecon/internal/navigator"
	"github.com/BetterCallFirewall/Hackerecon/internal/ratelimit"
	"github.com/BetterCallFirewall/Hackerecon/internal/report"
	"github.com/BetterCallFirewall/Hackerecon/internal/statehash"
	"github.com/BetterCallFirewall/Hackerecon/internal/store"
	"github.com/BetterCallFirewall/Hackerecon/internal/supervisor"
	"github.com/BetterCallFirewall/Hackerecon/internal/urlcluster"
	"github.com/BetterCallFirewall/Hackerecon/internal/verifier"
	"github.com/BetterCallFirewall/Hackerecon/internal/websocket"
)

// CreateSessionRequest is the body of a CreateSession call. Zero-valued
// optional fields fall back to the Manager's base Config.
type CreateSessionRequest struct {
	TargetURL             string   `json:"target_url"`
	AuthorizedDomains     []string `json:"authorized_domains,omitempty"`
	MaxLoopIterations     int      `json:"max_loop_iterations,omitempty"`
	MaxProbesPerIteration int      `json:"max_probes_per_iteration,omitempty"`
	ConfidenceThreshold   float64  `json:"confidence_threshold,omitempty"`
	EnableProbing         *bool    `json:"enable_probing,omitempty"`
	EnableFuzzing         *bool    `json:"enable_fuzzing,omitempty"`
}

// session is one running or paused exploration, bundling the Supervisor
// with the browser instance and event hub feeding its control surface.
type session struct {
	id        string
	targetURL string

	sv   *supervisor.Supervisor
	br   *browser.Browser
	hyps *hypothesis.Store
	vf   *verifier.Verifier
	hub  *websocket.Hub

	mu         sync.Mutex
	pendingObs []models.Observation
	cancel     context.CancelFunc
}

func (s *session) takePending() []models.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.pendingObs
	s.pendingObs = nil
	return obs
}

func (s *session) pushPending(o models.Observation) {
	s.mu.Lock()
	s.pendingObs = append(s.pendingObs, o)
	s.mu.Unlock()
}

// Manager owns every session created over the lifetime of the process. It
// is the root of the control surface's HTTP handlers.
type Manager struct {
	llm        llmprovider.Provider
	persist    *store.Store
	baseCfg    guardrail.Config
	browserCfg browser.Config
	limiter    *ratelimit.Limiter

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager returns a Manager bound to a language-model provider and a
// durable store, using baseCfg's scope/safety defaults for sessions that
// don't override them. Sessions share nothing else: no hypothesis, cache,
// or working-memory state crosses from one session to another.
func NewManager(llm llmprovider.Provider, persist *store.Store, baseCfg guardrail.Config, browserCfg browser.Config) *Manager {
	return &Manager{
		llm:        llm,
		persist:    persist,
		baseCfg:    baseCfg,
		browserCfg: browserCfg,
		limiter:    ratelimit.New(&ratelimit.Config{MaxRequestsPerMinute: baseCfg.MaxRequestsPerMinute, BurstSize: 5}),
		sessions:   make(map[string]*session),
	}
}

// CreateSession provisions a new session's workers and Supervisor but does
// not start exploring; call StartExploration to begin the loop.
func (m *Manager) CreateSession(req CreateSessionRequest) (*models.SessionRecord, error) {
	if req.TargetURL == "" {
		return nil, fmt.Errorf("session: target_url is required")
	}

	id := uuid.NewString()
	cfg := m.baseCfg
	if len(req.AuthorizedDomains) > 0 {
		cfg.AuthorizedDomains = req.AuthorizedDomains
	}
	if req.MaxLoopIterations > 0 {
		cfg.MaxLoopIterations = req.MaxLoopIterations
	}
	if req.EnableProbing != nil {
		cfg.EnableProbing = *req.EnableProbing
	}
	if req.EnableFuzzing != nil {
		cfg.EnableFuzzing = *req.EnableFuzzing
	}

	g := guardrail.New(cfg)
	if err := g.ValidateTargetURL(req.TargetURL); err != nil {
		return nil, err
	}

	browserCfg := m.browserCfg
	browserCfg.Origin = req.TargetURL
	br, err := browser.New(browserCfg)
	if err != nil {
		return nil, fmt.Errorf("session: create browser: %w", err)
	}

	nav := navigator.New(br, g, m.limiter, id)
	ic := interceptor.New(id)
	clusterer := urlcluster.New()
	hyps := hypothesis.New()
	fsm := fsmstore.New()

	an := analyst.New(clusterer, hyps, m.llm)
	bl := businesslogic.New(clusterer, hyps, m.llm)
	cr := critic.New(m.llm)

	httpClient := &rateLimitedClient{
		inner:     &http.Client{Timeout: 30 * time.Second},
		limiter:   m.limiter,
		sessionID: id,
	}
	vf := verifier.New(req.TargetURL, hyps, g, httpClient, verifier.AuthState{})

	maxProbes := req.MaxProbesPerIteration
	if maxProbes <= 0 {
		maxProbes = 5
	}
	sv := supervisor.New(id, supervisor.Config{
		MaxLoopIterations:     cfg.MaxLoopIterations,
		MaxProbesPerIteration: maxProbes,
	}, br, nav, ic, an, bl, cr, vf, hyps, fsm, g)

	sess := &session{id: id, targetURL: req.TargetURL, sv: sv, br: br, hyps: hyps, vf: vf, hub: websocket.NewHub(id)}
	go sess.hub.Run()
	go sess.forwardEvents()

	// The Supervisor's own explore phase owns interaction bookkeeping
	// (SetInteraction); this callback only classifies and queues traffic
	// as it arrives, leaving attribution to whatever interaction id was
	// last set.
	br.OnRequestResponse(func(rr interceptor.RequestResponse) {
		if obs, ok := ic.Observe(rr); ok {
			obs.SessionID = id
			sess.pushPending(obs)
			if m.persist != nil {
				if err := m.persist.SaveObservation(&obs); err != nil {
					slog.Error("store write failed", "session_id", id, "op", "save_observation", "error", err.Error())
				}
			}
		}
	})

	rec := &models.SessionRecord{
		ID:             id,
		TargetURL:      req.TargetURL,
		AllowedDomains: cfg.AuthorizedDomains,
		Status:         models.SessionPaused,
		Phase:          models.PhaseInit,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if m.persist != nil {
		if err := m.persist.UpsertSession(rec); err != nil {
			slog.Error("store write failed", "session_id", id, "op", "upsert_session", "error", err.Error())
			return nil, err
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	slog.Info("session created", "session_id", id, "target_url", req.TargetURL, "phase", models.PhaseInit)
	return rec, nil
}

// rateLimitedClient adapts an *http.Client to verifier.HTTPClient, blocking
// on the Manager's shared per-session Limiter before every probe request so
// the Verifier and the Navigator draw against the same request budget.
type rateLimitedClient struct {
	inner     *http.Client
	limiter   *ratelimit.Limiter
	sessionID string
}

func (c *rateLimitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context(), c.sessionID); err != nil {
		return nil, fmt.Errorf("session: rate limit wait: %w", err)
	}
	return c.inner.Do(req)
}

func (s *session) forwardEvents() {
	for ev := range s.sv.Events() {
		s.hub.Publish(ev)
	}
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: unknown session %q", id)
	}
	return sess, nil
}

// StartExploration begins running sess's scientific loop in a background
// goroutine. It is idempotent: calling it on an already-running session is
// a no-op.
func (m *Manager) StartExploration(id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.cancel != nil {
		sess.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.mu.Unlock()

	if err := sess.br.Start(ctx, sess.targetURL); err != nil {
		return fmt.Errorf("session: start browser: %w", err)
	}

	slog.Info("exploration started", "session_id", id, "target_url", sess.targetURL)
	go m.runLoop(ctx, sess)
	return nil
}

// runLoop drives RunIteration until the Supervisor reports termination or
// ctx is cancelled, bracketing each iteration with a page-state hash so the
// observations it gathered can be attributed to an FSM transition.
func (m *Manager) runLoop(ctx context.Context, sess *session) {
	beforeHash := sess.sv.LastStateHash()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		obsBatch := sess.takePending()
		terminated, err := sess.sv.RunIteration(ctx, obsBatch)

		if html, herr := sess.br.HTML(ctx); herr == nil {
			afterHash := supervisor.HashPage(buildPageNode(html))
			title, _ := sess.br.Title(ctx)
			for _, obs := range obsBatch {
				sess.sv.CaptureObservation(obs, beforeHash, afterHash, models.ActionClick, "", title)
			}
			beforeHash = afterHash
		}

		if cookies, cerr := sess.br.Cookies(ctx); cerr == nil && len(cookies) > 0 {
			sess.vf.SetAuth(verifier.AuthState{Cookies: cookies})
		}

		if m.persist != nil {
			if rec, gerr := m.persist.GetSession(sess.id); gerr == nil {
				snap := sess.sv.Status()
				rec.Status = snap.Status
				rec.Phase = snap.Phase
				rec.Iteration = snap.Iteration
				rec.UpdatedAt = time.Now()
				if uerr := m.persist.UpsertSession(rec); uerr != nil {
					slog.Error("store write failed", "session_id", sess.id, "op", "upsert_session", "error", uerr.Error())
				}
			}
		}

		if err != nil || terminated {
			if err != nil {
				slog.Error("loop iteration failed", "session_id", sess.id, "error", err.Error())
			}
			sess.br.Stop()
			slog.Info("exploration stopped", "session_id", sess.id, "terminated", terminated)
			return
		}
	}
}

// buildPageNode reduces a page's HTML into the simplified accessibility
// tree statehash.Hash expects, following the same goquery-driven DOM walk
// the Navigator uses to find actionable elements (internal/navigator).
func buildPageNode(html string) statehash.Node {
	root := statehash.Node{Role: "document"}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return root
	}

	doc.Find("h1, h2, h3, button, a, form, nav").Each(func(_ int, sel *goquery.Selection) {
		role := goquery.NodeName(sel)
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			name, _ = sel.Attr("aria-label")
		}
		root.Children = append(root.Children, statehash.Node{Role: role, Name: name})
	})

	return root
}

// StopExploration cancels sess's loop and releases its browser. Calling it
// on an already-stopped session is a no-op.
func (m *Manager) StopExploration(id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	cancel := sess.cancel
	sess.cancel = nil
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.limiter.Reset(id)
	slog.Info("exploration stop requested", "session_id", id)
	return nil
}

// Status reports sess's current snapshot.
func (m *Manager) Status(id string) (models.SessionSnapshot, error) {
	sess, err := m.get(id)
	if err != nil {
		return models.SessionSnapshot{}, err
	}
	return sess.sv.Status(), nil
}

// ExportOpenAPI returns the OpenAPI document covering sess's hypotheses at
// or above minConfidence.
func (m *Manager) ExportOpenAPI(id string, minConfidence float64) (any, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	hyps := sess.hyps.FilterList(id, hypothesis.Filter{MinConfidence: minConfidence})
	return report.BuildOpenAPI(sess.targetURL, hyps), nil
}

// ExportMarkdown returns the Markdown report covering sess's hypotheses.
func (m *Manager) ExportMarkdown(id string) (string, error) {
	sess, err := m.get(id)
	if err != nil {
		return "", err
	}
	hyps := sess.hyps.List(id)
	return report.BuildMarkdown(id, sess.targetURL, hyps), nil
}

// ExportJSON returns the JSON report covering sess's hypotheses.
func (m *Manager) ExportJSON(id string) (report.JSONReport, error) {
	sess, err := m.get(id)
	if err != nil {
		return report.JSONReport{}, err
	}
	hyps := sess.hyps.List(id)
	return report.BuildJSON(id, sess.targetURL, hyps), nil
}

// ServeEvents upgrades the request to a WebSocket subscription on sess's
// event stream.
func (m *Manager) ServeEvents(id string, w http.ResponseWriter, r *http.Request) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	sess.hub.ServeWS(w, r)
	return nil
}
