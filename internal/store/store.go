// Package store persists session state to a single SQLite file, giving the
// engine durability across process restarts on top of the purely in-memory
// fsmstore and hypothesis stores that serve the live session loop. Tables
// and indexes are created once at startup, mirroring the reference pack's
// table-creation-loop idiom: a slice of schema statements applied in a
// single pass, followed by index statements in a second pass.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BetterCallFirewall/Hackerecon/internal/engineerr"
	"github.com/BetterCallFirewall/Hackerecon/internal/models"
)

// Store is a SQLite-backed persistence layer for session data. All methods
// are safe for concurrent use.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under our own mutex anyway

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		target_url TEXT NOT NULL,
		allowed_domains TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS page_states (
		session_id TEXT NOT NULL,
		state_hash INTEGER NOT NULL,
		url TEXT NOT NULL,
		title TEXT,
		first_seen DATETIME NOT NULL,
		visit_count INTEGER NOT NULL DEFAULT 1,
		dead_end INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, state_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_state INTEGER NOT NULL,
		to_state INTEGER NOT NULL,
		action_kind TEXT NOT NULL,
		action_target TEXT,
		success INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		observation_ids TEXT,
		FOREIGN KEY (session_id, from_state) REFERENCES page_states(session_id, state_hash),
		FOREIGN KEY (session_id, to_state) REFERENCES page_states(session_id, state_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		interaction_id INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		request_headers TEXT,
		request_body TEXT,
		status INTEGER NOT NULL,
		response_headers TEXT,
		response_body TEXT,
		page_url TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS hypotheses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT,
		confidence REAL NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT,
		revision INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		endpoint_pattern TEXT,
		method TEXT,
		document TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS probe_results (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		hypothesis_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		confidence_delta REAL NOT NULL,
		notes TEXT,
		response_snapshot TEXT,
		status_code INTEGER,
		created_at DATETIME NOT NULL
	)`,
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_transitions_from ON transitions(from_state)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_to ON transitions(to_state)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_session_url ON observations(session_id, url)`,
	`CREATE INDEX IF NOT EXISTS idx_hypotheses_session_kind_confidence ON hypotheses(session_id, kind, confidence)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schemaTables {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	for _, stmt := range schemaIndexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession writes or updates a session's row.
func (s *Store) UpsertSession(sess *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	domains, err := json.Marshal(sess.AllowedDomains)
	if err != nil {
		return fmt.Errorf("%w: marshal allowed domains: %v", engineerr.ErrStoreWrite, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, target_url, allowed_domains, status, phase, iteration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			target_url = excluded.target_url,
			allowed_domains = excluded.allowed_domains,
			status = excluded.status,
			phase = excluded.phase,
			iteration = excluded.iteration,
			updated_at = excluded.updated_at`,
		sess.ID, sess.TargetURL, string(domains), sess.Status, sess.Phase, sess.Iteration,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert session: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

// GetSession loads a session row by id.
func (s *Store) GetSession(id string) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess models.SessionRecord
	var domains string
	err := s.db.QueryRow(
		`SELECT id, target_url, allowed_domains, status, phase, iteration, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.TargetURL, &domains, &sess.Status, &sess.Phase, &sess.Iteration, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: session %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	_ = json.Unmarshal([]byte(domains), &sess.AllowedDomains)
	return &sess, nil
}

// ListSessions returns every persisted session, most recently updated first.
func (s *Store) ListSessions() ([]*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, target_url, allowed_domains, status, phase, iteration, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionRecord
	for rows.Next() {
		var sess models.SessionRecord
		var domains string
		if err := rows.Scan(&sess.ID, &sess.TargetURL, &domains, &sess.Status, &sess.Phase, &sess.Iteration, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(domains), &sess.AllowedDomains)
		out = append(out, &sess)
	}
	return out, nil
}

// SavePageState inserts a page state or, on hash collision, overwrites the
// visit-count/dead-end fields to match the in-memory fsmstore's current
// view (the source of truth during a live session; this call mirrors it).
func (s *Store) SavePageState(sessionID string, state *models.PageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO page_states (session_id, state_hash, url, title, first_seen, visit_count, dead_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, state_hash) DO UPDATE SET
			visit_count = excluded.visit_count,
			dead_end = excluded.dead_end`,
		sessionID, int64(state.StateHash), state.URL, state.Title, state.FirstSeen, state.VisitCount, boolToInt(state.DeadEnd),
	)
	if err != nil {
		return fmt.Errorf("%w: save page state: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

// SaveTransition inserts a transition row. Enforces I5 the same way
// fsmstore does in memory: both endpoints must already exist.
func (s *Store) SaveTransition(sessionID string, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	for _, hash := range []uint64{t.FromHash, t.ToHash} {
		if err := s.db.QueryRow(
			`SELECT COUNT(1) FROM page_states WHERE session_id = ? AND state_hash = ?`, sessionID, int64(hash),
		).Scan(&exists); err != nil || exists == 0 {
			return fmt.Errorf("store: transition references unknown state %d: %w", hash, engineerr.ErrInvariant)
		}
	}

	obsIDs, err := json.Marshal(t.ObservationIDs)
	if err != nil {
		return fmt.Errorf("%w: marshal observation ids: %v", engineerr.ErrStoreWrite, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO transitions (session_id, from_state, to_state, action_kind, action_target, success, timestamp, observation_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(t.FromHash), int64(t.ToHash), string(t.ActionKind), t.ActionTarget, boolToInt(t.Success), t.Timestamp, string(obsIDs),
	)
	if err != nil {
		return fmt.Errorf("%w: save transition: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

// SaveObservation inserts an immutable observation row.
func (s *Store) SaveObservation(o *models.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqHeaders, _ := json.Marshal(o.RequestHeaders)
	respHeaders, _ := json.Marshal(o.ResponseHeaders)

	_, err := s.db.Exec(
		`INSERT INTO observations (id, session_id, interaction_id, timestamp, method, url, request_headers, request_body, status, response_headers, response_body, page_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		o.ID, o.SessionID, o.InteractionID, o.Timestamp, o.Method, o.URL, string(reqHeaders), o.RequestBody,
		o.Status, string(respHeaders), o.ResponseBody, o.PageURL,
	)
	if err != nil {
		return fmt.Errorf("%w: save observation: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

// ObservationsBySession returns every observation captured by a session, in
// capture order.
func (s *Store) ObservationsBySession(sessionID string) ([]*models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, interaction_id, timestamp, method, url, request_headers, request_body, status, response_headers, response_body, page_url
		 FROM observations WHERE session_id = ? ORDER BY timestamp ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		var o models.Observation
		var reqHeaders, respHeaders string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InteractionID, &o.Timestamp, &o.Method, &o.URL, &reqHeaders, &o.RequestBody, &o.Status, &respHeaders, &o.ResponseBody, &o.PageURL); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(reqHeaders), &o.RequestHeaders)
		_ = json.Unmarshal([]byte(respHeaders), &o.ResponseHeaders)
		out = append(out, &o)
	}
	return out, nil
}

// SaveHypothesis upserts a hypothesis, storing the full document as JSON
// alongside the indexed columns (kind, confidence, status) used by query
// patterns mirroring FilterList.
func (s *Store) SaveHypothesis(h *models.Hypothesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("%w: marshal hypothesis: %v", engineerr.ErrStoreWrite, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO hypotheses (id, session_id, kind, description, confidence, status, created_by, revision, created_at, updated_at, endpoint_pattern, method, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			confidence = excluded.confidence,
			status = excluded.status,
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			endpoint_pattern = excluded.endpoint_pattern,
			method = excluded.method,
			document = excluded.document`,
		h.ID, h.SessionID, string(h.Kind), h.Description, h.Confidence, string(h.Status), h.CreatedBy, h.Revision,
		h.CreatedAt, h.UpdatedAt, h.EndpointPattern, h.Method, string(doc),
	)
	if err != nil {
		return fmt.Errorf("%w: save hypothesis: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

// HypothesesBySession returns every hypothesis for a session, optionally
// filtered to a minimum confidence (pass 0 for no filter).
func (s *Store) HypothesesBySession(sessionID string, minConfidence float64) ([]*models.Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT document FROM hypotheses WHERE session_id = ? AND confidence >= ? ORDER BY confidence DESC`,
		sessionID, minConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list hypotheses: %w", err)
	}
	defer rows.Close()

	var out []*models.Hypothesis
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var h models.Hypothesis
		if err := json.Unmarshal([]byte(doc), &h); err != nil {
			continue
		}
		out = append(out, &h)
	}
	return out, nil
}

// SaveProbeResult inserts a probe result row, keyed by its request id.
func (s *Store) SaveProbeResult(sessionID string, r *models.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO probe_results (request_id, session_id, hypothesis_id, kind, outcome, confidence_delta, notes, response_snapshot, status_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		r.RequestID, sessionID, r.HypothesisID, string(r.Kind), string(r.Outcome), r.ConfidenceDelta, r.Notes, r.ResponseSnapshot, r.StatusCode, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: save probe result: %v", engineerr.ErrStoreWrite, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
