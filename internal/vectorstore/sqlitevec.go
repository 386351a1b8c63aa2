//go:build sqlite_vec && cgo

package vectorstore

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers sqlite-vec as an auto-loadable extension for the mattn
	// cgo sqlite driver used by this build tag's *sql.DB.
	vec.Auto()
}

// SQLiteStore is the sqlite-vec-backed alternative to the default in-memory
// Store, sharing its Index contract. It needs its own cgo-linked
// connection: the engine's primary persistence (internal/store) runs on
// the pure-Go modernc.org/sqlite driver, which cannot load native
// extensions, so a session that wants vector search opens a second,
// dedicated *sql.DB with the "sqlite3" (mattn, cgo) driver.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite-vec database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: ping: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func encodeFloat64SliceToBlob(v []float64) []byte {
	buf := new(bytes.Buffer)
	for _, x := range v {
		binary.Write(buf, binary.LittleEndian, float32(x))
	}
	return buf.Bytes()
}

func (s *SQLiteStore) tableFor(collection string) string {
	return "vec_" + collection
}

func (s *SQLiteStore) ensureTable(collection string) error {
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			embedding FLOAT[%d],
			doc_id TEXT,
			document TEXT,
			metadata TEXT
		)`, s.tableFor(collection), embeddingDims))
	return err
}

// Add indexes document under id within collection's virtual table,
// creating the table on first use.
func (s *SQLiteStore) Add(collection, id, document string, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(collection); err != nil {
		return
	}
	metaJSON, _ := json.Marshal(metadata)
	blob := encodeFloat64SliceToBlob(embed(document))
	_, _ = s.db.Exec(
		fmt.Sprintf("INSERT INTO %s (embedding, doc_id, document, metadata) VALUES (?, ?, ?, ?)", s.tableFor(collection)),
		blob, id, document, string(metaJSON),
	)
}

// Query runs a vec_distance_cosine nearest-neighbor search against
// collection's virtual table.
func (s *SQLiteStore) Query(collection, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(collection); err != nil {
		return nil, fmt.Errorf("vectorstore: ensure table: %w", err)
	}

	blob := encodeFloat64SliceToBlob(embed(text))
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT doc_id, metadata, vec_distance_cosine(embedding, ?) AS distance
			FROM %s ORDER BY distance ASC LIMIT ?`, s.tableFor(collection)),
		blob, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &metaJSON, &distance); err != nil {
			continue
		}
		meta := make(map[string]string)
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		matches = append(matches, Match{ID: id, Distance: distance, Metadata: meta})
	}
	return matches, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
