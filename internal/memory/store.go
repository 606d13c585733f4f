// Package memory implements the cognitive memory engine: episodic,
// semantic and procedural stores over SQLite with embedding-based
// retrieval, an ACT-R activation model and LLM-driven consolidation.
// Other processes reach it through a unix-socket protocol (server.go,
// client.go).
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Memory types.
const (
	TypeEpisodic   = "episodic"
	TypeSemantic   = "semantic"
	TypeProcedural = "procedural"
)

const (
	// EmbeddingDims is the vector width of the embedding model.
	EmbeddingDims = 384

	// accessCap bounds stored access events per memory.
	accessCap = 200

	// scanLimit bounds the candidate scan per memory type.
	scanLimit = 500

	// activationAccessLimit bounds access rows fed into activation.
	activationAccessLimit = 100

	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS episodic (
	id              TEXT PRIMARY KEY,
	content         TEXT NOT NULL,
	context         TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL DEFAULT '',
	importance      REAL NOT NULL DEFAULT 0.5,
	semanticized    INTEGER NOT NULL DEFAULT 0,
	embedding       BLOB,
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS semantic (
	id                TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0.8,
	source_episode_id TEXT,
	supersedes_id     TEXT,
	embedding         BLOB,
	created_at        TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS procedural (
	id              TEXT PRIMARY KEY,
	content         TEXT NOT NULL,
	trigger_pattern TEXT NOT NULL DEFAULT '',
	success_rate    REAL NOT NULL DEFAULT 1.0,
	embedding       BLOB,
	created_at      TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS memory_accesses (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id   TEXT NOT NULL,
	memory_type TEXT NOT NULL CHECK (memory_type IN ('episodic', 'semantic', 'procedural')),
	accessed_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_accesses_memory ON memory_accesses(memory_id);
CREATE INDEX IF NOT EXISTS idx_accesses_time ON memory_accesses(accessed_at);

CREATE TABLE IF NOT EXISTS memory_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	memory_id UNINDEXED,
	memory_type UNINDEXED,
	content,
	tokenize='unicode61'
);
`

// Memory is one stored memory of any type. Type-specific fields are left
// zero for the other types.
type Memory struct {
	ID        string
	Type      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Embedding []float32

	// Episodic.
	Context      string
	Outcome      string
	Importance   float64
	Semanticized bool

	// Semantic.
	Category        string
	Confidence      float64
	SourceEpisodeID string
	SupersedesID    string

	// Procedural.
	TriggerPattern string
	SuccessRate    float64
}

// Store is the SQLite-backed memory database for one bot.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	mu  sync.Mutex
}

// Open opens (or creates) the memory database at path, resetting stored
// embeddings when the embedding model changed since the last run.
func Open(path, embeddingModel string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	s := &Store{db: db, log: log}
	if embeddingModel != "" {
		if err := s.ensureEmbeddingModel(embeddingModel); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ensureEmbeddingModel nulls every stored vector when the configured
// model differs from the one that produced them.
func (s *Store) ensureEmbeddingModel(model string) error {
	stored, _ := s.Meta("embedding_model")
	if stored == model {
		return nil
	}
	if stored != "" {
		s.log.Warn("memory.embedding_model_changed", "old", stored, "new", model)
		for _, table := range []string{"episodic", "semantic", "procedural"} {
			if _, err := s.db.Exec(`UPDATE ` + table + ` SET embedding = NULL`); err != nil {
				return fmt.Errorf("reset embeddings in %s: %w", table, err)
			}
		}
	}
	return s.SetMeta("embedding_model", model)
}

// Meta reads a key from memory_meta, returning "" when absent.
func (s *Store) Meta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM memory_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta upserts a memory_meta key.
func (s *Store) SetMeta(key, value string) error {
	return retryBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO memory_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		return err
	})
}

func retryBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(busyBackoff + time.Duration(rand.Int63n(int64(busyBackoff))))
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// packVector encodes a float32 vector as little-endian bytes.
func packVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// unpackVector decodes a packed vector, returning nil for empty blobs.
func unpackVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// InsertEpisodic stores an episodic memory and mirrors it into the FTS
// index. Returns the new id.
func (s *Store) InsertEpisodic(ctx context.Context, m Memory) (string, error) {
	id := uuid.NewString()
	err := retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO episodic (id, content, context, outcome, importance, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, m.Content, m.Context, m.Outcome, m.Importance, packVector(m.Embedding))
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert episodic: %w", err)
	}
	return id, s.indexFTS(ctx, id, TypeEpisodic, m.Content)
}

// InsertSemantic stores a semantic memory. When m.SupersedesID is set the
// superseded memory's confidence is floored so it ranks beneath its
// replacement.
func (s *Store) InsertSemantic(ctx context.Context, m Memory) (string, error) {
	id := uuid.NewString()
	confidence := m.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	err := retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO semantic (id, content, category, confidence, source_episode_id, supersedes_id, embedding)
			 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
			id, m.Content, m.Category, confidence, m.SourceEpisodeID, m.SupersedesID, packVector(m.Embedding))
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert semantic: %w", err)
	}
	if m.SupersedesID != "" {
		if floorErr := retryBusy(func() error {
			_, execErr := s.db.ExecContext(ctx,
				`UPDATE semantic SET confidence = ?, updated_at = datetime('now') WHERE id = ?`,
				confidenceFloor, m.SupersedesID)
			return execErr
		}); floorErr != nil {
			s.log.Warn("memory.supersede_floor_failed", "id", m.SupersedesID, "error", floorErr)
		}
	}
	return id, s.indexFTS(ctx, id, TypeSemantic, m.Content)
}

// InsertProcedural stores a procedural memory.
func (s *Store) InsertProcedural(ctx context.Context, m Memory) (string, error) {
	id := uuid.NewString()
	successRate := m.SuccessRate
	if successRate == 0 {
		successRate = 1.0
	}
	err := retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO procedural (id, content, trigger_pattern, success_rate, embedding)
			 VALUES (?, ?, ?, ?, ?)`,
			id, m.Content, m.TriggerPattern, successRate, packVector(m.Embedding))
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert procedural: %w", err)
	}
	return id, s.indexFTS(ctx, id, TypeProcedural, m.Content)
}

func (s *Store) indexFTS(ctx context.Context, id, memType, content string) error {
	err := retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO memory_fts (memory_id, memory_type, content) VALUES (?, ?, ?)`,
			id, memType, content)
		return execErr
	})
	if err != nil {
		s.log.Warn("memory.fts_index_failed", "id", id, "error", err)
	}
	return nil
}

// scan returns recent candidates of memType with their embeddings.
func (s *Store) scan(ctx context.Context, memType string) ([]Memory, error) {
	var query string
	switch memType {
	case TypeEpisodic:
		query = `SELECT id, content, context, outcome, importance, semanticized, embedding, created_at, updated_at
			 FROM episodic ORDER BY updated_at DESC LIMIT ?`
	case TypeSemantic:
		query = `SELECT id, content, category, confidence, COALESCE(source_episode_id, ''), COALESCE(supersedes_id, ''), embedding, created_at, updated_at
			 FROM semantic ORDER BY updated_at DESC LIMIT ?`
	case TypeProcedural:
		query = `SELECT id, content, trigger_pattern, success_rate, embedding, created_at, updated_at
			 FROM procedural ORDER BY updated_at DESC LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown memory type %q", memType)
	}
	rows, err := s.db.QueryContext(ctx, query, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", memType, err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m := Memory{Type: memType}
		var blob []byte
		var created, updated string
		var scanErr error
		switch memType {
		case TypeEpisodic:
			var semanticized int
			scanErr = rows.Scan(&m.ID, &m.Content, &m.Context, &m.Outcome, &m.Importance, &semanticized, &blob, &created, &updated)
			m.Semanticized = semanticized != 0
		case TypeSemantic:
			scanErr = rows.Scan(&m.ID, &m.Content, &m.Category, &m.Confidence, &m.SourceEpisodeID, &m.SupersedesID, &blob, &created, &updated)
		case TypeProcedural:
			scanErr = rows.Scan(&m.ID, &m.Content, &m.TriggerPattern, &m.SuccessRate, &blob, &created, &updated)
		}
		if scanErr != nil {
			return nil, scanErr
		}
		m.Embedding = unpackVector(blob)
		m.CreatedAt = parseSQLiteTime(created)
		m.UpdatedAt = parseSQLiteTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// RecordAccess appends an access event and trims history beyond the cap.
func (s *Store) RecordAccess(ctx context.Context, memoryID, memType string) {
	err := retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO memory_accesses (memory_id, memory_type) VALUES (?, ?)`,
			memoryID, memType)
		return execErr
	})
	if err != nil {
		s.log.Debug("memory.access_record_failed", "id", memoryID, "error", err)
		return
	}
	_ = retryBusy(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`DELETE FROM memory_accesses WHERE memory_id = ? AND id NOT IN (
				SELECT id FROM memory_accesses WHERE memory_id = ? ORDER BY id DESC LIMIT ?
			)`,
			memoryID, memoryID, accessCap)
		return execErr
	})
}

// accessTimes returns the most recent access timestamps for a memory.
func (s *Store) accessTimes(ctx context.Context, memoryID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT accessed_at FROM memory_accesses WHERE memory_id = ? ORDER BY id DESC LIMIT ?`,
		memoryID, activationAccessLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, parseSQLiteTime(raw))
	}
	return out, rows.Err()
}

// lastAccess returns the newest access time for a memory, zero when never
// accessed.
func (s *Store) lastAccess(ctx context.Context, memoryID string) time.Time {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT accessed_at FROM memory_accesses WHERE memory_id = ? ORDER BY id DESC LIMIT 1`,
		memoryID).Scan(&raw)
	if err != nil {
		return time.Time{}
	}
	return parseSQLiteTime(raw)
}

// UpdateEmbedding stores a freshly computed vector for a memory.
func (s *Store) UpdateEmbedding(ctx context.Context, memType, id string, v []float32) error {
	return retryBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE `+tableFor(memType)+` SET embedding = ? WHERE id = ?`,
			packVector(v), id)
		return err
	})
}

func tableFor(memType string) string {
	switch memType {
	case TypeEpisodic:
		return "episodic"
	case TypeSemantic:
		return "semantic"
	case TypeProcedural:
		return "procedural"
	}
	return "semantic"
}
