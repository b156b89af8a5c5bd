// Package recall persists raw submitted text for cross-session input
// recall. The store is append-only, capped, and time-expiring; it is
// independent of any one conversation.
//
// The database is opened lazily. If opening it or executing queries fails,
// the store falls back to in-memory entries so recall keeps working for
// the current process.
package recall

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/threadworks/loom/internal/logger"
)

// Store holds submitted text entries. Create one per process and close it
// on shutdown.
type Store struct {
	mu      sync.Mutex
	path    string
	maxRows int
	ttl     time.Duration

	once    sync.Once
	db      *sql.DB
	initErr error

	memory []entry // in-memory fallback
}

type entry struct {
	text    string
	created time.Time
}

// Options configures the store bounds.
type Options struct {
	Path    string
	MaxRows int
	TTL     time.Duration
}

// NewStore creates a store persisting at opts.Path. Zero bounds fall back
// to 500 rows and 30 days.
func NewStore(opts Options) *Store {
	if opts.Path == "" {
		opts.Path = "recall.db"
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 500
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	return &Store{path: opts.Path, maxRows: opts.MaxRows, ttl: opts.TTL}
}

func (s *Store) init() {
	s.db, s.initErr = sql.Open("sqlite", "file:"+s.path+"?_busy_timeout=10000")
	if s.initErr != nil {
		logger.L.Warn("sqlite open failed; using in-memory recall", "error", s.initErr)
		return
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS recall (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory recall", "error", err)
		return
	}
	logger.L.Debug("recall store initialized", "path", s.path)
}

// Append stores one submitted text string, then enforces the TTL and row
// cap. Blank text is ignored.
func (s *Store) Append(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.once.Do(s.init)
	now := time.Now()

	if s.initErr == nil && s.db != nil {
		if _, err := s.db.Exec(`INSERT INTO recall (text, created_at) VALUES (?, ?);`, text, now); err != nil {
			logger.L.Error("failed to store recall entry; falling back to memory", "error", err)
		} else {
			s.sweep(now)
			return
		}
	}

	s.mu.Lock()
	s.memory = append(s.memory, entry{text: text, created: now})
	s.pruneMemoryLocked(now)
	s.mu.Unlock()
}

// List returns up to limit entries, newest first, excluding expired rows.
func (s *Store) List(limit int) []string {
	s.once.Do(s.init)
	if limit <= 0 {
		limit = s.maxRows
	}
	cutoff := time.Now().Add(-s.ttl)

	if s.initErr == nil && s.db != nil {
		rows, err := s.db.Query(
			`SELECT text FROM recall WHERE created_at > ? ORDER BY id DESC LIMIT ?;`, cutoff, limit)
		if err == nil {
			defer rows.Close()
			var out []string
			for rows.Next() {
				var text string
				if err := rows.Scan(&text); err == nil {
					out = append(out, text)
				}
			}
			return out
		}
		logger.L.Warn("recall query failed; using in-memory entries", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for i := len(s.memory) - 1; i >= 0 && len(out) < limit; i-- {
		if s.memory[i].created.After(cutoff) {
			out = append(out, s.memory[i].text)
		}
	}
	return out
}

// sweep removes expired rows and trims the table to the cap.
func (s *Store) sweep(now time.Time) {
	cutoff := now.Add(-s.ttl)
	if _, err := s.db.Exec(`DELETE FROM recall WHERE created_at <= ?;`, cutoff); err != nil {
		logger.L.Warn("recall ttl sweep failed", "error", err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM recall WHERE id NOT IN (SELECT id FROM recall ORDER BY id DESC LIMIT ?);`,
		s.maxRows); err != nil {
		logger.L.Warn("recall cap sweep failed", "error", err)
	}
}

func (s *Store) pruneMemoryLocked(now time.Time) {
	cutoff := now.Add(-s.ttl)
	kept := s.memory[:0]
	for _, e := range s.memory {
		if e.created.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.memory = kept
	if len(s.memory) > s.maxRows {
		s.memory = s.memory[len(s.memory)-s.maxRows:]
	}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
