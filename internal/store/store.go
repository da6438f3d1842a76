package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

// Store wraps the shared *sql.DB and exposes typed accessors for jobs,
// discovered artifacts and recrawl schedules. All methods are safe for
// concurrent use; the supervisor, the API and each worker child hold
// their own Store over their own pool.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewID returns a UUIDv7 when available so ids sort by creation time,
// falling back to v4.
func NewID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

func marshalLines(lines []string) []byte {
	if lines == nil {
		lines = []string{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func unmarshalLines(raw []byte) []string {
	var lines []string
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &lines)
	}
	if lines == nil {
		lines = []string{}
	}
	return lines
}

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func toNullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
