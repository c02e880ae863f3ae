// Package store provides storage backends for DoseLog capture records.
//
// It includes an in-memory store (the default) and persistent SQLite and
// PostgreSQL backends selected by DSN.
package store

import (
	"strings"
	"sync"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// Store defines the record log contract shared by all backends.
type Store interface {
	// AddRecord appends a completed capture record.
	AddRecord(rec models.Record) error

	// ListRecords returns all records in insertion order.
	ListRecords() ([]models.Record, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	// DSN selects the backend: a postgres URL, a SQLite file path, or empty
	// for in-memory.
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a simple mutex-guarded in-memory record log.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []models.Record
	nextID  int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

// AddRecord appends a record, assigning it the next sequential ID.
func (s *InMemoryStore) AddRecord(rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	s.records = append(s.records, rec)
	return nil
}

// ListRecords returns a copy of all records in insertion order.
func (s *InMemoryStore) ListRecords() ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
