// Package pg backs the device registry, the sync queue and the completion
// event log with PostgreSQL.
package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stratasync.io/internal/syncq"
)

type Store struct {
	db       *sql.DB
	observer syncq.Observer
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SetObserver injects the completion-event consumer. Events are delivered
// after the owning transaction commits.
func (s *Store) SetObserver(o syncq.Observer) { s.observer = o }

func (s *Store) notify(event *syncq.CompletionEvent) {
	if event == nil || s.observer == nil {
		return
	}
	s.observer.SyncCompleted(*event)
}
