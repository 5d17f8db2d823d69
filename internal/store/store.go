// Package store provides the embedded SQLite record store for the
// attendance sync engine.
//
// The database runs in embedded mode with WAL for concurrency support:
// the engine serializes writers per transaction while concurrent readers
// are permitted against the same boundary.
//
// Architecture:
//   - Database file: one per device, owned by the app
//   - WAL mode: concurrent readers during writes
//   - Schema: attendance, profile, settings, sync_queue, day_summary tables
//   - day_summary: read-through cache refreshed synchronously with every
//     successful mutation, so downstream consumers never observe a stale
//     view after a write returns
//
// Workflow:
//  1. Punches are inserted locally with is_synced=N
//  2. The sync queue pushes pending mutations to the server with backoff
//  3. Reconciliation merges server records in without destroying local data
//  4. The status engine derives day status from the refreshed view
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrDuplicateKey is returned by InsertAttendance when a record with the
// same (userID, timestamp) already exists.
var ErrDuplicateKey = errors.New("duplicate attendance key")

// RefreshObserver is notified after the day_summary view is refreshed for a
// (userID, date) bucket. Observers run synchronously after commit; they must
// not block.
type RefreshObserver func(userID, date string)

// Store wraps the embedded SQLite connection with attendance-specific
// functionality.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	observersMu sync.Mutex
	observers   []RefreshObserver
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use.
//
// If logger is nil, a default logger writing to stderr is used.
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// The sync queue shares this connection so queue claims and deletes happen
// inside the same transaction boundary as the store's writes.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// OnRefresh registers an observer for day_summary refreshes.
func (s *Store) OnRefresh(fn RefreshObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, fn)
}

// notifyRefresh invokes registered observers for a refreshed day bucket.
func (s *Store) notifyRefresh(userID, date string) {
	s.observersMu.Lock()
	observers := make([]RefreshObserver, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.Unlock()

	for _, fn := range observers {
		fn(userID, date)
	}
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
