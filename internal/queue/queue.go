// Package queue provides the durable ledger of pending outbound mutations.
//
// Local changes that cannot be confirmed immediately (offline, or push
// failure) are appended here and drained in the background. Entries are
// removed only on confirmed server acknowledgment, giving at-least-once
// delivery; the client-generated punch ID inside each payload makes
// duplicate pushes safely ignorable server-side.
//
// Drains are mutually exclusive: a second trigger while one is in flight is
// refused, never interleaved, so an entry can never be double-sent by a
// re-triggered drain.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldops/attendsync/internal/server"
	"github.com/fieldops/attendsync/internal/store"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// Entry statuses.
const (
	// StatusPending marks an entry eligible for draining.
	StatusPending = "pending"

	// StatusDead marks a terminally failed entry: the server rejected it,
	// or it exhausted the retry budget. Dead entries are retained for
	// inspection and can be requeued explicitly.
	StatusDead = "dead"
)

// ErrDrainInFlight is returned when DrainOnce is called while another drain
// is still running.
var ErrDrainInFlight = errors.New("drain already in flight")

// ErrNotFound is returned when an entry ID does not exist.
var ErrNotFound = errors.New("queue entry not found")

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Entry is one pending outbound mutation.
type Entry struct {
	ID          int64
	Type        string // entity kind: attendance, profile, settings
	EntityID    string
	Property    string // optional, for partial updates
	Operation   string
	Data        []byte // serialized payload snapshot at enqueue time
	Timestamp   int64  // when queued
	Attempts    int
	NextRetryAt int64
	Status      string
	CreatedAt   int64
}

// Config holds configuration for the queue.
type Config struct {
	// MaxAttempts is the retry budget for transient failures. Once an
	// entry's attempt count reaches this, it is dead-lettered.
	MaxAttempts int

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 10,
		Logger:      log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable sync queue over the shared store connection.
type Queue struct {
	db     *sql.DB
	store  *store.Store
	config *Config

	drainMu  sync.Mutex
	inFlight bool
}

// New creates a queue over the store's connection.
// The sync_queue table must already exist (store.InitSchema creates it).
func New(st *store.Store, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Queue{db: st.RawDB(), store: st, config: config}
}

// Backoff returns the retry delay after the given number of failed
// attempts: capped exponential, monotonically non-decreasing.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Enqueue appends a durable entry with attempts=0 and nextRetryAt=now.
// Returns the new entry's ID.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID, property, operation string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	now := timeutil.NowUTC()
	query := `
	INSERT INTO sync_queue (type, entity_id, property, operation, data, timestamp, attempts, next_retry_at, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`

	res, err := q.db.ExecContext(ctx, query,
		entityType, entityID, property, operation, string(data), now, now, StatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}

	q.config.Logger.Printf("Enqueued %s/%s %s (entry %d)", entityType, entityID, operation, id)
	return id, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Pushed int
	Failed int
	Dead   int
}

// DrainOnce pushes every due pending entry to the server, oldest retry
// deadline first.
//
// On acknowledgment an entry is deleted, and an attendance record's sync
// flag flips in the same transaction. On a transient failure
// (ErrPushUnavailable) the attempt count is incremented and the retry
// deadline pushed out by Backoff(attempts); the deadline never decreases.
// On explicit rejection
// (ErrPushRejected) or an exhausted retry budget the entry is
// dead-lettered instead of retrying forever.
//
// Returns ErrDrainInFlight when another drain is running; callers should
// treat that as "already being handled", not an error to retry.
func (q *Queue) DrainOnce(ctx context.Context, client server.Client) (DrainResult, error) {
	q.drainMu.Lock()
	if q.inFlight {
		q.drainMu.Unlock()
		return DrainResult{}, ErrDrainInFlight
	}
	q.inFlight = true
	q.drainMu.Unlock()

	defer func() {
		q.drainMu.Lock()
		q.inFlight = false
		q.drainMu.Unlock()
	}()

	entries, err := q.due(ctx, timeutil.NowUTC())
	if err != nil {
		return DrainResult{}, err
	}

	var result DrainResult
	for _, e := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		err := client.PushMutation(ctx, server.Mutation{
			Type:      e.Type,
			EntityID:  e.EntityID,
			Property:  e.Property,
			Operation: e.Operation,
			Data:      json.RawMessage(e.Data),
		})

		switch {
		case err == nil:
			if err := q.ack(ctx, e); err != nil {
				q.config.Logger.Printf("Warning: failed to ack entry %d: %v", e.ID, err)
				result.Failed++
				continue
			}
			result.Pushed++

		case errors.Is(err, server.ErrPushRejected):
			q.config.Logger.Printf("Entry %d rejected, dead-lettering: %v", e.ID, err)
			if err := q.deadLetter(ctx, e.ID); err != nil {
				q.config.Logger.Printf("Warning: failed to dead-letter entry %d: %v", e.ID, err)
			}
			result.Dead++

		default:
			// Transient: network failure, 5xx, or context timeout.
			dead, rerr := q.recordFailure(ctx, e)
			if rerr != nil {
				q.config.Logger.Printf("Warning: failed to record failure for entry %d: %v", e.ID, rerr)
			}
			if dead {
				q.config.Logger.Printf("Entry %d exhausted %d attempts, dead-lettering", e.ID, q.config.MaxAttempts)
				result.Dead++
			} else {
				result.Failed++
			}
		}
	}

	if result.Pushed+result.Failed+result.Dead > 0 {
		q.config.Logger.Printf("Drain complete: pushed=%d failed=%d dead=%d",
			result.Pushed, result.Failed, result.Dead)
	}

	return result, nil
}

// due selects pending entries whose retry deadline has passed, ordered by
// deadline ascending.
func (q *Queue) due(ctx context.Context, now int64) ([]Entry, error) {
	query := `
	SELECT id, type, entity_id, property, operation, data, timestamp, attempts, next_retry_at, status, created_at
	FROM sync_queue
	WHERE status = ? AND next_retry_at <= ?
	ORDER BY next_retry_at ASC
	`

	rows, err := q.db.QueryContext(ctx, query, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ack confirms an acknowledged entry. The entry is deleted, and for
// attendance mutations the pushed record's sync flag flips N->Y in the same
// transaction, so a drained punch never lingers as unsynced. The delete
// re-verifies the pending claim so a concurrent requeue or dead-letter
// cannot be clobbered.
func (q *Queue) ack(ctx context.Context, e Entry) error {
	if e.Type == "attendance" {
		return q.store.ConfirmPushed(ctx, e.ID, e.EntityID)
	}

	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE id = ? AND status = ?", e.ID, StatusPending); err != nil {
		return fmt.Errorf("failed to delete acknowledged entry: %w", err)
	}
	return nil
}

// recordFailure bumps the attempt count and pushes the retry deadline out.
// Returns true when the entry crossed the retry budget and was
// dead-lettered.
func (q *Queue) recordFailure(ctx context.Context, e Entry) (bool, error) {
	attempts := e.Attempts + 1

	if attempts >= q.config.MaxAttempts {
		if err := q.deadLetter(ctx, e.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	next := timeutil.NowUTC() + Backoff(attempts).Milliseconds()
	// The deadline is monotone: never pulled earlier than a previously
	// scheduled retry.
	query := `
	UPDATE sync_queue
	SET attempts = ?, next_retry_at = MAX(next_retry_at, ?)
	WHERE id = ? AND status = ?
	`
	if _, err := q.db.ExecContext(ctx, query, attempts, next, e.ID, StatusPending); err != nil {
		return false, fmt.Errorf("failed to record push failure: %w", err)
	}
	return false, nil
}

// deadLetter parks an entry in the terminal failure state.
func (q *Queue) deadLetter(ctx context.Context, id int64) error {
	query := `
	UPDATE sync_queue
	SET status = ?, attempts = attempts + 1
	WHERE id = ?
	`
	if _, err := q.db.ExecContext(ctx, query, StatusDead, id); err != nil {
		return fmt.Errorf("failed to dead-letter entry: %w", err)
	}
	return nil
}

// Pending lists entries awaiting drain, retry deadline ascending.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.byStatus(ctx, StatusPending)
}

// Dead lists dead-lettered entries, retry deadline ascending.
func (q *Queue) Dead(ctx context.Context) ([]Entry, error) {
	return q.byStatus(ctx, StatusDead)
}

func (q *Queue) byStatus(ctx context.Context, status string) ([]Entry, error) {
	query := `
	SELECT id, type, entity_id, property, operation, data, timestamp, attempts, next_retry_at, status, created_at
	FROM sync_queue
	WHERE status = ?
	ORDER BY next_retry_at ASC
	`

	rows, err := q.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s entries: %w", status, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Entry retrieves a single queue entry by ID.
func (q *Queue) Entry(ctx context.Context, id int64) (*Entry, error) {
	query := `
	SELECT id, type, entity_id, property, operation, data, timestamp, attempts, next_retry_at, status, created_at
	FROM sync_queue
	WHERE id = ?
	`

	rows, err := q.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry %d: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return &entries[0], nil
}

// Requeue returns a dead-lettered entry to the pending state with a fresh
// retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	query := `
	UPDATE sync_queue
	SET status = ?, attempts = 0, next_retry_at = ?
	WHERE id = ? AND status = ?
	`
	res, err := q.db.ExecContext(ctx, query, StatusPending, timeutil.NowUTC(), id, StatusDead)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check requeue result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no dead entry with id=%d", ErrNotFound, id)
	}

	q.config.Logger.Printf("Requeued entry %d", id)
	return nil
}

// scanEntries is a helper function to scan queue entries from query results.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var (
			e    Entry
			data string
		)
		err := rows.Scan(&e.ID, &e.Type, &e.EntityID, &e.Property, &e.Operation,
			&data, &e.Timestamp, &e.Attempts, &e.NextRetryAt, &e.Status, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Data = []byte(data)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}
