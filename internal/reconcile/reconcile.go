// Package reconcile merges server-fetched attendance into the local store.
//
// The merge is "presence-wins, local-field-wins": server additions are
// unconditionally accepted as already-synced rows, but any field-level
// conflict on a matched timestamp resolves in favor of the local copy - a
// locally reverse-geocoded address beats the server's version of the same
// punch. Reconciliation never deletes rows; local records absent from the
// server response are presumed not-yet-pushed and stay governed by the sync
// queue.
//
// Replaying the same server payload against an already-merged store
// performs only no-op updates, so the merge is idempotent by construction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/server"
	"github.com/fieldops/attendsync/internal/store"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// Engine orchestrates pull-and-merge runs against the record store.
//
// At most one reconciliation per user runs at a time. A trigger that
// arrives while a run is in flight is coalesced into a single pending
// follow-up run, never interleaved: two interleaved runs could otherwise
// race inserts of the same new server timestamp.
type Engine struct {
	store  *store.Store
	client server.Client
	logger *log.Logger

	mu       sync.Mutex
	inflight map[string]*followUp
}

// followUp tracks a coalesced re-trigger for a user with a run in flight.
type followUp struct {
	pending bool
	month   string
}

// New creates a reconciliation engine.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, client server.Client, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		client:   client,
		logger:   logger,
		inflight: make(map[string]*followUp),
	}
}

// Reconcile fetches the user's server-side day buckets (optionally filtered
// to a "2006-01" month) and merges them into the store, then refreshes the
// store's day views so status consumers observe the new data.
//
// If a run for the same user is already in flight, this trigger is
// absorbed into one pending follow-up and returns immediately.
func (e *Engine) Reconcile(ctx context.Context, userID, month string) error {
	e.mu.Lock()
	if f, ok := e.inflight[userID]; ok {
		f.pending = true
		f.month = month
		e.mu.Unlock()
		e.logger.Printf("Reconcile for %s already running, coalesced follow-up", userID)
		return nil
	}
	e.inflight[userID] = &followUp{}
	e.mu.Unlock()

	for {
		err := e.runOnce(ctx, userID, month)

		e.mu.Lock()
		f := e.inflight[userID]
		if err != nil || !f.pending {
			delete(e.inflight, userID)
			e.mu.Unlock()
			return err
		}
		f.pending = false
		month = f.month
		e.mu.Unlock()
	}
}

// runOnce performs a single fetch-and-merge pass.
func (e *Engine) runOnce(ctx context.Context, userID, month string) error {
	buckets, err := e.client.FetchAttendance(ctx, userID, month)
	if err != nil {
		return fmt.Errorf("failed to fetch server attendance: %w", err)
	}

	var matched, inserted int
	for _, bucket := range buckets {
		for _, sr := range bucket.Records {
			wasNew, err := e.mergeRecord(ctx, userID, bucket, sr)
			if err != nil {
				return err
			}
			if wasNew {
				inserted++
			} else {
				matched++
			}
		}
	}

	// Refresh every reported day bucket so downstream status consumers
	// observe the merged data even for days whose rows were all no-ops.
	for _, bucket := range buckets {
		if bucket.Date == "" {
			continue
		}
		if err := e.store.RefreshDaySummary(ctx, userID, bucket.Date); err != nil {
			return fmt.Errorf("failed to refresh day view %s: %w", bucket.Date, err)
		}
	}

	e.logger.Printf("Reconciled %s: days=%d matched=%d inserted=%d",
		userID, len(buckets), matched, inserted)
	return nil
}

// mergeRecord merges one server record under presence-wins semantics.
// Reports whether the record was new to the store.
func (e *Engine) mergeRecord(ctx context.Context, userID string, bucket server.DayBucket, sr server.Record) (bool, error) {
	exists, err := e.store.HasAttendance(ctx, userID, sr.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to probe local record: %w", err)
	}

	if exists {
		// Matched key: flip the sync flag and nothing else. Local
		// annotations take precedence over the server's copy.
		if err := e.store.MarkSyncedContext(ctx, userID, sr.Timestamp); err != nil {
			return false, fmt.Errorf("failed to mark record synced: %w", err)
		}
		return false, nil
	}

	a := serverToLocal(userID, bucket, sr)
	err = e.store.InsertAttendanceContext(ctx, a)
	if errors.Is(err, store.ErrDuplicateKey) {
		// A local punch claimed this timestamp between probe and insert.
		// Treat it as a match: the local copy wins.
		if err := e.store.MarkSyncedContext(ctx, userID, sr.Timestamp); err != nil {
			return false, fmt.Errorf("failed to mark raced record synced: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert server record: %w", err)
	}
	return true, nil
}

// serverToLocal converts a server record to a local row born synced.
func serverToLocal(userID string, bucket server.DayBucket, sr server.Record) *record.Attendance {
	date := sr.DateOfPunch
	if date == "" {
		date = bucket.Date
	}
	if date == "" {
		date = timeutil.DayOf(sr.Timestamp)
	}

	status := sr.Status
	if status == "" {
		status = bucket.Status
	}

	now := timeutil.NowUTC()
	return &record.Attendance{
		Timestamp:    sr.Timestamp,
		UserID:       userID,
		Direction:    sr.Direction,
		LatLon:       sr.LatLon,
		Address:      sr.Address,
		DateOfPunch:  date,
		Status:       status,
		Synced:       record.FlagYes,
		ServerTime:   sr.Timestamp,
		LastSyncedAt: now,
		CreatedOn:    now,
	}
}
