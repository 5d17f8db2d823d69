package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldops/attendsync/internal/timeutil"
)

// DaySummary is the externally observed view of one day bucket. It is a
// read-through cache over the attendance table, refreshed synchronously
// with every mutation that touches the bucket.
type DaySummary struct {
	UserID        string
	Date          string
	RecordCount   int
	UnsyncedCount int
	FirstIn       int64 // 0 when no IN punch exists
	LastOut       int64 // 0 when no OUT punch exists
	RefreshedAt   int64
}

// RefreshDaySummary recomputes the cached view for one (userID, date)
// bucket in its own transaction and notifies observers.
func (s *Store) RefreshDaySummary(ctx context.Context, userID, date string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return refreshDaySummaryTx(ctx, tx, userID, date)
	})
	if err != nil {
		return err
	}

	s.notifyRefresh(userID, date)
	return nil
}

// refreshDaySummaryTx recomputes one bucket inside an existing transaction.
// Mutations call this so the view is consistent the moment they commit.
func refreshDaySummaryTx(ctx context.Context, tx *sql.Tx, userID, date string) error {
	query := `
	INSERT INTO day_summary (user_id, date, record_count, unsynced_count, first_in, last_out, refreshed_at)
	SELECT
		?, ?,
		COUNT(*),
		COALESCE(SUM(CASE WHEN is_synced = 'N' THEN 1 ELSE 0 END), 0),
		COALESCE(MIN(CASE WHEN punch_direction = 'IN' THEN timestamp END), 0),
		COALESCE(MAX(CASE WHEN punch_direction = 'OUT' THEN timestamp END), 0),
		?
	FROM attendance
	WHERE user_id = ? AND date_of_punch = ?
	ON CONFLICT(user_id, date) DO UPDATE SET
		record_count = excluded.record_count,
		unsynced_count = excluded.unsynced_count,
		first_in = excluded.first_in,
		last_out = excluded.last_out,
		refreshed_at = excluded.refreshed_at
	`

	if _, err := tx.ExecContext(ctx, query, userID, date, timeutil.NowUTC(), userID, date); err != nil {
		return fmt.Errorf("failed to refresh day summary: %w", err)
	}
	return nil
}

// DaySummaryFor returns the cached view for one day bucket.
// Returns sql.ErrNoRows if the bucket has never been refreshed.
func (s *Store) DaySummaryFor(ctx context.Context, userID, date string) (*DaySummary, error) {
	query := `
	SELECT user_id, date, record_count, unsynced_count, first_in, last_out, refreshed_at
	FROM day_summary
	WHERE user_id = ? AND date = ?
	`

	row := s.conn.QueryRowContext(ctx, query, userID, date)

	var d DaySummary
	err := row.Scan(&d.UserID, &d.Date, &d.RecordCount, &d.UnsyncedCount,
		&d.FirstIn, &d.LastOut, &d.RefreshedAt)
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// DaySummariesByUser returns every cached day bucket for a user, newest
// date first.
func (s *Store) DaySummariesByUser(ctx context.Context, userID string) ([]DaySummary, error) {
	query := `
	SELECT user_id, date, record_count, unsynced_count, first_in, last_out, refreshed_at
	FROM day_summary
	WHERE user_id = ?
	ORDER BY date DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query day summaries: %w", err)
	}
	defer rows.Close()

	var summaries []DaySummary
	for rows.Next() {
		var d DaySummary
		err := rows.Scan(&d.UserID, &d.Date, &d.RecordCount, &d.UnsyncedCount,
			&d.FirstIn, &d.LastOut, &d.RefreshedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan day summary: %w", err)
		}
		summaries = append(summaries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating day summaries: %w", err)
	}

	return summaries, nil
}
