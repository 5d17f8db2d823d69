package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/timeutil"
)

const attendanceCols = `user_id, timestamp, punch_id, org_id, punch_type,
	punch_direction, lat_lon, address, created_on, is_synced, date_of_punch,
	attendance_status, correction_type, approval_required, module_id,
	trip_type, passenger_id, allowance_data, is_checkout_qr_scan,
	traveler_name, phone_number, server_timestamp, last_synced_at`

// InsertAttendance inserts a new punch record.
//
// Returns ErrDuplicateKey if a record with the same (userID, timestamp)
// already exists. On success the day_summary view for the record's day
// bucket is refreshed inside the same transaction, so a caller that sees
// the insert return also sees the refreshed view.
func (s *Store) InsertAttendance(a *record.Attendance) error {
	return s.InsertAttendanceContext(context.Background(), a)
}

// InsertAttendanceContext inserts a punch record with context support.
func (s *Store) InsertAttendanceContext(ctx context.Context, a *record.Attendance) error {
	a.SetDefaults()
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid attendance record: %w", err)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Duplicate detection stays inside the write transaction: the
		// engine's single-writer discipline makes check-then-insert safe.
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM attendance WHERE user_id = ? AND timestamp = ?",
			a.UserID, a.Timestamp).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check for existing record: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: user=%s timestamp=%d", ErrDuplicateKey, a.UserID, a.Timestamp)
		}

		query := `
		INSERT INTO attendance (` + attendanceCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			a.UserID, a.Timestamp, a.PunchID, a.OrgID, a.PunchType,
			a.Direction, a.LatLon, a.Address, a.CreatedOn, a.Synced,
			a.DateOfPunch, a.Status, a.Correction, a.ApprovalRequired,
			a.ModuleID, a.TripType, a.PassengerID, a.AllowanceData,
			a.CheckoutQRScan, a.TravelerName, a.PhoneNumber,
			a.ServerTime, a.LastSyncedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert attendance record: %w", err)
		}

		return refreshDaySummaryTx(ctx, tx, a.UserID, a.DateOfPunch)
	})
	if err != nil {
		return err
	}

	s.notifyRefresh(a.UserID, a.DateOfPunch)
	return nil
}

// AttendanceByUser returns all records for a user, newest first.
func (s *Store) AttendanceByUser(userID string) ([]record.Attendance, error) {
	return s.AttendanceByUserContext(context.Background(), userID)
}

// AttendanceByUserContext returns a user's records with context support.
func (s *Store) AttendanceByUserContext(ctx context.Context, userID string) ([]record.Attendance, error) {
	query := `
	SELECT ` + attendanceCols + `
	FROM attendance
	WHERE user_id = ?
	ORDER BY timestamp DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	return scanAttendance(rows)
}

// AttendanceByDay returns a user's records for one day bucket, oldest first.
// This is the input shape the status engine derives over.
func (s *Store) AttendanceByDay(ctx context.Context, userID, date string) ([]record.Attendance, error) {
	query := `
	SELECT ` + attendanceCols + `
	FROM attendance
	WHERE user_id = ? AND date_of_punch = ?
	ORDER BY timestamp ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, userID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query day attendance: %w", err)
	}
	defer rows.Close()

	return scanAttendance(rows)
}

// UnsyncedAttendance returns a user's records still awaiting push, newest
// first.
func (s *Store) UnsyncedAttendance(userID string) ([]record.Attendance, error) {
	return s.UnsyncedAttendanceContext(context.Background(), userID)
}

// UnsyncedAttendanceContext returns unsynced records with context support.
func (s *Store) UnsyncedAttendanceContext(ctx context.Context, userID string) ([]record.Attendance, error) {
	query := `
	SELECT ` + attendanceCols + `
	FROM attendance
	WHERE user_id = ? AND is_synced = 'N'
	ORDER BY timestamp DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced attendance: %w", err)
	}
	defer rows.Close()

	return scanAttendance(rows)
}

// MarkSynced flips a single record's sync flag to Y.
//
// The flag only ever transitions N->Y; marking an already-synced or missing
// record is a no-op. No other field is touched. The day_summary view for the
// record's stored day bucket is refreshed in the same transaction.
func (s *Store) MarkSynced(userID string, timestamp int64) error {
	return s.MarkSyncedContext(context.Background(), userID, timestamp)
}

// MarkSyncedContext flips a record's sync flag with context support.
func (s *Store) MarkSyncedContext(ctx context.Context, userID string, timestamp int64) error {
	var date string

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// The stored day bucket is authoritative: server-born rows can carry
		// a date_of_punch that differs from the timestamp's UTC day.
		err := tx.QueryRowContext(ctx,
			"SELECT date_of_punch FROM attendance WHERE user_id = ? AND timestamp = ?",
			userID, timestamp).Scan(&date)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve record day: %w", err)
		}

		query := `
		UPDATE attendance
		SET is_synced = 'Y', last_synced_at = ?
		WHERE user_id = ? AND timestamp = ? AND is_synced = 'N'
		`
		if _, err := tx.ExecContext(ctx, query, timeutil.NowUTC(), userID, timestamp); err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}

		return refreshDaySummaryTx(ctx, tx, userID, date)
	})
	if err != nil {
		return err
	}

	if date != "" {
		s.notifyRefresh(userID, date)
	}
	return nil
}

// ConfirmPushed deletes an acknowledged sync queue entry and flips the
// pushed attendance record's sync flag, resolved by punch ID, in one
// transaction. The record's day view is refreshed before commit. A punch ID
// with no matching row is tolerated; the entry is still removed.
func (s *Store) ConfirmPushed(ctx context.Context, entryID int64, punchID string) error {
	var userID, date string

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sync_queue WHERE id = ? AND status = 'pending'", entryID); err != nil {
			return fmt.Errorf("failed to delete acknowledged entry: %w", err)
		}

		err := tx.QueryRowContext(ctx,
			"SELECT user_id, date_of_punch FROM attendance WHERE punch_id = ?",
			punchID).Scan(&userID, &date)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve punch %s: %w", punchID, err)
		}

		query := `
		UPDATE attendance
		SET is_synced = 'Y', last_synced_at = ?
		WHERE punch_id = ? AND is_synced = 'N'
		`
		if _, err := tx.ExecContext(ctx, query, timeutil.NowUTC(), punchID); err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}

		return refreshDaySummaryTx(ctx, tx, userID, date)
	})
	if err != nil {
		return err
	}

	if date != "" {
		s.notifyRefresh(userID, date)
	}
	return nil
}

// HasAttendance reports whether a record exists for (userID, timestamp).
func (s *Store) HasAttendance(ctx context.Context, userID string, timestamp int64) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attendance WHERE user_id = ? AND timestamp = ?",
		userID, timestamp).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check attendance existence: %w", err)
	}
	return count > 0, nil
}

// AttendanceCount returns the total number of attendance records.
func (s *Store) AttendanceCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attendance records: %w", err)
	}
	return count, nil
}

// scanAttendance is a helper function to scan records from query results.
func scanAttendance(rows *sql.Rows) ([]record.Attendance, error) {
	var records []record.Attendance

	for rows.Next() {
		var a record.Attendance
		err := rows.Scan(
			&a.UserID, &a.Timestamp, &a.PunchID, &a.OrgID, &a.PunchType,
			&a.Direction, &a.LatLon, &a.Address, &a.CreatedOn, &a.Synced,
			&a.DateOfPunch, &a.Status, &a.Correction, &a.ApprovalRequired,
			&a.ModuleID, &a.TripType, &a.PassengerID, &a.AllowanceData,
			&a.CheckoutQRScan, &a.TravelerName, &a.PhoneNumber,
			&a.ServerTime, &a.LastSyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance record: %w", err)
		}
		records = append(records, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance records: %w", err)
	}

	return records, nil
}
