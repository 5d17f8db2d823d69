package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Schema initialization is fatal when it fails: the app cannot proceed
// without a usable store, so callers surface these errors instead of
// degrading.

// attendanceColumns is the target attendance schema, in column order.
// Additive migration appends any of these missing from an existing table.
var attendanceColumns = []columnDef{
	{"user_id", "TEXT NOT NULL DEFAULT ''"},
	{"timestamp", "INTEGER NOT NULL DEFAULT 0"},
	{"punch_id", "TEXT NOT NULL DEFAULT ''"},
	{"org_id", "TEXT NOT NULL DEFAULT ''"},
	{"punch_type", "TEXT NOT NULL DEFAULT ''"},
	{"punch_direction", "TEXT NOT NULL DEFAULT ''"},
	{"lat_lon", "TEXT NOT NULL DEFAULT ''"},
	{"address", "TEXT NOT NULL DEFAULT ''"},
	{"created_on", "INTEGER NOT NULL DEFAULT 0"},
	{"is_synced", "TEXT NOT NULL DEFAULT 'N'"},
	{"date_of_punch", "TEXT NOT NULL DEFAULT ''"},
	{"attendance_status", "TEXT NOT NULL DEFAULT ''"},
	{"correction_type", "TEXT NOT NULL DEFAULT ''"},
	{"approval_required", "TEXT NOT NULL DEFAULT 'N'"},
	{"module_id", "TEXT NOT NULL DEFAULT ''"},
	{"trip_type", "TEXT NOT NULL DEFAULT ''"},
	{"passenger_id", "TEXT NOT NULL DEFAULT ''"},
	{"allowance_data", "TEXT NOT NULL DEFAULT ''"},
	{"is_checkout_qr_scan", "INTEGER NOT NULL DEFAULT 0"},
	{"traveler_name", "TEXT NOT NULL DEFAULT ''"},
	{"phone_number", "TEXT NOT NULL DEFAULT ''"},
	{"server_timestamp", "INTEGER NOT NULL DEFAULT 0"},
	{"last_synced_at", "INTEGER NOT NULL DEFAULT 0"},
}

// profileColumns is the target profile schema. The legacy per-property
// "_synced" columns are intentionally absent; migrateProfileSyncFlags
// collapses them into the single is_synced flag.
var profileColumns = []columnDef{
	{"email", "TEXT NOT NULL DEFAULT ''"},
	{"name", "TEXT NOT NULL DEFAULT ''"},
	{"dob", "TEXT NOT NULL DEFAULT ''"},
	{"employment_type", "TEXT NOT NULL DEFAULT ''"},
	{"designation", "TEXT NOT NULL DEFAULT ''"},
	{"photo_url", "TEXT NOT NULL DEFAULT ''"},
	{"last_updated_at", "INTEGER NOT NULL DEFAULT 0"},
	{"server_last_synced_at", "INTEGER NOT NULL DEFAULT 0"},
	{"is_synced", "INTEGER NOT NULL DEFAULT 1"},
	{"created_at", "INTEGER NOT NULL DEFAULT 0"},
	{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
}

var settingsColumns = []columnDef{
	{"key", "TEXT NOT NULL DEFAULT ''"},
	{"value", "TEXT NOT NULL DEFAULT ''"},
	{"is_synced", "INTEGER NOT NULL DEFAULT 0"},
	{"last_updated_at", "INTEGER NOT NULL DEFAULT 0"},
	{"server_last_updated_at", "INTEGER NOT NULL DEFAULT 0"},
	{"created_at", "INTEGER NOT NULL DEFAULT 0"},
	{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
}

var syncQueueColumns = []columnDef{
	{"id", "INTEGER"},
	{"type", "TEXT NOT NULL DEFAULT ''"},
	{"entity_id", "TEXT NOT NULL DEFAULT ''"},
	{"property", "TEXT NOT NULL DEFAULT ''"},
	{"operation", "TEXT NOT NULL DEFAULT ''"},
	{"data", "TEXT NOT NULL DEFAULT ''"},
	{"timestamp", "INTEGER NOT NULL DEFAULT 0"},
	{"attempts", "INTEGER NOT NULL DEFAULT 0"},
	{"next_retry_at", "INTEGER NOT NULL DEFAULT 0"},
	{"status", "TEXT NOT NULL DEFAULT 'pending'"},
	{"created_at", "INTEGER NOT NULL DEFAULT 0"},
}

// columnDef pairs a column name with its DDL fragment.
type columnDef struct {
	name string
	ddl  string
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the attendance, profile, settings, sync_queue, and
// day_summary tables along with indexes for the common queries. This is
// idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Core tables
	CREATE TABLE IF NOT EXISTS attendance (
		user_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		punch_id TEXT NOT NULL DEFAULT '',
		org_id TEXT NOT NULL DEFAULT '',
		punch_type TEXT NOT NULL DEFAULT '',
		punch_direction TEXT NOT NULL DEFAULT '',
		lat_lon TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_on INTEGER NOT NULL DEFAULT 0,
		is_synced TEXT NOT NULL DEFAULT 'N',
		date_of_punch TEXT NOT NULL DEFAULT '',
		attendance_status TEXT NOT NULL DEFAULT '',
		correction_type TEXT NOT NULL DEFAULT '',
		approval_required TEXT NOT NULL DEFAULT 'N',
		module_id TEXT NOT NULL DEFAULT '',
		trip_type TEXT NOT NULL DEFAULT '',
		passenger_id TEXT NOT NULL DEFAULT '',
		allowance_data TEXT NOT NULL DEFAULT '',  -- JSON text
		is_checkout_qr_scan INTEGER NOT NULL DEFAULT 0,
		traveler_name TEXT NOT NULL DEFAULT '',
		phone_number TEXT NOT NULL DEFAULT '',
		server_timestamp INTEGER NOT NULL DEFAULT 0,
		last_synced_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, timestamp)
	);

	CREATE TABLE IF NOT EXISTS profile (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		dob TEXT NOT NULL DEFAULT '',
		employment_type TEXT NOT NULL DEFAULT '',
		designation TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		last_updated_at INTEGER NOT NULL DEFAULT 0,
		server_last_synced_at INTEGER NOT NULL DEFAULT 0,
		is_synced INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		is_synced INTEGER NOT NULL DEFAULT 0,
		last_updated_at INTEGER NOT NULL DEFAULT 0,
		server_last_updated_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		property TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',  -- payload snapshot at enqueue time
		timestamp INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL DEFAULT 0
	);

	-- Materialized view for day-bucket queries
	CREATE TABLE IF NOT EXISTS day_summary (
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		unsynced_count INTEGER NOT NULL DEFAULT 0,
		first_in INTEGER NOT NULL DEFAULT 0,
		last_out INTEGER NOT NULL DEFAULT 0,
		refreshed_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, date)
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_attendance_user_day ON attendance(user_id, date_of_punch);
	CREATE INDEX IF NOT EXISTS idx_attendance_unsynced ON attendance(user_id, is_synced);
	CREATE INDEX IF NOT EXISTS idx_queue_due ON sync_queue(status, next_retry_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Migrate brings an existing database up to the target schema.
//
// Three phases run on every startup, all idempotent:
//  1. Additive alignment: each table is introspected and missing columns
//     are appended via ALTER TABLE ADD COLUMN.
//  2. Backfills: rows predating a column gain a usable value, such as a
//     generated punch ID.
//  3. Shadow rebuilds: column removals the engine cannot express as DDL
//     are performed by creating a shadow table with the target schema,
//     copying rows column-by-column, dropping the old table, and renaming
//     the shadow into place - all inside one transaction, so a crash
//     mid-migration leaves the old table intact for the next boot.
func (s *Store) Migrate(ctx context.Context) error {
	tables := []struct {
		name string
		cols []columnDef
	}{
		{"attendance", attendanceColumns},
		{"profile", profileColumns},
		{"settings", settingsColumns},
		{"sync_queue", syncQueueColumns},
	}

	for _, t := range tables {
		if err := s.addMissingColumns(ctx, t.name, t.cols); err != nil {
			return fmt.Errorf("failed to migrate table %s: %w", t.name, err)
		}
	}

	if err := s.backfillPunchIDs(ctx); err != nil {
		return fmt.Errorf("failed to backfill punch IDs: %w", err)
	}

	if err := s.migrateProfileSyncFlags(ctx); err != nil {
		return fmt.Errorf("failed to migrate profile sync flags: %w", err)
	}

	// The uniqueness guarantee can only be established once every row
	// carries a punch ID.
	if _, err := s.conn.ExecContext(ctx,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_punch_id ON attendance(punch_id)"); err != nil {
		return fmt.Errorf("failed to index punch IDs: %w", err)
	}

	return nil
}

// backfillPunchIDs assigns a fresh ID to every attendance row written before
// punch IDs existed.
func (s *Store) backfillPunchIDs(ctx context.Context) error {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT user_id, timestamp FROM attendance WHERE punch_id = ''")
	if err != nil {
		return fmt.Errorf("failed to find rows without punch IDs: %w", err)
	}
	defer rows.Close()

	type key struct {
		userID string
		ts     int64
	}
	var missing []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.userID, &k.ts); err != nil {
			return fmt.Errorf("failed to scan row key: %w", err)
		}
		missing = append(missing, k)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows without punch IDs: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	s.logger.Printf("Backfilling punch IDs for %d legacy rows", len(missing))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range missing {
			_, err := tx.ExecContext(ctx,
				"UPDATE attendance SET punch_id = ? WHERE user_id = ? AND timestamp = ?",
				uuid.NewString(), k.userID, k.ts)
			if err != nil {
				return fmt.Errorf("failed to backfill punch ID: %w", err)
			}
		}
		return nil
	})
}

// tableColumns lists the column names of an existing table.
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column info: %w", err)
	}
	return cols, nil
}

// addMissingColumns appends target columns absent from an existing table.
// Dropped-and-recreated databases never hit this path; it exists for stores
// created by older app versions.
func (s *Store) addMissingColumns(ctx context.Context, table string, target []columnDef) error {
	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		// Table absent; InitSchema creates it at the target shape.
		return nil
	}

	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	for _, col := range target {
		if have[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.ddl)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, col.name, err)
		}
		s.logger.Printf("Added column %s.%s", table, col.name)
	}

	return nil
}

// migrateProfileSyncFlags collapses legacy per-property "<prop>_synced"
// columns into the single is_synced row flag via a shadow-table rebuild.
//
// Rows are considered synced only when every legacy flag agrees; a row with
// no legacy flags keeps its existing is_synced value, defaulting to synced.
func (s *Store) migrateProfileSyncFlags(ctx context.Context) error {
	existing, err := s.tableColumns(ctx, "profile")
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(existing))
	var legacy []string
	for _, c := range existing {
		have[c] = true
		if strings.HasSuffix(c, "_synced") && c != "is_synced" {
			legacy = append(legacy, c)
		}
	}
	if len(legacy) == 0 {
		return nil
	}

	s.logger.Printf("Collapsing %d legacy profile sync columns: %s",
		len(legacy), strings.Join(legacy, ", "))

	// Build the copy column list from the target schema, substituting a
	// computed expression for is_synced.
	var dstCols, srcExprs []string
	for _, col := range profileColumns {
		dstCols = append(dstCols, col.name)
		switch {
		case col.name == "is_synced":
			srcExprs = append(srcExprs, legacySyncedExpr(legacy))
		case have[col.name]:
			srcExprs = append(srcExprs, col.name)
		default:
			// Missing column: let the shadow table default apply.
			srcExprs = append(srcExprs, defaultExpr(col.ddl))
		}
	}

	var shadowDDL []string
	for _, col := range profileColumns {
		ddl := col.ddl
		if col.name == "email" {
			ddl = "TEXT PRIMARY KEY"
		}
		shadowDDL = append(shadowDDL, fmt.Sprintf("%s %s", col.name, ddl))
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			fmt.Sprintf("CREATE TABLE profile_migrated (%s)", strings.Join(shadowDDL, ", ")),
			fmt.Sprintf("INSERT INTO profile_migrated (%s) SELECT %s FROM profile",
				strings.Join(dstCols, ", "), strings.Join(srcExprs, ", ")),
			"DROP TABLE profile",
			"ALTER TABLE profile_migrated RENAME TO profile",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration statement failed (%s): %w", stmt, err)
			}
		}
		return nil
	})
}

// legacySyncedExpr computes the collapsed is_synced value: 1 only when every
// legacy flag is affirmative. Legacy stores wrote flags as 'Y'/'N' text.
func legacySyncedExpr(legacy []string) string {
	var conds []string
	for _, c := range legacy {
		conds = append(conds, fmt.Sprintf("%s IN ('Y', '1', 1)", c))
	}
	return fmt.Sprintf("CASE WHEN %s THEN 1 ELSE 0 END", strings.Join(conds, " AND "))
}

// defaultExpr extracts the DEFAULT literal from a DDL fragment, falling
// back to NULL when none is declared.
func defaultExpr(ddl string) string {
	idx := strings.Index(ddl, "DEFAULT ")
	if idx < 0 {
		return "NULL"
	}
	return strings.TrimSpace(ddl[idx+len("DEFAULT "):])
}
