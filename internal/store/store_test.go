package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fieldops/attendsync/internal/record"
)

// newTestStore creates a store backed by a temp database with the schema
// initialized.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return s
}

func testPunch(userID string, ts int64, dir record.Direction) *record.Attendance {
	return &record.Attendance{
		UserID:      userID,
		Timestamp:   ts,
		OrgID:       "org-1",
		Direction:   dir,
		DateOfPunch: "2026-03-10",
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := newTestStore(t)

	// Second and third runs must be no-ops, not errors.
	if err := s.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
	if err := s.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("third InitSchema failed: %v", err)
	}
}

func TestInsertAttendance_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	a := testPunch("u1", 1000, record.DirectionIn)
	a.LatLon = "12.97,77.59"
	a.Address = "Field site 4"
	if err := s.InsertAttendance(a); err != nil {
		t.Fatalf("InsertAttendance failed: %v", err)
	}

	// SetDefaults must have stamped the identity fields.
	if a.PunchID == "" {
		t.Error("PunchID not generated")
	}
	if a.Synced != record.FlagNo {
		t.Errorf("Synced = %q, want N", a.Synced)
	}

	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	got := records[0]
	if got.PunchID != a.PunchID || got.LatLon != "12.97,77.59" || got.Address != "Field site 4" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestInsertAttendance_DuplicateKey(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertAttendance(testPunch("u1", 1000, record.DirectionIn)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	err := s.InsertAttendance(testPunch("u1", 1000, record.DirectionIn))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate insert = %v, want ErrDuplicateKey", err)
	}

	// Same timestamp for a different user is a different key.
	if err := s.InsertAttendance(testPunch("u2", 1000, record.DirectionIn)); err != nil {
		t.Errorf("cross-user insert failed: %v", err)
	}
}

func TestAttendanceByUser_NewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, ts := range []int64{3000, 1000, 2000} {
		if err := s.InsertAttendance(testPunch("u1", ts, record.DirectionIn)); err != nil {
			t.Fatalf("insert %d failed: %v", ts, err)
		}
	}

	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser failed: %v", err)
	}

	want := []int64{3000, 2000, 1000}
	for i, w := range want {
		if records[i].Timestamp != w {
			t.Errorf("records[%d].Timestamp = %d, want %d", i, records[i].Timestamp, w)
		}
	}
}

func TestAttendanceByDay_OldestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, ts := range []int64{3000, 1000} {
		if err := s.InsertAttendance(testPunch("u1", ts, record.DirectionIn)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	other := testPunch("u1", 2000, record.DirectionOut)
	other.DateOfPunch = "2026-03-11"
	if err := s.InsertAttendance(other); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	records, err := s.AttendanceByDay(context.Background(), "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("AttendanceByDay failed: %v", err)
	}
	if len(records) != 2 || records[0].Timestamp != 1000 || records[1].Timestamp != 3000 {
		t.Errorf("day bucket = %+v, want [1000 3000]", records)
	}
}

func TestMarkSynced(t *testing.T) {
	s := newTestStore(t)

	a := testPunch("u1", 1000, record.DirectionIn)
	a.Address = "Depot"
	if err := s.InsertAttendance(a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := s.MarkSynced("u1", 1000); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	unsynced, err := s.UnsyncedAttendance("u1")
	if err != nil {
		t.Fatalf("UnsyncedAttendance failed: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("still %d unsynced records after MarkSynced", len(unsynced))
	}

	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser failed: %v", err)
	}
	got := records[0]
	if got.Synced != record.FlagYes {
		t.Errorf("Synced = %q, want Y", got.Synced)
	}
	if got.LastSyncedAt == 0 {
		t.Error("LastSyncedAt not stamped")
	}
	if got.Address != "Depot" {
		t.Errorf("unrelated field changed: Address = %q", got.Address)
	}

	// Marking again is a harmless no-op.
	if err := s.MarkSynced("u1", 1000); err != nil {
		t.Errorf("repeat MarkSynced failed: %v", err)
	}
}

func TestDaySummary_RefreshedOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAttendance(testPunch("u1", 1000, record.DirectionIn)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.InsertAttendance(testPunch("u1", 5000, record.DirectionOut)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	d, err := s.DaySummaryFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("DaySummaryFor failed: %v", err)
	}
	if d.RecordCount != 2 || d.UnsyncedCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", d.RecordCount, d.UnsyncedCount)
	}
	if d.FirstIn != 1000 || d.LastOut != 5000 {
		t.Errorf("span = %d..%d, want 1000..5000", d.FirstIn, d.LastOut)
	}

	if err := s.MarkSynced("u1", 1000); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	d, err = s.DaySummaryFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("DaySummaryFor failed: %v", err)
	}
	if d.UnsyncedCount != 1 {
		t.Errorf("UnsyncedCount = %d after MarkSynced, want 1", d.UnsyncedCount)
	}
}

func TestRefreshDaySummary_EmptyBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A bucket with no rows still refreshes to an all-zero view. Server
	// responses can report days that carry no records at all.
	if err := s.RefreshDaySummary(ctx, "u1", "2026-03-10"); err != nil {
		t.Fatalf("RefreshDaySummary on empty bucket failed: %v", err)
	}

	d, err := s.DaySummaryFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("DaySummaryFor failed: %v", err)
	}
	if d.RecordCount != 0 || d.UnsyncedCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", d.RecordCount, d.UnsyncedCount)
	}
	if d.FirstIn != 0 || d.LastOut != 0 {
		t.Errorf("span = %d..%d, want 0..0", d.FirstIn, d.LastOut)
	}
}

func TestMarkSynced_UsesStoredDayBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A record whose stored day bucket differs from its timestamp's UTC
	// day, as happens for server-born rows merged under the server's date.
	a := testPunch("u1", 1000, record.DirectionIn)
	a.DateOfPunch = "2026-03-11"
	if err := s.InsertAttendance(a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := s.MarkSynced("u1", 1000); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	d, err := s.DaySummaryFor(ctx, "u1", "2026-03-11")
	if err != nil {
		t.Fatalf("DaySummaryFor failed: %v", err)
	}
	if d.RecordCount != 1 || d.UnsyncedCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", d.RecordCount, d.UnsyncedCount)
	}

	// The timestamp's own UTC day was never touched.
	if _, err := s.DaySummaryFor(ctx, "u1", "1970-01-01"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("unrelated bucket refreshed: %v", err)
	}
}

func TestConfirmPushed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testPunch("u1", 1000, record.DirectionIn)
	if err := s.InsertAttendance(a); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	res, err := s.RawDB().Exec(`
	INSERT INTO sync_queue (type, entity_id, property, operation, data, timestamp, attempts, next_retry_at, status, created_at)
	VALUES ('attendance', ?, '', 'create', '{}', 1000, 0, 0, 'pending', 1000)
	`, a.PunchID)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("LastInsertId failed: %v", err)
	}

	if err := s.ConfirmPushed(ctx, entryID, a.PunchID); err != nil {
		t.Fatalf("ConfirmPushed failed: %v", err)
	}

	var remaining int
	if err := s.RawDB().QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&remaining); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("%d queue entries survived confirmation", remaining)
	}

	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser failed: %v", err)
	}
	if len(records) != 1 || records[0].Synced != record.FlagYes {
		t.Fatalf("records = %+v, want one synced record", records)
	}

	// An entry whose punch was never stored still gets removed.
	if err := s.ConfirmPushed(ctx, entryID+1, "no-such-punch"); err != nil {
		t.Errorf("ConfirmPushed(missing punch) = %v", err)
	}
}

func TestOnRefresh_ObserverNotified(t *testing.T) {
	s := newTestStore(t)

	var got []string
	s.OnRefresh(func(userID, date string) {
		got = append(got, userID+"/"+date)
	})

	if err := s.InsertAttendance(testPunch("u1", 1000, record.DirectionIn)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.MarkSynced("u1", 1000); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	if len(got) != 2 || got[0] != "u1/2026-03-10" || got[1] != "u1/2026-03-10" {
		t.Errorf("observer calls = %v", got)
	}
}

func TestMigrate_FreshDatabaseIsNoOp(t *testing.T) {
	s := newTestStore(t)

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate on fresh schema failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("repeat Migrate failed: %v", err)
	}
}

func TestMigrate_AddsMissingAttendanceColumns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "old.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// A store created by an older app version: attendance without the
	// trip extras or sync bookkeeping.
	_, err = s.RawDB().Exec(`
	CREATE TABLE attendance (
		user_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		punch_direction TEXT NOT NULL DEFAULT '',
		date_of_punch TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, timestamp)
	)`)
	if err != nil {
		t.Fatalf("creating legacy table failed: %v", err)
	}
	if _, err := s.RawDB().Exec(
		"INSERT INTO attendance (user_id, timestamp, punch_direction, date_of_punch) VALUES ('u1', 1000, 'IN', '2026-03-10')"); err != nil {
		t.Fatalf("seeding legacy row failed: %v", err)
	}

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// The legacy row survives with the new columns defaulted.
	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser after migration failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	got := records[0]
	if got.Timestamp != 1000 || got.Direction != record.DirectionIn {
		t.Errorf("legacy row mangled: %+v", got)
	}
	if got.Synced != record.FlagNo {
		t.Errorf("defaulted is_synced = %q, want N", got.Synced)
	}
}

func TestMigrate_CollapsesLegacyProfileSyncColumns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "legacy.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Old layout: one sync flag per tracked property.
	_, err = s.RawDB().Exec(`
	CREATE TABLE profile (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		name_synced TEXT NOT NULL DEFAULT 'N',
		dob TEXT NOT NULL DEFAULT '',
		dob_synced TEXT NOT NULL DEFAULT 'N'
	)`)
	if err != nil {
		t.Fatalf("creating legacy profile failed: %v", err)
	}

	seed := `INSERT INTO profile (email, name, name_synced, dob, dob_synced) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.RawDB().Exec(seed, "a@x.com", "Asha", "Y", "1990-01-01", "Y"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.RawDB().Exec(seed, "b@x.com", "Bo", "Y", "1991-02-02", "N"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	ctx := context.Background()

	// Fully synced row collapses to synced; the partially synced row does
	// not. Property values survive the rebuild.
	a, err := s.Profile(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Profile(a) failed: %v", err)
	}
	if !a.Synced {
		t.Error("fully synced legacy row collapsed to unsynced")
	}
	if a.Properties[record.PropName] != "Asha" || a.Properties[record.PropDOB] != "1990-01-01" {
		t.Errorf("property values lost: %+v", a.Properties)
	}

	b, err := s.Profile(ctx, "b@x.com")
	if err != nil {
		t.Fatalf("Profile(b) failed: %v", err)
	}
	if b.Synced {
		t.Error("partially synced legacy row collapsed to synced")
	}

	// The legacy columns are gone.
	cols, err := s.tableColumns(ctx, "profile")
	if err != nil {
		t.Fatalf("tableColumns failed: %v", err)
	}
	for _, c := range cols {
		if c == "name_synced" || c == "dob_synced" {
			t.Errorf("legacy column %s survived migration", c)
		}
	}

	// Running again is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("repeat Migrate failed: %v", err)
	}
}

func TestProfileAndSettings_SyncFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfileProperty(ctx, "a@x.com", record.PropDesignation, "Surveyor"); err != nil {
		t.Fatalf("UpsertProfileProperty failed: %v", err)
	}
	if err := s.UpsertProfileProperty(ctx, "a@x.com", "shoe_size", "44"); err == nil {
		t.Error("unknown property accepted")
	}

	p, err := s.Profile(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if p.Synced {
		t.Error("fresh local edit marked synced")
	}
	if p.Properties[record.PropDesignation] != "Surveyor" {
		t.Errorf("designation = %q", p.Properties[record.PropDesignation])
	}

	if err := s.MarkProfileSynced(ctx, "a@x.com", 12345); err != nil {
		t.Fatalf("MarkProfileSynced failed: %v", err)
	}
	p, err = s.Profile(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if !p.Synced || p.ServerLastSyncedAt != 12345 {
		t.Errorf("sync confirmation not recorded: %+v", p)
	}

	if err := s.PutSetting(ctx, "reminder_time", "18:30"); err != nil {
		t.Fatalf("PutSetting failed: %v", err)
	}
	pending, err := s.UnsyncedSettings(ctx)
	if err != nil {
		t.Fatalf("UnsyncedSettings failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Key != "reminder_time" {
		t.Errorf("pending settings = %+v", pending)
	}

	if err := s.MarkSettingSynced(ctx, "reminder_time", 999); err != nil {
		t.Fatalf("MarkSettingSynced failed: %v", err)
	}
	pending, err = s.UnsyncedSettings(ctx)
	if err != nil {
		t.Fatalf("UnsyncedSettings failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("settings still pending after sync: %+v", pending)
	}
}

func TestDaySummaryFor_UnknownBucket(t *testing.T) {
	s := newTestStore(t)

	_, err := s.DaySummaryFor(context.Background(), "u1", "2026-03-10")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("unknown bucket = %v, want sql.ErrNoRows", err)
	}
}
