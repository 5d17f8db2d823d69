package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldops/attendsync/internal/record"
	"github.com/fieldops/attendsync/internal/server"
	"github.com/fieldops/attendsync/internal/store"
	"github.com/fieldops/attendsync/internal/timeutil"
)

// fakeClient implements server.Client with a scriptable push outcome.
type fakeClient struct {
	pushErr error
	pushed  []server.Mutation

	// blockUntil, when set, makes PushMutation wait; used to hold a drain
	// in flight.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeClient) FetchAttendance(ctx context.Context, userID, month string) ([]server.DayBucket, error) {
	return nil, nil
}

func (f *fakeClient) PushMutation(ctx context.Context, m server.Mutation) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.pushed = append(f.pushed, m)
	return f.pushErr
}

func newTestQueue(t *testing.T, config *Config) (*Queue, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
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
	return New(s, config), s
}

func enqueueOne(t *testing.T, q *Queue) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), "attendance", "punch-1", "", "create",
		map[string]string{"userId": "u1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

// rewind makes an entry due again without disturbing anything else.
func rewind(t *testing.T, q *Queue, id int64) {
	t.Helper()
	if _, err := q.db.Exec("UPDATE sync_queue SET next_retry_at = 0 WHERE id = ?", id); err != nil {
		t.Fatalf("rewind failed: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	if d := Backoff(1); d != 30*time.Second {
		t.Errorf("Backoff(1) = %v, want 30s", d)
	}
	if d := Backoff(2); d != time.Minute {
		t.Errorf("Backoff(2) = %v, want 1m", d)
	}
	if d := Backoff(100); d != time.Hour {
		t.Errorf("Backoff(100) = %v, want 1h cap", d)
	}
	if d := Backoff(0); d != 30*time.Second {
		t.Errorf("Backoff(0) = %v, want 30s", d)
	}

	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		d := Backoff(i)
		if d < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", i, d, prev)
		}
		prev = d
	}
}

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	id := enqueueOne(t, q)

	e, err := q.Entry(context.Background(), id)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Type != "attendance" || e.EntityID != "punch-1" || e.Operation != "create" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attempts != 0 || e.Status != StatusPending {
		t.Errorf("fresh entry state = attempts %d status %s", e.Attempts, e.Status)
	}
	if e.NextRetryAt > timeutil.NowUTC() {
		t.Error("fresh entry not immediately due")
	}
}

func TestDrainOnce_AckDeletes(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueueOne(t, q)
	if _, err := q.Enqueue(context.Background(), "settings", "reminder_time", "", "update", "18:30"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	client := &fakeClient{}
	result, err := q.DrainOnce(context.Background(), client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Pushed != 2 || result.Failed != 0 || result.Dead != 0 {
		t.Errorf("result = %+v, want 2 pushed", result)
	}
	if len(client.pushed) != 2 {
		t.Errorf("client saw %d mutations", len(client.pushed))
	}

	pending, err := q.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d entries survived acknowledgment", len(pending))
	}
}

func TestDrainOnce_AckMarksRecordSynced(t *testing.T) {
	q, s := newTestQueue(t, nil)
	ctx := context.Background()

	a := &record.Attendance{
		UserID:      "u1",
		Timestamp:   1000,
		OrgID:       "org-1",
		Direction:   record.DirectionIn,
		DateOfPunch: "2026-03-10",
	}
	if err := s.InsertAttendance(a); err != nil {
		t.Fatalf("InsertAttendance failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, "attendance", a.PunchID, "", "create", a); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := q.DrainOnce(ctx, &fakeClient{})
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Pushed != 1 {
		t.Fatalf("result = %+v, want 1 pushed", result)
	}

	// The pushed punch no longer reads as unsynced anywhere.
	unsynced, err := s.UnsyncedAttendance("u1")
	if err != nil {
		t.Fatalf("UnsyncedAttendance failed: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("%d records still unsynced after acknowledged drain", len(unsynced))
	}

	records, err := s.AttendanceByUser("u1")
	if err != nil {
		t.Fatalf("AttendanceByUser failed: %v", err)
	}
	if len(records) != 1 || records[0].Synced != record.FlagYes {
		t.Fatalf("records = %+v, want one synced record", records)
	}
	if records[0].LastSyncedAt == 0 {
		t.Error("LastSyncedAt not stamped")
	}

	d, err := s.DaySummaryFor(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatalf("DaySummaryFor failed: %v", err)
	}
	if d.UnsyncedCount != 0 {
		t.Errorf("UnsyncedCount = %d after acknowledged drain, want 0", d.UnsyncedCount)
	}
}

func TestDrainOnce_TransientFailureBacksOff(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	id := enqueueOne(t, q)
	ctx := context.Background()

	client := &fakeClient{pushErr: fmt.Errorf("post: %w", server.ErrPushUnavailable)}

	before := timeutil.NowUTC()
	result, err := q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v, want 1 failed", result)
	}

	e, err := q.Entry(ctx, id)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", e.Attempts)
	}
	first := e.NextRetryAt
	if first < before+Backoff(1).Milliseconds() {
		t.Errorf("NextRetryAt = %d, want >= now+30s", first)
	}

	// The entry is no longer due, so another drain skips it entirely.
	result, err = q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("second DrainOnce failed: %v", err)
	}
	if result.Failed != 0 || result.Pushed != 0 {
		t.Errorf("backed-off entry drained early: %+v", result)
	}

	// A later failure schedules strictly further out.
	rewind(t, q, id)
	if _, err := q.DrainOnce(ctx, client); err != nil {
		t.Fatalf("third DrainOnce failed: %v", err)
	}
	e, err = q.Entry(ctx, id)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", e.Attempts)
	}
	if e.NextRetryAt < before+Backoff(2).Milliseconds() {
		t.Errorf("second deadline %d not pushed out by Backoff(2)", e.NextRetryAt)
	}
}

func TestDrainOnce_RejectionDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	id := enqueueOne(t, q)
	ctx := context.Background()

	client := &fakeClient{pushErr: fmt.Errorf("400: %w", server.ErrPushRejected)}
	result, err := q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Dead != 1 {
		t.Errorf("result = %+v, want 1 dead", result)
	}

	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Errorf("dead list = %+v", dead)
	}

	// Dead entries are never drained.
	client.pushed = nil
	if _, err := q.DrainOnce(ctx, client); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if len(client.pushed) != 0 {
		t.Error("dead entry was pushed")
	}
}

func TestDrainOnce_RetryBudgetExhaustion(t *testing.T) {
	q, _ := newTestQueue(t, &Config{MaxAttempts: 2})
	id := enqueueOne(t, q)
	ctx := context.Background()

	client := &fakeClient{pushErr: fmt.Errorf("dial: %w", server.ErrPushUnavailable)}

	result, err := q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("first pass = %+v", result)
	}

	rewind(t, q, id)
	result, err = q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Dead != 1 {
		t.Errorf("second pass = %+v, want dead-letter at budget", result)
	}

	e, err := q.Entry(ctx, id)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Status != StatusDead {
		t.Errorf("Status = %s, want dead", e.Status)
	}
}

func TestRequeue(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	id := enqueueOne(t, q)
	ctx := context.Background()

	// Requeueing a live entry is refused.
	if err := q.Requeue(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Requeue(pending) = %v, want ErrNotFound", err)
	}

	client := &fakeClient{pushErr: fmt.Errorf("410: %w", server.ErrPushRejected)}
	if _, err := q.DrainOnce(ctx, client); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	if err := q.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	e, err := q.Entry(ctx, id)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if e.Status != StatusPending || e.Attempts != 0 {
		t.Errorf("requeued entry = status %s attempts %d", e.Status, e.Attempts)
	}

	// The revived entry drains normally.
	client.pushErr = nil
	result, err := q.DrainOnce(ctx, client)
	if err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	if result.Pushed != 1 {
		t.Errorf("result = %+v, want 1 pushed", result)
	}
}

func TestDrainOnce_MutualExclusion(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	enqueueOne(t, q)

	client := &fakeClient{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.DrainOnce(context.Background(), client)
		done <- err
	}()

	// Wait until the first drain is holding an entry mid-push.
	<-client.entered

	if _, err := q.DrainOnce(context.Background(), &fakeClient{}); !errors.Is(err, ErrDrainInFlight) {
		t.Errorf("concurrent drain = %v, want ErrDrainInFlight", err)
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("first drain failed: %v", err)
	}

	// With the first drain finished, draining works again.
	if _, err := q.DrainOnce(context.Background(), &fakeClient{}); err != nil {
		t.Errorf("post-drain DrainOnce = %v", err)
	}
}

func TestEntry_NotFound(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	if _, err := q.Entry(context.Background(), 12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("Entry(missing) = %v, want ErrNotFound", err)
	}
}
