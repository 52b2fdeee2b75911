package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stridelabs/stride/internal/store"
	"github.com/stridelabs/stride/internal/types"
)

func newTestQueue(t *testing.T, maxAttempts int, backoffBase, lease time.Duration) *SQLiteQueue {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteQueue(db.DB(), maxAttempts, backoffBase, lease)
}

func testJob(goalID string, priority int) NewJob {
	return NewJob{
		GoalID:   goalID,
		UserID:   "user-1",
		Priority: priority,
		Spec: types.GoalSpec{
			Name:              "Learn Go",
			DurationDays:      14,
			TimePerDayMinutes: 90,
			SkillLevel:        types.SkillBeginner,
		},
	}
}

func TestEnqueueClaim_RoundTrip(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)

	jobID, err := q.Enqueue(context.Background(), testJob("goal-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("Expected job id to be set")
	}

	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != jobID {
		t.Errorf("Expected job %s, got %s", jobID, job.ID)
	}
	if job.State != types.JobActive {
		t.Errorf("Expected state active, got %s", job.State)
	}
	if job.Attempts != 1 {
		t.Errorf("Expected attempts 1, got %d", job.Attempts)
	}
	if job.Spec.Name != "Learn Go" || job.Spec.TimePerDayMinutes != 90 {
		t.Errorf("Payload did not round-trip: %+v", job.Spec)
	}
	if job.LeaseExpiresAt == nil {
		t.Error("Expected lease to be set")
	}
	if job.StartedAt == nil {
		t.Error("Expected started_at to be set")
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)

	_, err := q.Claim(context.Background(), "worker-1")
	if !errors.Is(err, ErrNoJob) {
		t.Errorf("Expected ErrNoJob, got %v", err)
	}
}

func TestClaim_ActiveJobNotRedeliveredUnderLease(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)
	if _, err := q.Enqueue(context.Background(), testJob("goal-1", 0)); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Claim(context.Background(), "worker-1"); err != nil {
		t.Fatal(err)
	}

	_, err := q.Claim(context.Background(), "worker-2")
	if !errors.Is(err, ErrNoJob) {
		t.Errorf("Expected ErrNoJob while lease held, got %v", err)
	}
}

func TestClaim_RedeliversExpiredLease(t *testing.T) {
	// Zero-length lease expires immediately, standing in for a crashed worker
	q := newTestQueue(t, 3, time.Second, 0)
	if _, err := q.Enqueue(context.Background(), testJob("goal-1", 0)); err != nil {
		t.Fatal(err)
	}

	first, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	// Lease strings have second precision
	time.Sleep(1100 * time.Millisecond)

	second, err := q.Claim(context.Background(), "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected redelivery of %s, got %s", first.ID, second.ID)
	}
	if second.Attempts != 2 {
		t.Errorf("Expected attempts 2 on redelivery, got %d", second.Attempts)
	}
}

func TestClaim_PriorityOrder(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)
	if _, err := q.Enqueue(context.Background(), testJob("goal-low", 0)); err != nil {
		t.Fatal(err)
	}
	highID, err := q.Enqueue(context.Background(), testJob("goal-high", 5))
	if err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != highID {
		t.Errorf("Expected high-priority job first, got goal %s", job.GoalID)
	}
}

func TestComplete(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)
	jobID, err := q.Enqueue(context.Background(), testJob("goal-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(context.Background(), "worker-1"); err != nil {
		t.Fatal(err)
	}

	if err := q.Complete(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	st, err := q.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != types.JobCompleted {
		t.Errorf("Expected state completed, got %s", st.State)
	}
	if st.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	if err := q.Complete(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestFail_RetriesWithBackoff(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)
	jobID, err := q.Enqueue(context.Background(), testJob("goal-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(context.Background(), "worker-1"); err != nil {
		t.Fatal(err)
	}

	state, err := q.Fail(context.Background(), jobID, "remote error")
	if err != nil {
		t.Fatal(err)
	}
	if state != types.JobWaiting {
		t.Errorf("Expected job back to waiting, got %s", state)
	}

	st, err := q.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.FailureReason != "remote error" {
		t.Errorf("Expected failure reason recorded, got %q", st.FailureReason)
	}

	// Backoff pushes next_run_at into the future; not claimable yet
	if _, err := q.Claim(context.Background(), "worker-1"); !errors.Is(err, ErrNoJob) {
		t.Errorf("Expected ErrNoJob during backoff, got %v", err)
	}
}

func TestFail_TerminalAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, 1, time.Millisecond, time.Minute)
	jobID, err := q.Enqueue(context.Background(), testJob("goal-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(context.Background(), "worker-1"); err != nil {
		t.Fatal(err)
	}

	state, err := q.Fail(context.Background(), jobID, "remote error")
	if err != nil {
		t.Fatal(err)
	}
	if state != types.JobFailed {
		t.Errorf("Expected terminal failure, got %s", state)
	}

	st, err := q.Status(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != types.JobFailed {
		t.Errorf("Expected state failed, got %s", st.State)
	}
	if st.FinishedAt == nil {
		t.Error("Expected finished_at on terminal failure")
	}

	if _, err := q.Claim(context.Background(), "worker-1"); !errors.Is(err, ErrNoJob) {
		t.Errorf("Expected failed job to stay out of the queue, got %v", err)
	}
}

func TestStatus_NotFound(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)

	_, err := q.Status(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestPendingCount(t *testing.T) {
	q := newTestQueue(t, 3, time.Second, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), testJob("goal", 0)); err != nil {
			t.Fatal(err)
		}
	}
	job, err := q.Claim(context.Background(), "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(context.Background(), job.ID); err != nil {
		t.Fatal(err)
	}

	count, err := q.PendingCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("Expected 2 pending, got %d", count)
	}
}

func TestPurgeCompleted_RetainsFailed(t *testing.T) {
	q := newTestQueue(t, 1, time.Millisecond, time.Minute)

	doneID, err := q.Enqueue(context.Background(), testJob("goal-done", 0))
	if err != nil {
		t.Fatal(err)
	}
	failID, err := q.Enqueue(context.Background(), testJob("goal-fail", 0))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := q.Claim(context.Background(), "worker-1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Complete(context.Background(), doneID); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Fail(context.Background(), failID, "remote error"); err != nil {
		t.Fatal(err)
	}

	purged, err := q.PurgeCompleted(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged, got %d", purged)
	}

	// Failed job survives for inspection
	st, err := q.Status(context.Background(), failID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != types.JobFailed {
		t.Errorf("Expected failed job retained, got %s", st.State)
	}
	if _, err := q.Status(context.Background(), doneID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected completed job purged, got %v", err)
	}
}
