package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeve/reeve/internal/db"
	"github.com/reeve/reeve/internal/pulse/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "pulses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := NewWithDB(pool.Writer(), pool.Reader())
	require.NoError(t, err)
	return repo
}

func insertPulse(t *testing.T, repo *Repository, p *models.Pulse) *models.Pulse {
	t.Helper()
	if p.Prompt == "" {
		p.Prompt = "test pulse"
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now()
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	require.NoError(t, repo.Insert(context.Background(), p))
	return p
}

func TestInsertGetRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	scheduled := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	p := insertPulse(t, repo, &models.Pulse{
		ScheduledAt: scheduled,
		Prompt:      "check the mail",
		Priority:    models.PriorityHigh,
		SessionID:   "sess-1",
		StickyNotes: []string{"a", "b"},
		Tags:        []string{"morning"},
		CreatedBy:   "test",
	})
	require.Greater(t, p.ID, int64(0))

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "check the mail", got.Prompt)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, []string{"a", "b"}, got.StickyNotes)
	assert.Equal(t, []string{"morning"}, got.Tags)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "test", got.CreatedBy)
	assert.True(t, scheduled.Equal(got.ScheduledAt))
	assert.Nil(t, got.ExecutedAt)
	assert.Nil(t, got.ExecutionDurationMS)
}

func TestGetNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimezoneRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// +05:30 offset must compare equal to the same absolute instant after a
	// store round trip.
	ist := time.FixedZone("IST", 5*3600+1800)
	scheduled := time.Date(2026, 6, 1, 14, 30, 0, 0, ist)
	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: scheduled})

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, scheduled.Equal(got.ScheduledAt),
		"want %v, got %v", scheduled, got.ScheduledAt)
}

func TestStickyNotesEmptyVsAbsent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	absent := insertPulse(t, repo, &models.Pulse{Prompt: "absent"})
	empty := insertPulse(t, repo, &models.Pulse{Prompt: "empty", StickyNotes: []string{}, Tags: []string{}})

	gotAbsent, err := repo.Get(ctx, absent.ID)
	require.NoError(t, err)
	assert.Nil(t, gotAbsent.StickyNotes)

	gotEmpty, err := repo.Get(ctx, empty.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotEmpty.StickyNotes)
	assert.Len(t, gotEmpty.StickyNotes, 0)
}

func TestGetDuePriorityOrdering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	// Inserted in shuffled order; claim order must be priority rank.
	for _, pr := range []models.Priority{
		models.PriorityLow, models.PriorityCritical, models.PriorityDeferred,
		models.PriorityNormal, models.PriorityHigh,
	} {
		insertPulse(t, repo, &models.Pulse{ScheduledAt: past, Priority: pr, Prompt: string(pr)})
	}

	due, err := repo.GetDue(ctx, 5, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 5)
	assert.Equal(t, models.PriorityCritical, due[0].Priority)
	assert.Equal(t, models.PriorityHigh, due[1].Priority)
	assert.Equal(t, models.PriorityNormal, due[2].Priority)
	assert.Equal(t, models.PriorityLow, due[3].Priority)
	assert.Equal(t, models.PriorityDeferred, due[4].Priority)
}

func TestGetDueFIFOWithinPriority(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	oldest := insertPulse(t, repo, &models.Pulse{ScheduledAt: now.Add(-3 * time.Second), Prompt: "oldest"})
	middle := insertPulse(t, repo, &models.Pulse{ScheduledAt: now.Add(-2 * time.Second), Prompt: "middle"})
	newest := insertPulse(t, repo, &models.Pulse{ScheduledAt: now.Add(-1 * time.Second), Prompt: "newest"})

	due, err := repo.GetDue(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, oldest.ID, due[0].ID)
	assert.Equal(t, middle.ID, due[1].ID)
	assert.Equal(t, newest.ID, due[2].ID)
}

func TestGetDueExcludesFutureAndNonPending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(time.Hour), Prompt: "future"})
	claimed := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute), Prompt: "claimed"})
	ok, err := repo.MarkProcessing(ctx, claimed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := repo.GetDue(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMarkProcessingAtMostOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.MarkProcessing(ctx, p.ID)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one claim must win")
}

func TestMarkCompleted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})

	ok, err := repo.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkCompleted(ctx, p.ID, 1234))

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	require.NotNil(t, got.ExecutionDurationMS)
	assert.Equal(t, int64(1234), *got.ExecutionDurationMS)
}

func TestMarkCompletedIgnoresNonProcessing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := insertPulse(t, repo, &models.Pulse{})

	require.NoError(t, repo.MarkCompleted(ctx, p.ID, 100))
	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ExecutionDurationMS)
}

func TestMarkFailedCreatesRetryPulse(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := insertPulse(t, repo, &models.Pulse{
		ScheduledAt: time.Now().Add(-time.Minute),
		Prompt:      "flaky",
		Priority:    models.PriorityHigh,
		SessionID:   "sess-9",
		StickyNotes: []string{"note"},
		Tags:        []string{"tag"},
		CreatedBy:   "reeve",
	})
	ok, err := repo.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	before := time.Now()
	retry, err := repo.MarkFailed(ctx, p.ID, "runner exploded", true)
	require.NoError(t, err)
	require.NotNil(t, retry)

	orig, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, orig.Status)
	assert.Equal(t, "runner exploded", orig.ErrorMessage)
	require.NotNil(t, orig.ExecutedAt)

	got, err := repo.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "retry_reeve", got.CreatedBy)
	assert.Equal(t, "flaky", got.Prompt)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Equal(t, []string{"note"}, got.StickyNotes)
	assert.Equal(t, []string{"tag"}, got.Tags)

	// 2^0 minutes backoff on the first failure
	want := before.Add(time.Minute)
	assert.WithinDuration(t, want, got.ScheduledAt, 5*time.Second)
}

func TestMarkFailedBackoffDoubles(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// retry_count preset to 2 probes the 2^k schedule: next backoff is 4 min.
	p := insertPulse(t, repo, &models.Pulse{
		ScheduledAt: time.Now().Add(-time.Minute),
		RetryCount:  2,
		MaxRetries:  5,
	})

	ok, err := repo.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	before := time.Now()
	retry, err := repo.MarkFailed(ctx, p.ID, "boom", true)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, 3, retry.RetryCount)
	assert.WithinDuration(t, before.Add(4*time.Minute), retry.ScheduledAt, 5*time.Second)
}

func TestMarkFailedStopsAtMaxRetries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := insertPulse(t, repo, &models.Pulse{
		ScheduledAt: time.Now().Add(-time.Minute),
		RetryCount:  2,
		MaxRetries:  2,
	})
	ok, err := repo.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	retry, err := repo.MarkFailed(ctx, p.ID, "done for", true)
	require.NoError(t, err)
	assert.Nil(t, retry)

	all, err := repo.ListByStatus(ctx, "all", 100)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkFailedNoRetryWhenDisabled(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	ok, err := repo.MarkProcessing(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	retry, err := repo.MarkFailed(ctx, p.ID, "environment broken", false)
	require.NoError(t, err)
	assert.Nil(t, retry)
}

func TestCancelSemantics(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(time.Hour)})

	ok, err := repo.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second cancel is a no-op
	ok, err = repo.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Cancelling a processing pulse must not touch it
	q := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	claimOK, err := repo.MarkProcessing(ctx, q.ID)
	require.NoError(t, err)
	require.True(t, claimOK)

	ok, err = repo.Cancel(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = repo.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestReschedule(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(time.Hour)})

	newTime := time.Now().Add(2 * time.Hour).UTC()
	ok, err := repo.Reschedule(ctx, p.ID, newTime)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, newTime.Equal(got.ScheduledAt))

	cancelled, err := repo.Cancel(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	ok, err = repo.Reschedule(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetOrphanedProcessing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	retriable := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	exhausted := insertPulse(t, repo, &models.Pulse{
		ScheduledAt: time.Now().Add(-time.Minute),
		RetryCount:  3,
		MaxRetries:  3,
	})
	for _, id := range []int64{retriable.ID, exhausted.ID} {
		ok, err := repo.MarkProcessing(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	touched, err := repo.ResetOrphanedProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), touched)

	got, err := repo.Get(ctx, retriable.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	got, err = repo.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "orphaned")
}

func TestListByStatusOverdue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	due := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute), Prompt: "due"})
	insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(time.Hour), Prompt: "future"})

	overdue, err := repo.ListByStatus(ctx, "overdue", 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, due.ID, overdue[0].ID)

	all, err := repo.ListByStatus(ctx, "all", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = repo.ListByStatus(ctx, "bogus", 10)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(time.Hour)})
	done := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	ok, err := repo.MarkProcessing(ctx, done.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkCompleted(ctx, done.ID, 50))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Overdue)
	assert.Equal(t, 1, stats.Completed24h)
}

func TestExecutionStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	done := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute)})
	ok, err := repo.MarkProcessing(ctx, done.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkCompleted(ctx, done.ID, 200))

	failed := insertPulse(t, repo, &models.Pulse{ScheduledAt: time.Now().Add(-time.Minute), MaxRetries: 3})
	ok, err = repo.MarkProcessing(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.MarkFailed(ctx, failed.ID, "broke", false)
	require.NoError(t, err)

	stats, err := repo.ExecutionStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.InDelta(t, 200, stats.AvgDurationMS, 0.001)
	require.Len(t, stats.RecentFailures, 1)
	assert.Equal(t, failed.ID, stats.RecentFailures[0].ID)
}
