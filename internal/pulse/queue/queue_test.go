package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/db"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/repository"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "pulses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := repository.NewWithDB(pool.Writer(), pool.Reader())
	require.NoError(t, err)
	return New(repo, logger.Default())
}

func TestScheduleDefaults(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{
		ScheduledAt: time.Now().Add(time.Hour),
		Prompt:      "morning review",
	})
	require.NoError(t, err)

	p, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, p.Priority)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, "system", p.CreatedBy)
}

func TestScheduleValidation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now(), Prompt: ""})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	long := make([]rune, models.MaxPromptLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now(), Prompt: string(long)})
	assert.ErrorIs(t, err, ErrPromptTooLong)

	_, err = q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now(), Prompt: "p", MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidMaxRetries)

	_, err = q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now(), Prompt: "p", Priority: "urgent"})
	assert.Error(t, err)
}

func TestScheduleNormalizesPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{
		ScheduledAt: time.Now().Add(time.Hour),
		Prompt:      "mixed case",
		Priority:    models.Priority(" HIGH "),
	})
	require.NoError(t, err)

	p, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, p.Priority)
}

func TestSchedulePastDatedAccepted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{
		ScheduledAt: time.Now().Add(-time.Hour),
		Prompt:      "late",
	})
	require.NoError(t, err)

	due, err := q.GetDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
}

func TestClaimCompleteCycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now().Add(-time.Second), Prompt: "go"})
	require.NoError(t, err)

	claimed, err := q.MarkProcessing(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses the CAS
	claimed, err = q.MarkProcessing(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, q.MarkCompleted(ctx, id, 42))
	p, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
}

func TestFailRetryChainStopsAtMax(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{
		ScheduledAt: time.Now().Add(-time.Second),
		Prompt:      "always fails",
		MaxRetries:  2,
	})
	require.NoError(t, err)

	// original (retry=0) -> retry=1 -> retry=2, then no further pulse
	for want := 1; want <= 2; want++ {
		claimed, err := q.MarkProcessing(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)

		retry, err := q.MarkFailed(ctx, id, "nope", true)
		require.NoError(t, err)
		require.NotNil(t, retry)
		assert.Equal(t, want, retry.RetryCount)
		id = retry.ID
	}

	claimed, err := q.MarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	retry, err := q.MarkFailed(ctx, id, "nope", true)
	require.NoError(t, err)
	assert.Nil(t, retry)

	all, err := q.ListByStatus(ctx, "all", 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, p := range all {
		assert.Equal(t, models.StatusFailed, p.Status)
	}
}

func TestGetUpcomingIncludesFuture(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now().Add(time.Hour), Prompt: "later"})
	require.NoError(t, err)

	upcoming, err := q.GetUpcoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, id, upcoming[0].ID)

	// but it is not due
	due, err := q.GetDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCancelThenNeverDue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now().Add(-time.Second), Prompt: "victim"})
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	due, err := q.GetDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	p, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, p.Status)
}

func TestReconcileOrphans(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Schedule(ctx, ScheduleRequest{ScheduledAt: time.Now().Add(-time.Second), Prompt: "stranded"})
	require.NoError(t, err)
	claimed, err := q.MarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	touched, err := q.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	p, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, 1, p.RetryCount)
}
