// Package queue implements the business operations over the pulse store:
// schedule, claim, complete, fail-with-retry, cancel, reschedule, list.
// It is the sole mutator of pulses; every state transition flows through here
// and is logged.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/repository"
)

// Common errors
var (
	ErrEmptyPrompt       = errors.New("prompt must not be empty")
	ErrPromptTooLong     = fmt.Errorf("prompt must be at most %d characters", models.MaxPromptLength)
	ErrInvalidMaxRetries = errors.New("max_retries must be positive")
)

// ErrNotFound is re-exported so callers need not import the repository.
var ErrNotFound = repository.ErrNotFound

const defaultMaxRetries = 3

// ScheduleRequest carries the inputs for scheduling a new pulse.
type ScheduleRequest struct {
	ScheduledAt time.Time
	Prompt      string
	Priority    models.Priority // defaults to normal
	SessionID   string
	StickyNotes []string
	Tags        []string
	CreatedBy   string // defaults to "system"
	MaxRetries  int    // defaults to 3
}

// Queue provides the pulse operations shared by the daemon and every ingress.
type Queue struct {
	repo   *repository.Repository
	logger *logger.Logger
}

// New creates a queue over the given repository.
func New(repo *repository.Repository, log *logger.Logger) *Queue {
	return &Queue{
		repo:   repo,
		logger: log.WithComponent("queue"),
	}
}

// Schedule validates and inserts a new pending pulse, returning its id.
// Past-dated scheduled times are accepted; they become due immediately.
func (q *Queue) Schedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	if req.Prompt == "" {
		return 0, ErrEmptyPrompt
	}
	if len([]rune(req.Prompt)) > models.MaxPromptLength {
		return 0, ErrPromptTooLong
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = defaultMaxRetries
	}
	if req.MaxRetries < 0 {
		return 0, ErrInvalidMaxRetries
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	priority, err := models.ParsePriority(string(req.Priority))
	if err != nil {
		return 0, err
	}
	req.Priority = priority

	p := &models.Pulse{
		ScheduledAt: req.ScheduledAt,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		Status:      models.StatusPending,
		SessionID:   req.SessionID,
		StickyNotes: req.StickyNotes,
		Tags:        req.Tags,
		MaxRetries:  req.MaxRetries,
		CreatedBy:   req.CreatedBy,
	}
	if err := q.repo.Insert(ctx, p); err != nil {
		return 0, fmt.Errorf("failed to schedule pulse: %w", err)
	}

	q.logger.Info("pulse scheduled",
		zap.Int64("pulse_id", p.ID),
		zap.String("priority", string(p.Priority)),
		zap.Time("scheduled_at", p.ScheduledAt),
		zap.String("created_by", p.CreatedBy),
		zap.String("prompt", p.PromptExcerpt(100)))
	return p.ID, nil
}

// GetDue returns up to limit claimable pulses ordered by (priority, scheduled_at).
func (q *Queue) GetDue(ctx context.Context, limit int) ([]*models.Pulse, error) {
	return q.repo.GetDue(ctx, limit, time.Now())
}

// GetUpcoming returns up to limit pulses in the given statuses (default
// pending), ordered by scheduled time.
func (q *Queue) GetUpcoming(ctx context.Context, limit int, statuses ...models.Status) ([]*models.Pulse, error) {
	return q.repo.GetUpcoming(ctx, limit, statuses)
}

// Get returns the pulse with the given id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*models.Pulse, error) {
	return q.repo.Get(ctx, id)
}

// ListByStatus returns pulses matching a status filter, including the
// "overdue" and "all" pseudo-filters.
func (q *Queue) ListByStatus(ctx context.Context, filter string, limit int) ([]*models.Pulse, error) {
	return q.repo.ListByStatus(ctx, filter, limit)
}

// MarkProcessing claims a pending pulse. False means another actor already
// claimed it (or it is not pending); the caller skips it.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	claimed, err := q.repo.MarkProcessing(ctx, id)
	if err != nil {
		return false, err
	}
	if claimed {
		q.logger.Info("pulse claimed", zap.Int64("pulse_id", id))
	}
	return claimed, nil
}

// MarkCompleted finishes a processing pulse.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, durationMS int64) error {
	if err := q.repo.MarkCompleted(ctx, id, durationMS); err != nil {
		return err
	}
	q.logger.Info("pulse completed",
		zap.Int64("pulse_id", id),
		zap.Int64("duration_ms", durationMS))
	return nil
}

// MarkFailed fails a processing pulse and returns the retry pulse when one
// was created under the 2^retry_count minute backoff policy.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errorMessage string, shouldRetry bool) (*models.Pulse, error) {
	retry, err := q.repo.MarkFailed(ctx, id, errorMessage, shouldRetry)
	if err != nil {
		return nil, err
	}
	q.logger.Error("pulse failed",
		zap.Int64("pulse_id", id),
		zap.String("error", errorMessage),
		zap.Bool("retry_scheduled", retry != nil))
	if retry != nil {
		q.logger.Info("retry pulse scheduled",
			zap.Int64("pulse_id", retry.ID),
			zap.Int64("original_id", id),
			zap.Int("retry_count", retry.RetryCount),
			zap.Time("scheduled_at", retry.ScheduledAt))
	}
	return retry, nil
}

// Cancel cancels a pending pulse. False for anything not pending.
func (q *Queue) Cancel(ctx context.Context, id int64) (bool, error) {
	cancelled, err := q.repo.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if cancelled {
		q.logger.Info("pulse cancelled", zap.Int64("pulse_id", id))
	}
	return cancelled, nil
}

// Reschedule moves a pending pulse to a new time. False for anything not
// pending.
func (q *Queue) Reschedule(ctx context.Context, id int64, scheduledAt time.Time) (bool, error) {
	moved, err := q.repo.Reschedule(ctx, id, scheduledAt)
	if err != nil {
		return false, err
	}
	if moved {
		q.logger.Info("pulse rescheduled",
			zap.Int64("pulse_id", id),
			zap.Time("scheduled_at", scheduledAt))
	}
	return moved, nil
}

// ReconcileOrphans resets pulses stranded in processing by a previous run.
func (q *Queue) ReconcileOrphans(ctx context.Context) (int64, error) {
	touched, err := q.repo.ResetOrphanedProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if touched > 0 {
		q.logger.Warn("reconciled orphaned processing pulses", zap.Int64("count", touched))
	}
	return touched, nil
}

// Stats returns current queue depth counters.
func (q *Queue) Stats(ctx context.Context) (*repository.Stats, error) {
	return q.repo.Stats(ctx)
}

// ExecutionStats returns execution outcomes for the trailing seven days.
func (q *Queue) ExecutionStats(ctx context.Context) (*repository.ExecutionStats, error) {
	return q.repo.ExecutionStats(ctx, 7)
}
