package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reeve/reeve/internal/db/dialect"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/tracing"
)

// timeLayout is a fixed-width RFC3339 form. All instants are normalized to
// UTC before storage, so lexicographic comparison in SQL matches
// chronological order and timezone information round-trips without loss.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const pulseColumns = `id, scheduled_at, prompt, priority, status, session_id, sticky_notes, tags,
	retry_count, max_retries, created_by, created_at, executed_at, execution_duration_ms, error_message`

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// encodeStrings serializes a string slice, keeping the empty-vs-absent
// distinction: nil encodes to "", an empty slice to "[]".
func encodeStrings(values []string) string {
	if values == nil {
		return ""
	}
	data, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPulse(row rowScanner) (*models.Pulse, error) {
	var (
		p            models.Pulse
		scheduledAt  string
		createdAt    string
		executedAt   sql.NullString
		durationMS   sql.NullInt64
		stickyNotes  string
		tags         string
		priorityText string
		statusText   string
	)
	err := row.Scan(&p.ID, &scheduledAt, &p.Prompt, &priorityText, &statusText, &p.SessionID,
		&stickyNotes, &tags, &p.RetryCount, &p.MaxRetries, &p.CreatedBy, &createdAt,
		&executedAt, &durationMS, &p.ErrorMessage)
	if err != nil {
		return nil, err
	}

	p.Priority = models.Priority(priorityText)
	p.Status = models.Status(statusText)
	p.StickyNotes = decodeStrings(stickyNotes)
	p.Tags = decodeStrings(tags)

	if p.ScheduledAt, err = parseStoredTime(scheduledAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t, err := parseStoredTime(executedAt.String)
		if err != nil {
			return nil, err
		}
		p.ExecutedAt = &t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		p.ExecutionDurationMS = &v
	}
	return &p, nil
}

func (r *Repository) scanPulses(rows *sql.Rows) ([]*models.Pulse, error) {
	var pulses []*models.Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, err
		}
		pulses = append(pulses, p)
	}
	return pulses, rows.Err()
}

// Insert persists a new pulse and assigns its id. CreatedAt is set here.
func (r *Repository) Insert(ctx context.Context, p *models.Pulse) error {
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}
	p.CreatedAt = time.Now().UTC()
	p.ScheduledAt = p.ScheduledAt.UTC()

	query := `
		INSERT INTO pulses (scheduled_at, prompt, priority, status, session_id, sticky_notes, tags,
			retry_count, max_retries, created_by, created_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		fmtTime(p.ScheduledAt), p.Prompt, string(p.Priority), string(p.Status), p.SessionID,
		encodeStrings(p.StickyNotes), encodeStrings(p.Tags),
		p.RetryCount, p.MaxRetries, p.CreatedBy, fmtTime(p.CreatedAt), p.ErrorMessage,
	}

	if dialect.IsPostgres(r.db.DriverName()) {
		return r.db.QueryRowContext(ctx, r.db.Rebind(query+" RETURNING id"), args...).Scan(&p.ID)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	p.ID, err = result.LastInsertId()
	return err
}

// Get retrieves a pulse by id.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Pulse, error) {
	p, err := scanPulse(r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+pulseColumns+` FROM pulses WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

// GetDue returns claimable pulses (pending, scheduled at or before now),
// ordered by priority rank then scheduled time (FIFO within a priority).
func (r *Repository) GetDue(ctx context.Context, limit int, now time.Time) ([]*models.Pulse, error) {
	ctx, span := tracing.Tracer("reeve-db").Start(ctx, "db.GetDue")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+pulseColumns+` FROM pulses
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY `+priorityRankSQL+`, scheduled_at ASC
		LIMIT ?`), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return r.scanPulses(rows)
}

// GetUpcoming returns pulses in the given statuses (default pending),
// ordered by scheduled time ascending.
func (r *Repository) GetUpcoming(ctx context.Context, limit int, statuses []models.Status) ([]*models.Pulse, error) {
	ctx, span := tracing.Tracer("reeve-db").Start(ctx, "db.GetUpcoming")
	defer span.End()

	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusPending}
	}
	placeholders := ""
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, limit)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+pulseColumns+` FROM pulses
		WHERE status IN (`+placeholders+`)
		ORDER BY scheduled_at ASC
		LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return r.scanPulses(rows)
}

// ListByStatus returns pulses matching a status filter. The pseudo-filters
// "all" and "overdue" (pending pulses already due) are accepted alongside the
// five lifecycle statuses. Results are ordered by scheduled time.
func (r *Repository) ListByStatus(ctx context.Context, filter string, limit int) ([]*models.Pulse, error) {
	var (
		where string
		args  []any
	)
	switch filter {
	case "all":
		where = "1 = 1"
	case "overdue":
		where = "status = 'pending' AND scheduled_at <= ?"
		args = append(args, fmtTime(time.Now()))
	default:
		status, err := models.ParseStatus(filter)
		if err != nil {
			return nil, err
		}
		where = "status = ?"
		args = append(args, string(status))
	}
	args = append(args, limit)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+pulseColumns+` FROM pulses
		WHERE `+where+`
		ORDER BY scheduled_at ASC
		LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return r.scanPulses(rows)
}

// MarkProcessing is the atomic claim: pending -> processing. Returns false
// when the pulse is in any other state, which a caller treats as
// already-claimed. This is the at-most-once execution guard.
func (r *Repository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE pulses SET status = 'processing' WHERE id = ? AND status = 'pending'`), id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows == 1, err
}

// MarkCompleted finishes a processing pulse, recording execution timing.
// No-op when the pulse is not processing.
func (r *Repository) MarkCompleted(ctx context.Context, id int64, durationMS int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pulses SET status = 'completed', executed_at = ?, execution_duration_ms = ?
		WHERE id = ? AND status = 'processing'`),
		fmtTime(time.Now()), durationMS, id)
	return err
}

// MarkFailed transitions a processing pulse to failed and, when shouldRetry
// is set and retries remain, atomically inserts the retry pulse: a new
// pending row carrying the original's prompt, priority, session, notes, and
// tags, scheduled 2^retry_count minutes out. Returns the retry pulse, or nil
// when none was created.
func (r *Repository) MarkFailed(ctx context.Context, id int64, errorMessage string, shouldRetry bool) (*models.Pulse, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	orig, err := scanPulse(tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT `+pulseColumns+` FROM pulses WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if orig.Status != models.StatusProcessing {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pulses SET status = 'failed', executed_at = ?, error_message = ?
		WHERE id = ? AND status = 'processing'`),
		fmtTime(now), errorMessage, id)
	if err != nil {
		return nil, err
	}

	var retry *models.Pulse
	if shouldRetry && orig.RetryCount < orig.MaxRetries {
		backoff := time.Duration(1<<orig.RetryCount) * time.Minute
		retry = &models.Pulse{
			ScheduledAt: now.Add(backoff),
			Prompt:      orig.Prompt,
			Priority:    orig.Priority,
			Status:      models.StatusPending,
			SessionID:   orig.SessionID,
			StickyNotes: orig.StickyNotes,
			Tags:        orig.Tags,
			RetryCount:  orig.RetryCount + 1,
			MaxRetries:  orig.MaxRetries,
			CreatedBy:   "retry_" + orig.CreatedBy,
			CreatedAt:   now,
		}

		query := `
			INSERT INTO pulses (scheduled_at, prompt, priority, status, session_id, sticky_notes, tags,
				retry_count, max_retries, created_by, created_at, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`
		args := []any{
			fmtTime(retry.ScheduledAt), retry.Prompt, string(retry.Priority), string(retry.Status),
			retry.SessionID, encodeStrings(retry.StickyNotes), encodeStrings(retry.Tags),
			retry.RetryCount, retry.MaxRetries, retry.CreatedBy, fmtTime(retry.CreatedAt),
		}
		if dialect.IsPostgres(r.db.DriverName()) {
			err = tx.QueryRowContext(ctx, tx.Rebind(query+" RETURNING id"), args...).Scan(&retry.ID)
		} else {
			var result sql.Result
			result, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err == nil {
				retry.ID, err = result.LastInsertId()
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return retry, nil
}

// Cancel transitions a pending pulse to cancelled. Returns false for any
// non-pending pulse; terminal pulses are never resurrected.
func (r *Repository) Cancel(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE pulses SET status = 'cancelled' WHERE id = ? AND status = 'pending'`), id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows == 1, err
}

// Reschedule moves a pending pulse's scheduled time. Returns false for any
// non-pending pulse.
func (r *Repository) Reschedule(ctx context.Context, id int64, scheduledAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE pulses SET scheduled_at = ? WHERE id = ? AND status = 'pending'`),
		fmtTime(scheduledAt), id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows == 1, err
}

// ResetOrphanedProcessing reconciles pulses left in processing by a previous
// run. Rows with retries remaining go back to pending with retry_count
// incremented; rows out of retries are failed. Returns the number of rows
// touched.
func (r *Repository) ResetOrphanedProcessing(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	requeued, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pulses SET status = 'pending', retry_count = retry_count + 1
		WHERE status = 'processing' AND retry_count < max_retries`))
	if err != nil {
		return 0, err
	}
	failed, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pulses SET status = 'failed', executed_at = ?, error_message = 'orphaned in processing state'
		WHERE status = 'processing'`), fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	requeuedRows, _ := requeued.RowsAffected()
	failedRows, _ := failed.RowsAffected()
	return requeuedRows + failedRows, nil
}
