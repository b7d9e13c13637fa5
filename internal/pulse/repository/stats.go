package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/reeve/reeve/internal/pulse/models"
)

// Stats summarizes current queue depth by lifecycle state.
type Stats struct {
	Pending      int `json:"pending"`
	Overdue      int `json:"overdue"`
	Processing   int `json:"processing"`
	Completed24h int `json:"completed_24h"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
}

// FailureInfo is one recent failed pulse in the execution report.
type FailureInfo struct {
	ID           int64      `json:"id"`
	ErrorMessage string     `json:"error_message"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// ExecutionStats reports execution outcomes over a trailing window.
type ExecutionStats struct {
	WindowDays     int           `json:"window_days"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	SuccessRate    float64       `json:"success_rate"`
	AvgDurationMS  float64       `json:"avg_duration_ms"`
	RecentFailures []FailureInfo `json:"recent_failures,omitempty"`
}

// Stats returns current queue depth counters.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	rows, err := r.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulses GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch models.Status(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusProcessing:
			stats.Processing = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	err = r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT COUNT(*) FROM pulses WHERE status = 'pending' AND scheduled_at <= ?`),
		fmtTime(now)).Scan(&stats.Overdue)
	if err != nil {
		return nil, err
	}

	err = r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT COUNT(*) FROM pulses WHERE status = 'completed' AND executed_at >= ?`),
		fmtTime(now.Add(-24*time.Hour))).Scan(&stats.Completed24h)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// ExecutionStats returns execution outcomes for the trailing windowDays days.
func (r *Repository) ExecutionStats(ctx context.Context, windowDays int) (*ExecutionStats, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	since := fmtTime(time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour))
	stats := &ExecutionStats{WindowDays: windowDays}

	var avgDuration sql.NullFloat64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			AVG(CASE WHEN status = 'completed' THEN execution_duration_ms END)
		FROM pulses WHERE executed_at >= ?`), since).
		Scan(&stats.Completed, &stats.Failed, &avgDuration)
	if err != nil {
		return nil, err
	}
	if avgDuration.Valid {
		stats.AvgDurationMS = avgDuration.Float64
	}
	if total := stats.Completed + stats.Failed; total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(total)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, error_message, executed_at FROM pulses
		WHERE status = 'failed' AND executed_at >= ?
		ORDER BY executed_at DESC LIMIT 5`), since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var f FailureInfo
		var executedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.ErrorMessage, &executedAt); err != nil {
			return nil, err
		}
		if executedAt.Valid {
			if t, err := parseStoredTime(executedAt.String); err == nil {
				f.ExecutedAt = &t
			}
		}
		stats.RecentFailures = append(stats.RecentFailures, f)
	}
	return stats, rows.Err()
}
