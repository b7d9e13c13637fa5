package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reeve/reeve/internal/common/timeparse"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/queue"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "reeve-pulse-daemon",
	})
}

// ScheduleRequest is the POST /api/pulse/schedule body.
type ScheduleRequest struct {
	Prompt      string   `json:"prompt"`
	ScheduledAt string   `json:"scheduled_at"` // "now", "in N minutes/hours/days", or ISO-8601
	Priority    string   `json:"priority"`
	SessionID   string   `json:"session_id"`
	StickyNotes []string `json:"sticky_notes"`
	Tags        []string `json:"tags"`
	MaxRetries  int      `json:"max_retries"`
	Source      string   `json:"source"`     // caller attribution, e.g. "telegram"
	CreatedBy   string   `json:"created_by"` // alias for source
}

// ScheduleResponse confirms a scheduled pulse.
type ScheduleResponse struct {
	PulseID     int64  `json:"pulse_id"`
	ScheduledAt string `json:"scheduled_at"`
	Message     string `json:"message"`
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	when := req.ScheduledAt
	if when == "" {
		when = "now"
	}
	scheduledAt, err := timeparse.Resolve(when, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported scheduled_at: " + when})
		return
	}

	priority := models.PriorityNormal
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		priority = p
	}

	createdBy := req.Source
	if createdBy == "" {
		createdBy = req.CreatedBy
	}
	if createdBy == "" {
		createdBy = "api"
	}

	id, err := s.queue.Schedule(c.Request.Context(), queue.ScheduleRequest{
		ScheduledAt: scheduledAt,
		Prompt:      req.Prompt,
		Priority:    priority,
		SessionID:   req.SessionID,
		StickyNotes: req.StickyNotes,
		Tags:        req.Tags,
		MaxRetries:  req.MaxRetries,
		CreatedBy:   createdBy,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrEmptyPrompt) || errors.Is(err, queue.ErrPromptTooLong) ||
			errors.Is(err, queue.ErrInvalidMaxRetries) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, ScheduleResponse{
		PulseID:     id,
		ScheduledAt: scheduledAt.UTC().Format(time.RFC3339),
		Message:     "pulse scheduled",
	})
}

// UpcomingPulse is one row of the upcoming listing. The prompt is truncated;
// fetch pressure from chat clients keeps the payload small.
type UpcomingPulse struct {
	ID          int64    `json:"id"`
	ScheduledAt string   `json:"scheduled_at"`
	Priority    string   `json:"priority"`
	Status      string   `json:"status"`
	Prompt      string   `json:"prompt"`
	SessionID   string   `json:"session_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	RetryCount  int      `json:"retry_count"`
}

func (s *Server) handleUpcoming(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 100"})
			return
		}
		limit = n
	}

	pulses, err := s.queue.GetUpcoming(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]UpcomingPulse, 0, len(pulses))
	for _, p := range pulses {
		out = append(out, UpcomingPulse{
			ID:          p.ID,
			ScheduledAt: p.ScheduledAt.UTC().Format(time.RFC3339),
			Priority:    string(p.Priority),
			Status:      string(p.Status),
			Prompt:      p.PromptExcerpt(100),
			SessionID:   p.SessionID,
			Tags:        p.Tags,
			RetryCount:  p.RetryCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pulses": out, "count": len(out)})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	execStats, err := s.queue.ExecutionStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"status":     "ok",
		"queue":      stats,
		"executions": execStats,
		"config": gin.H{
			"host":           s.cfg.Server.Host,
			"port":           s.cfg.Server.Port,
			"max_concurrent": s.cfg.Daemon.MaxConcurrent,
			"runner_command": s.cfg.Runner.Command,
			"desk_path":      s.cfg.Runner.DeskPath,
		},
	}
	if s.daemon != nil {
		resp["daemon"] = s.daemon.Status()
	}
	c.JSON(http.StatusOK, resp)
}
