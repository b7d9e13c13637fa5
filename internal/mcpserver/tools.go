package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/common/timeparse"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/queue"
)

// currentSessionEnv carries the id of the session hosting this MCP server.
// An agent scheduling a wake-up for its own session resumes through it.
const currentSessionEnv = "PULSE_CURRENT_SESSION_ID"

func registerTools(s *server.MCPServer, q *queue.Queue, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("schedule_pulse",
			mcp.WithDescription("Schedule a future wake-up pulse. The prompt is delivered to a fresh agent session at the scheduled time."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The instruction delivered when the pulse fires (max 2000 characters)"),
			),
			mcp.WithString("scheduled_at",
				mcp.Required(),
				mcp.Description("When to fire: \"now\", \"in N minutes/hours/days\", or an ISO-8601 timestamp"),
			),
			mcp.WithString("priority",
				mcp.Description("One of critical, high, normal, low, deferred (default normal)"),
			),
			mcp.WithArray("sticky_notes",
				mcp.Description("Short reminders appended to the prompt at execution time"),
			),
			mcp.WithArray("tags",
				mcp.Description("Free-form labels for filtering"),
			),
			mcp.WithBoolean("resume_in_current_session",
				mcp.Description("Resume this session instead of starting a fresh one when the pulse fires"),
			),
			mcp.WithNumber("max_retries",
				mcp.Description("Retry budget on failure (default 3)"),
			),
		),
		schedulePulseHandler(q, log),
	)

	s.AddTool(
		mcp.NewTool("list_upcoming_pulses",
			mcp.WithDescription("List scheduled pulses, soonest first."),
			mcp.WithNumber("limit",
				mcp.Description("Maximum rows to return, 1-100 (default 20)"),
			),
			mcp.WithBoolean("include_completed",
				mcp.Description("Also include completed, failed and cancelled pulses"),
			),
		),
		listUpcomingHandler(q, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_pulse",
			mcp.WithDescription("Cancel a pending pulse. Pulses that already started cannot be cancelled."),
			mcp.WithNumber("pulse_id",
				mcp.Required(),
				mcp.Description("The pulse id to cancel"),
			),
		),
		cancelPulseHandler(q, log),
	)

	s.AddTool(
		mcp.NewTool("reschedule_pulse",
			mcp.WithDescription("Move a pending pulse to a new time."),
			mcp.WithNumber("pulse_id",
				mcp.Required(),
				mcp.Description("The pulse id to move"),
			),
			mcp.WithString("new_scheduled_at",
				mcp.Required(),
				mcp.Description("The new time: \"now\", \"in N minutes/hours/days\", or an ISO-8601 timestamp"),
			),
		),
		reschedulePulseHandler(q, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

// stringSliceArg decodes an array argument into a string slice.
func stringSliceArg(req mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	var out []string
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	return out, nil
}

func schedulePulseHandler(q *queue.Queue, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		when, err := req.RequireString("scheduled_at")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		scheduledAt, err := timeparse.Resolve(when, time.Now())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unsupported scheduled_at %q: use \"now\", \"in N minutes/hours/days\", or ISO-8601", when)), nil
		}

		priority := models.PriorityNormal
		if raw := req.GetString("priority", ""); raw != "" {
			priority, err = models.ParsePriority(raw)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}

		stickyNotes, err := stringSliceArg(req, "sticky_notes")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tags, err := stringSliceArg(req, "tags")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Resume silently downgrades to a fresh session when the hosting
		// session id is not known.
		sessionID := ""
		if req.GetBool("resume_in_current_session", false) {
			sessionID = os.Getenv(currentSessionEnv)
			if sessionID == "" {
				log.Debug("resume requested but no current session id is set")
			}
		}

		id, err := q.Schedule(ctx, queue.ScheduleRequest{
			ScheduledAt: scheduledAt,
			Prompt:      prompt,
			Priority:    priority,
			SessionID:   sessionID,
			StickyNotes: stickyNotes,
			Tags:        tags,
			MaxRetries:  req.GetInt("max_retries", 0),
			CreatedBy:   "mcp",
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		text := fmt.Sprintf("%s Scheduled pulse [%04d] %s for %s (%s)",
			models.StatusPending.Emoji(), id, priority.Emoji(),
			scheduledAt.UTC().Format(time.RFC3339), relativeTime(scheduledAt, time.Now()))
		if sessionID != "" {
			text += fmt.Sprintf(", resuming session %s", sessionID)
		}
		return mcp.NewToolResultText(text), nil
	}
}

func listUpcomingHandler(q *queue.Queue, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit < 1 || limit > 100 {
			return mcp.NewToolResultError("limit must be between 1 and 100"), nil
		}

		statuses := []models.Status{models.StatusPending, models.StatusProcessing}
		if req.GetBool("include_completed", false) {
			statuses = append(statuses, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
		}

		pulses, err := q.GetUpcoming(ctx, limit, statuses...)
		if err != nil {
			log.Error("failed to list pulses", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list pulses: %v", err)), nil
		}
		if len(pulses) == 0 {
			return mcp.NewToolResultText("No upcoming pulses."), nil
		}

		now := time.Now()
		lines := make([]string, 0, len(pulses))
		for _, p := range pulses {
			lines = append(lines, formatPulseLine(p, now))
		}
		return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
	}
}

func cancelPulseHandler(q *queue.Queue, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("pulse_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cancelled, err := q.Cancel(ctx, int64(id))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to cancel pulse: %v", err)), nil
		}
		if !cancelled {
			p, getErr := q.Get(ctx, int64(id))
			if getErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("pulse %d not found", id)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("pulse %d is not pending (status: %s)", id, p.Status)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s Cancelled pulse [%04d]", models.StatusCancelled.Emoji(), id)), nil
	}
}

func reschedulePulseHandler(q *queue.Queue, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("pulse_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		when, err := req.RequireString("new_scheduled_at")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		scheduledAt, err := timeparse.Resolve(when, time.Now())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unsupported new_scheduled_at %q: use \"now\", \"in N minutes/hours/days\", or ISO-8601", when)), nil
		}

		moved, err := q.Reschedule(ctx, int64(id), scheduledAt)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to reschedule pulse: %v", err)), nil
		}
		if !moved {
			p, getErr := q.Get(ctx, int64(id))
			if getErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("pulse %d not found", id)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("pulse %d is not pending (status: %s)", id, p.Status)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s Rescheduled pulse [%04d] for %s (%s)",
			models.StatusPending.Emoji(), id,
			scheduledAt.UTC().Format(time.RFC3339), relativeTime(scheduledAt, time.Now()))), nil
	}
}
