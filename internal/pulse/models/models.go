// Package models defines the pulse entity and its enumerations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MaxPromptLength bounds the prompt accepted by every ingress.
const MaxPromptLength = 2000

// Priority orders claimable pulses. Comparisons use the numeric rank, not the
// string value.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// Priorities lists all priorities in claim order.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityDeferred,
}

var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PriorityDeferred: 4,
}

// Rank projects the priority onto 0 (critical) .. 4 (deferred) for ordering.
// Unknown values sort last.
func (p Priority) Rank() int {
	if rank, ok := priorityRanks[p]; ok {
		return rank
	}
	return len(priorityRanks)
}

// ParsePriority parses a wire priority string, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRanks[p]; !ok {
		return "", fmt.Errorf("invalid priority %q: must be one of critical, high, normal, low, deferred", s)
	}
	return p, nil
}

// Emoji returns the marker used in human-readable tool output.
func (p Priority) Emoji() string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "🔔"
	case PriorityNormal:
		return "⏰"
	case PriorityLow:
		return "📋"
	case PriorityDeferred:
		return "🕐"
	}
	return "⏰"
}

// Status is the pulse lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus parses a wire status string, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Emoji returns the marker used in human-readable tool output.
func (s Status) Emoji() string {
	switch s {
	case StatusPending:
		return "⏳"
	case StatusProcessing:
		return "⚙️"
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusCancelled:
		return "🚫"
	}
	return "⏳"
}

// Pulse is a scheduled intention to invoke the session runner. Instances
// outside the store are value snapshots; all mutation flows through queue
// operations.
type Pulse struct {
	ID          int64     `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Prompt      string    `json:"prompt"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`

	// SessionID, when set, resumes an existing runner session.
	SessionID   string   `json:"session_id,omitempty"`
	StickyNotes []string `json:"sticky_notes,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	CreatedBy  string `json:"created_by"`

	CreatedAt           time.Time  `json:"created_at"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
	ExecutionDurationMS *int64     `json:"execution_duration_ms,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
}

// PromptExcerpt returns the prompt truncated to n characters for log lines
// and listings.
func (p *Pulse) PromptExcerpt(n int) string {
	runes := []rune(p.Prompt)
	if len(runes) <= n {
		return p.Prompt
	}
	return string(runes[:n]) + "..."
}
