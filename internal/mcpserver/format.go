package mcpserver

import (
	"fmt"
	"math"
	"time"

	"github.com/reeve/reeve/internal/pulse/models"
)

// formatPulseLine renders one pulse for the listing tool:
//
//	⏳ [0042] ⏰ in 5m         | Check the calendar and...
func formatPulseLine(p *models.Pulse, now time.Time) string {
	return fmt.Sprintf("%s [%04d] %s %-12s | %s",
		p.Status.Emoji(), p.ID, p.Priority.Emoji(),
		relativeTime(p.ScheduledAt, now), p.PromptExcerpt(60))
}

// relativeTime renders a compact human description of when a pulse fires.
// Past times on still-schedulable pulses read as OVERDUE. Units are rounded
// to the nearest whole value so a pulse scheduled "in 5 minutes" reads as
// "in 5m" even after the milliseconds spent creating it.
func relativeTime(at, now time.Time) string {
	d := at.Sub(now)
	switch {
	case d < -time.Minute:
		return "OVERDUE"
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("in %dm", int(math.Round(d.Minutes())))
	case d < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(math.Round(d.Hours())))
	default:
		return at.UTC().Format("Jan 2 15:04")
	}
}
