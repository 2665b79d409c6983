package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deadman/internal/api"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, keys api.KeysResponse, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)
	grace := time.Duration(health.GracePeriodSeconds * float64(time.Second))

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" DEADMAN WATCH %s", tickerStr)

	pad := max(innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4, 1)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Grace: %s  Pings: %d (%d rejected)  Alerts: %d (%d dropped, %d queued)",
		statusIcon, statusText,
		uptime,
		grace,
		health.PingsAccepted, health.PingsRejected,
		health.AlertsEmitted, health.AlertsDropped, health.AlertsQueued,
	)

	alive, expiring, expired := countStates(keys)
	keysLine := fmt.Sprintf(" Keys: %s  %s  %s",
		theme.StatusOK.Render(fmt.Sprintf("%d alive", alive)),
		theme.StatusExpiring.Render(fmt.Sprintf("%d expiring", expiring)),
		theme.StatusFailed.Render(fmt.Sprintf("%d expired", expired)),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		keysLine,
		activityLine,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
