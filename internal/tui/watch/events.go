package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deadman/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, showPings bool, theme Theme, width int) string {
	innerWidth := width - 4

	title := "EVENT STREAM"
	if !showPings {
		title += theme.Dim.Render("  (pings hidden)")
	}

	var lines []string
	for _, e := range eventLog {
		if !showPings && e.Type == events.TypePing {
			continue
		}
		lines = append(lines, formatEvent(e, theme))
		if len(lines) == maxEventLines {
			break
		}
	}

	if len(lines) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render(title),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(title),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeDelivered:
		typeStyle = theme.StatusOK
	case events.TypeExpired, events.TypeFailed, events.TypeAlertDropped:
		typeStyle = theme.StatusFailed
	case events.TypeForgotten:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-24s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["alert_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	} else if id, ok := data["id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	if key, ok := data["key"].(string); ok {
		parts = append(parts, key)
	}
	if reason, ok := data["reason"].(string); ok {
		parts = append(parts, reason)
	}
	if errText, ok := data["error"].(string); ok {
		parts = append(parts, errText)
	}
	if n, ok := data["deleted"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%d deliveries pruned", int64(n)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
