package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/deadman/internal/api"
)

type keyState int

const (
	keyAlive keyState = iota
	keyExpiring
	keyExpired
)

// expiringShare is the fraction of the grace period below which a key is
// shown as about to expire.
const expiringShare = 0.2

func classify(k api.KeyView, graceSeconds float64) keyState {
	switch {
	case k.Expired || k.RemainingSeconds <= 0:
		return keyExpired
	case graceSeconds > 0 && k.RemainingSeconds < graceSeconds*expiringShare:
		return keyExpiring
	default:
		return keyAlive
	}
}

func (s keyState) symbol() string {
	switch s {
	case keyExpired:
		return "✗"
	case keyExpiring:
		return "◐"
	default:
		return "●"
	}
}

func newKeysTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Key", Width: 32},
			{Title: "Last ping", Width: 10},
			{Title: "Remaining", Width: 10},
			{Title: "Pings", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = theme.TableHeader
	s.Selected = theme.TableSelected
	t.SetStyles(s)
	return t
}

func keyRows(resp api.KeysResponse) []table.Row {
	rows := make([]table.Row, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		rows = append(rows, table.Row{
			classify(k, resp.GracePeriodSeconds).symbol(),
			k.Key,
			k.LastPing.Local().Format("15:04:05"),
			formatRemaining(k.RemainingSeconds),
			fmt.Sprintf("%d", k.Pings),
		})
	}
	return rows
}

func formatRemaining(seconds float64) string {
	if seconds <= 0 {
		return "expired"
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < 10*time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return formatDuration(d)
}

func countStates(resp api.KeysResponse) (alive, expiring, expired int) {
	for _, k := range resp.Keys {
		switch classify(k, resp.GracePeriodSeconds) {
		case keyExpired:
			expired++
		case keyExpiring:
			expiring++
		default:
			alive++
		}
	}
	return alive, expiring, expired
}
