package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deadman/internal/api"
	"github.com/mattjoyce/deadman/internal/events"
)

const maxEventLog = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health      HealthState
	keys        api.KeysResponse
	keysTable   table.Model
	eventLog    []events.Event
	lastEventID int64
	showPings   bool

	ticker  Ticker
	spinner Spinner
	theme   Theme
	now     func() time.Time

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model reading the API at apiURL.
func New(apiURL string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:    NewClient(apiURL),
		keysTable: newKeysTable(theme),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     theme,
		now:       time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchKeys(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.showPings = !m.showPings
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.keysTable.SetWidth(max(m.width-6, 20))
		m.keysTable.SetHeight(max(m.height/3, 5))

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(m.now())
		return m, tea.Batch(tick(), fetchKeys(m.client))

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.spinner.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})

	case keysMsg:
		m.keys = api.KeysResponse(msg)
		m.keysTable.SetRows(keyRows(m.keys))
		return m, nil

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so the
		// new subscription only needs to be started.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.client)()
		})
	}

	var cmd tea.Cmd
	m.keysTable, cmd = m.keysTable.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to deadman..."
	}

	now := m.now()
	header := renderHeader(m.health, m.keys, m.ticker, m.spinner, m.theme, m.width, now)

	keysTitle := m.theme.Title.Render("TRACKED KEYS")
	var keysBody string
	if len(m.keys.Keys) == 0 {
		keysBody = m.theme.Dim.Render("  No keys tracked yet.")
	} else {
		keysBody = m.keysTable.View()
	}
	keysBox := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, keysTitle, keysBody),
	)

	eventStream := renderEventStream(m.eventLog, m.showPings, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate keys • [p] Toggle pings")

	parts := []string{header, keysBox, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
