package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every UI tick. A frozen ticker means the TUI itself
// stalled, not the server.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const spinnerDots = 5

// Spinner lights up on each event and fades one dot per two seconds of
// silence.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = spinnerDots
	s.lastEvent = now
}

func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	faded := int(now.Sub(s.lastEvent) / (2 * time.Second))
	s.dots = max(spinnerDots-faded, 0)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range spinnerDots {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
