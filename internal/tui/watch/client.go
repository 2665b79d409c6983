package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/deadman/internal/api"
	"github.com/mattjoyce/deadman/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type keysMsg api.KeysResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client reads the deadman HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	return out, c.getJSON(ctx, "/healthz", &out)
}

func (c *Client) Keys(ctx context.Context) (api.KeysResponse, error) {
	var out api.KeysResponse
	return out, c.getJSON(ctx, "/keys", &out)
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// Stream follows /events until the connection drops or ctx is done, sending
// each event to ch.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: %s", resp.Status)
	}
	return readSSE(ctx, resp.Body, ch)
}

// readSSE parses server-sent event frames from r.
func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				select {
				case ch <- cur:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			cur = events.Event{}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[len("id: "):], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[len("data: "):])
		}
	}
	return scanner.Err()
}

// --- Commands ---

func subscribeToEvents(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(h)
	}
}

func fetchKeys(c *Client) tea.Cmd {
	return func() tea.Msg {
		k, err := c.Keys(context.Background())
		if err != nil {
			return errMsg(err)
		}
		return keysMsg(k)
	}
}
