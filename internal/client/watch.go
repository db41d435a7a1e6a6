package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/models"
)

// ErrStopWatch can be returned from a watch callback to end the stream
// without an error.
var ErrStopWatch = errors.New("stop watching")

// Frame is one websocket message from the server.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RunEvent decodes Data as a run event. Control frames ("subscribed",
// "error") are not run events.
func (f Frame) RunEvent() (models.Event, bool) {
	if !strings.Contains(f.Event, ":") || len(f.Data) == 0 {
		return models.Event{}, false
	}
	var ev models.Event
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return models.Event{}, false
	}
	return ev, true
}

// Watch opens the event stream, joins rooms and calls onFrame for every
// frame until ctx is done or onFrame returns an error. The dashboard room
// is always joined. Subscription acks are delivered to onFrame too.
func (c *Client) Watch(ctx context.Context, rooms []string, onFrame func(Frame) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	for _, room := range rooms {
		cmd := models.SubscribeCommand{Action: models.ActionSubscribe, Room: room}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("subscribe %s: %w", room, err)
		}
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := onFrame(f); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}
	}
}

// WatchRun streams the events of one run to onEvent and returns its
// terminal event. Lines logged before the stream was joined are replayed
// from the store first, so onEvent sees every stored line once, in order.
// A run that already finished is reported from its stored status.
func (c *Client) WatchRun(ctx context.Context, runID string, onEvent func(models.Event)) (models.Event, error) {
	var (
		final   models.Event
		lastSeq int64
	)
	emit := func(ev models.Event) {
		if ev.Type == models.EventLog && ev.Seq > 0 {
			if ev.Seq <= lastSeq {
				return
			}
			lastSeq = ev.Seq
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}

	room := hub.JobRoom(runID)
	err := c.Watch(ctx, []string{room}, func(f Frame) error {
		if f.Event == "subscribed" && f.Room == room {
			st, err := c.Status(ctx, runID, 1)
			if err != nil {
				return err
			}
			if err := c.backfill(ctx, st, emit); err != nil {
				return err
			}
			if st.IsComplete {
				final = terminalEvent(st)
				return ErrStopWatch
			}
			return nil
		}
		ev, ok := f.RunEvent()
		if !ok || ev.RunID != runID {
			return nil
		}
		emit(ev)
		if ev.Terminal() {
			final = ev
			return ErrStopWatch
		}
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}
	if final.RunID == "" {
		return models.Event{}, errors.New("stream closed before the run finished")
	}
	return final, nil
}

// backfill replays the stored lines of st as log events.
func (c *Client) backfill(ctx context.Context, st *RunStatus, emit func(models.Event)) error {
	const pageSize = 1000
	for offset := 0; ; offset += pageSize {
		page, err := c.Logs(ctx, st.ID, LogQuery{Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("backfill logs: %w", err)
		}
		for _, l := range page.Logs {
			emit(models.Event{
				Type:      models.EventLog,
				Scope:     st.Kind,
				RunID:     st.ID,
				Kind:      st.Category,
				Level:     l.Level,
				Seq:       l.Seq,
				Message:   l.Message,
				Timestamp: l.Timestamp,
			})
		}
		if len(page.Logs) < pageSize || offset+len(page.Logs) >= page.Total {
			return nil
		}
	}
}

// terminalEvent reconstructs the terminal event of a stored run.
func terminalEvent(st *RunStatus) models.Event {
	ev := models.Event{
		Scope:     st.Kind,
		RunID:     st.ID,
		Kind:      st.Category,
		Status:    st.Status,
		Timestamp: time.Now().UTC(),
	}
	if st.CompletedAt != nil {
		ev.Timestamp = *st.CompletedAt
	}
	switch st.Status {
	case models.StatusSuccess:
		ev.Type = models.EventCompleted
	case models.StatusCancelled:
		ev.Type = models.EventCancelled
	default:
		ev.Type = models.EventFailed
	}
	if st.ErrorMessage != nil {
		ev.Error = *st.ErrorMessage
	}
	return ev
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	resp.Body.Close()
	return conn, nil
}
