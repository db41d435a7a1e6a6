// Package hub fans run events out to subscribed sessions grouped in rooms.
package hub

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/raphaelgruber/runhub/internal/models"
)

// DashboardRoom receives every lifecycle event.
const DashboardRoom = "dashboard"

// DefaultBuffer is the per-session event buffer when none is configured.
const DefaultBuffer = 256

// ScopeRoom is the room for all runs of a kind ("optimization", "script").
func ScopeRoom(kind models.RunKind) string {
	return string(kind)
}

// JobRoom is the room for a single run.
func JobRoom(runID string) string {
	return "job:" + runID
}

// ModelRoom is the room for all runs of a category.
func ModelRoom(category string) string {
	return "model:" + category
}

// Frame is the websocket envelope sent to subscribers.
type Frame struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// NewFrame wraps ev under its "<scope>:<type>" name.
func NewFrame(ev models.Event) Frame {
	return Frame{Event: ev.Name(), Data: ev}
}

// Session is one subscriber connection.
type Session struct {
	ID     string
	events chan models.Event
	rooms  map[string]struct{}
	closed bool
}

// Events is closed when the session is unregistered.
func (s *Session) Events() <-chan models.Event {
	return s.events
}

// Hub is an in-process publish/subscribe registry. Delivery is best-effort:
// a session whose buffer is full misses the event.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]struct{}
	buffer   int
	logger   *slog.Logger
}

// New creates a Hub with the given per-session buffer size.
func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

// Register opens a session already joined to the dashboard room.
func (h *Hub) Register() *Session {
	s := &Session{
		ID:     uuid.NewString(),
		events: make(chan models.Event, h.buffer),
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.join(s, DashboardRoom)
	h.mu.Unlock()

	h.logger.Debug("session registered", "session_id", s.ID)
	return s
}

// Unregister removes the session from every room and closes its channel.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for room := range s.rooms {
		h.leave(s, room)
	}
	delete(h.sessions, s)
	s.closed = true
	close(s.events)
	h.logger.Debug("session unregistered", "session_id", s.ID)
}

// Join adds s to room. Joining twice is a no-op.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.closed {
		h.join(s, room)
	}
}

// Leave removes s from room. Leaving a room not joined is a no-op.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(s, room)
}

func (h *Hub) join(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *Session, room string) {
	delete(s.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Rooms lists the rooms s has joined, sorted.
func (h *Hub) Rooms(s *Session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers ev once to every session in any of rooms and returns
// how many sessions received it. It never blocks.
func (h *Hub) Broadcast(ev models.Event, rooms ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Session]struct{})
	delivered := 0
	for _, room := range rooms {
		for s := range h.rooms[room] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.events <- ev:
				delivered++
			default:
				h.logger.Debug("dropped event for slow session", "session_id", s.ID, "event", ev.Name(), "run_id", ev.RunID)
			}
		}
	}
	return delivered
}
