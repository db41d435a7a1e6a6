package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/models"
)

const (
	// pingInterval is how often idle connections are pinged.
	pingInterval = 10 * time.Second
	// pongWait must exceed pingInterval.
	pongWait     = 3 * pingInterval
	writeWait    = 5 * time.Second
	maxReadBytes = 4096
)

// Control frames sent back to subscribers.
const (
	eventSubscribed   = "subscribed"
	eventUnsubscribed = "unsubscribed"
	eventError        = "error"
)

// serveWS upgrades the request and attaches the connection to a hub
// session. Every connection starts in the dashboard room.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := s.app.Hub.Register()
	s.logger.Info("websocket connected", "session_id", sess.ID, "remote", r.RemoteAddr)

	control := make(chan hub.Frame, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(conn, sess, control)
	}()
	s.writePump(conn, sess, control, done)

	s.app.Hub.Unregister(sess)
	conn.Close()
	<-done
	s.logger.Info("websocket disconnected", "session_id", sess.ID)
}

// readPump applies subscribe commands until the connection fails.
func (s *Server) readPump(conn *websocket.Conn, sess *hub.Session, control chan<- hub.Frame) {
	conn.SetReadLimit(maxReadBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "session_id", sess.ID, "error", err)
			}
			return
		}
		frame := s.applyCommand(sess, data)
		select {
		case control <- frame:
		default:
			s.logger.Debug("dropped control frame", "session_id", sess.ID, "event", frame.Event)
		}
	}
}

func (s *Server) applyCommand(sess *hub.Session, data []byte) hub.Frame {
	var cmd models.SubscribeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return hub.Frame{Event: eventError, Data: "invalid command: " + err.Error()}
	}
	room := commandRoom(cmd)
	if room == "" {
		return hub.Frame{Event: eventError, Data: "room, job_id or model_type is required"}
	}
	switch cmd.Action {
	case models.ActionSubscribe:
		s.app.Hub.Join(sess, room)
		return hub.Frame{Event: eventSubscribed, Room: room}
	case models.ActionUnsubscribe:
		s.app.Hub.Leave(sess, room)
		return hub.Frame{Event: eventUnsubscribed, Room: room}
	default:
		return hub.Frame{Event: eventError, Room: room, Data: "unknown action " + cmd.Action}
	}
}

func commandRoom(cmd models.SubscribeCommand) string {
	switch {
	case cmd.Room != "":
		return cmd.Room
	case cmd.JobID != "":
		return hub.JobRoom(cmd.JobID)
	case cmd.ModelType != "":
		return hub.ModelRoom(cmd.ModelType)
	}
	return ""
}

// writePump owns all writes to conn. It returns when the session closes,
// the reader exits or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sess *hub.Session, control <-chan hub.Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(f hub.Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			s.logger.Debug("websocket write failed", "session_id", sess.ID, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !write(hub.NewFrame(ev)) {
				return
			}
		case f := <-control:
			if !write(f) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
