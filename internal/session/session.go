package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

type session struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func newSession(id string, conn *websocket.Conn) *session {
	return &session{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  logging.WithSession(log, id),
	}
}

// enqueue reports false when the session's buffer is full.
func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// shutdown sends a close frame before closing.
func (s *session) shutdown() {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait),
	)
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump decodes frames and hands them to h in arrival order. Frames that
// do not decode are logged and skipped.
func (s *session) readPump(ctx context.Context, h Handler) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read error", logging.KeyError, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg api.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}
		s.log.Debug("message received", "type", msg.Type)
		h.HandleMessage(ctx, msg)
	}
}

// writePump forwards queued frames and keeps the connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("write error", logging.KeyError, err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
