// Package session serves the UI's websocket sessions and fans engine
// messages out to all of them.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var log = logging.L("session")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Handler applies one inbound message.
type Handler interface {
	HandleMessage(ctx context.Context, msg api.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg api.Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg api.Message) { f(ctx, msg) }

type Options struct {
	Handler     Handler
	Metrics     metrics.Metrics
	MaxSessions int
	// CheckOrigin defaults to accepting every origin; the listener is loopback.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks live sessions. It implements http.Handler for the upgrade
// endpoint and Broadcast for the engine.
type Hub struct {
	handler     Handler
	metrics     metrics.Metrics
	maxSessions int
	upgrader    websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		handler:     opts.Handler,
		metrics:     opts.Metrics,
		maxSessions: opts.MaxSessions,
		sessions:    make(map[string]*session),
	}
	if h.handler == nil {
		h.handler = HandlerFunc(func(context.Context, api.Message) {})
	}
	if h.metrics == nil {
		h.metrics = metrics.Noop{}
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// ServeHTTP upgrades the connection and runs the session until either side
// closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.full() {
		log.Warn("session limit reached, rejecting connection", "remote", r.RemoteAddr)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}

	s := newSession(uuid.NewString(), conn)
	if !h.register(s) {
		s.close()
		return
	}
	s.log.Info("session connected", "remote", r.RemoteAddr)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()

	ctx := logging.NewContext(context.Background(), s.log)
	s.readPump(ctx, h.handler)

	h.unregister(s)
	s.close()
	s.log.Info("session disconnected")
}

// Broadcast serializes msg once and queues it on every session. A session
// whose buffer is full is dropped rather than allowed to stall the caller.
func (h *Hub) Broadcast(msg api.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to encode broadcast", "type", msg.Type, logging.KeyError, err)
		return
	}

	var slow []*session
	h.mu.RLock()
	for _, s := range h.sessions {
		if !s.enqueue(data) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		s.log.Warn("session send buffer full, disconnecting")
		h.unregister(s)
		s.close()
	}
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session and waits for their writers to exit.
// Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	h.metrics.SetSessions(0)

	for _, s := range sessions {
		s.shutdown()
	}
	h.wg.Wait()
}

func (h *Hub) full() bool {
	if h.maxSessions <= 0 {
		return false
	}
	return h.Count() >= h.maxSessions
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || (h.maxSessions > 0 && len(h.sessions) >= h.maxSessions) {
		return false
	}
	h.sessions[s.id] = s
	h.metrics.SetSessions(len(h.sessions))
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return
	}
	delete(h.sessions, s.id)
	h.metrics.SetSessions(len(h.sessions))
}
