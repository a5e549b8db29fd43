// Package dispatch pushes live queue and lifecycle updates to connected rider
// apps over WebSocket.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Update is the payload pushed to a rider when their swap changes.
type Update struct {
	SwapID        string `json:"swap_id"`
	State         string `json:"state"`
	QueuePosition int    `json:"queue_position,omitempty"`
	WaitSeconds   int    `json:"wait_seconds,omitempty"`
}

// WSSession represents one connected rider app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// WSRegistry holds rider sessions keyed by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, userID)
	}
}

// Notify sends an update to the rider's session, best-effort: a rider without
// an open session simply misses the push and polls instead.
func (r *WSRegistry) Notify(userID string, u Update) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Send(u); err != nil {
		r.logger.Warn("ws send failed, dropping session", "user", userID, "error", err)
		r.Remove(userID)
	}
}
