// Package notify pushes board updates to connected clients over WebSocket.
// Delivery is best-effort; a client that misses an event just refreshes.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/rideboard/internal/models"
)

// Message is the envelope written to client sockets.
type Message struct {
	Type string       `json:"type"`
	Ride *models.Ride `json:"ride"`
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Registry holds one session per connected user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*session), logger: logger}
}

// Add registers a user's connection, replacing any previous one.
func (r *Registry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = &session{conn: conn}
}

// Remove drops a user's session, but only if conn is still the registered
// one. The read loop of a connection that Add already replaced must not tear
// down its replacement.
func (r *Registry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		_ = s.conn.Close()
		delete(r.sessions, userID)
	}
}

// drop removes s if it is still the registered session for userID.
func (r *Registry) drop(userID string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		_ = cur.conn.Close()
		delete(r.sessions, userID)
	}
}

// RidePosted broadcasts a newly posted ride to everyone watching the board.
func (r *Registry) RidePosted(ride *models.Ride) {
	r.broadcast(Message{Type: "ride_posted", Ride: ride})
}

// RideClaimed tells the rider their request was picked up.
func (r *Registry) RideClaimed(ride *models.Ride) {
	r.sendTo(ride.RiderID, Message{Type: "ride_claimed", Ride: ride})
}

func (r *Registry) sendTo(userID string, msg Message) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.send(msg); err != nil {
		r.logger.Warn("ws send failed, dropping session", "user", userID, "error", err)
		r.drop(userID, s)
	}
}

func (r *Registry) broadcast(msg Message) {
	r.mu.RLock()
	targets := make(map[string]*session, len(r.sessions))
	for id, s := range r.sessions {
		targets[id] = s
	}
	r.mu.RUnlock()
	for id, s := range targets {
		if err := s.send(msg); err != nil {
			r.logger.Warn("ws broadcast failed, dropping session", "user", id, "error", err)
			r.drop(id, s)
		}
	}
}
