package notify

import (
	"sync"

	"github.com/gorilla/websocket"
)

// AssignmentNotice is pushed to a connected driver when a batch hands them
// rides.
type AssignmentNotice struct {
	BatchID string   `json:"batch_id"`
	RideIDs []string `json:"ride_ids"`
}

// WSSession wraps one connected driver socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n AssignmentNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry holds driver sessions keyed by driver id. Pushes are
// best-effort; a driver without a live session is simply skipped.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Notify sends the notice to the driver if connected. Returns ErrNoSession
// when the driver has no live socket.
func (r *WSRegistry) Notify(driverID string, n AssignmentNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(n)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
