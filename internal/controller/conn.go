package controller

import (
	"sync"

	"github.com/gorilla/websocket"
)

// syncedConn serializes writes to one websocket: session broadcasts triggered
// by other members run concurrently with this connection's own handler
// replies, and gorilla conns do not allow concurrent writers.
type syncedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSyncedConn(conn *websocket.Conn) *syncedConn {
	return &syncedConn{conn: conn}
}

func (s *syncedConn) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}
