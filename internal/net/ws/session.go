package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Session wraps a websocket connection with serialized writes. It implements
// the broadcast transport contract, so the registry can deliver to it from
// any goroutine.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	lastSeq atomic.Uint64
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

// Send writes one frame. Binary frames carry compressed envelopes.
func (s *Session) Send(data []byte, binary bool) error {
	if s == nil || s.conn == nil {
		return nil
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// Close shuts the connection down. Safe to call more than once.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// LastCommandSeq reports the highest acknowledged command sequence.
func (s *Session) LastCommandSeq() uint64 {
	if s == nil {
		return 0
	}
	return s.lastSeq.Load()
}

// StoreLastCommandSeq records an acknowledged command sequence.
func (s *Session) StoreLastCommandSeq(seq uint64) {
	if s == nil {
		return
	}
	s.lastSeq.Store(seq)
}
