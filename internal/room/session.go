package room

import (
	"sync"

	"github.com/gorilla/websocket"

	"collabsync/internal/protocol"
)

// Session is one connected client of a room. Its presence map is mutated only
// by messages from its own connection.
type Session struct {
	info protocol.UserInfo
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	summaryWaiter chan protocol.SummaryResult
}

func newSession(info protocol.UserInfo, conn *websocket.Conn) *Session {
	return &Session{
		info: info,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// writePump drains the send buffer onto the websocket until the channel is
// closed or a write fails.
func (s *Session) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// beginSummary arms the session to receive one summary result; reports false
// when a request is already outstanding against this client.
func (s *Session) beginSummary(ch chan protocol.SummaryResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaryWaiter != nil {
		return false
	}
	s.summaryWaiter = ch
	return true
}

func (s *Session) endSummary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaryWaiter = nil
}

// deliverSummary hands a client's summarySubmitted message to the waiting
// requester, if any. Late results after a timeout are dropped here.
func (s *Session) deliverSummary(res protocol.SummaryResult) {
	s.mu.Lock()
	ch := s.summaryWaiter
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}
