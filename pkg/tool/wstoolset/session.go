package wstoolset

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one connected socket with its read/write pumps.
type session struct {
	bridge *Bridge
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.bridge.drop(s)
	})
}

// Send implements Sender.
func (s *session) Send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !s.enqueue(data) {
		return errors.New("send buffer full")
	}
	return nil
}

func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.bridge.handleFrame(s, data)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
