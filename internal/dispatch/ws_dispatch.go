package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// WSSession streams one hub subscription to a websocket connection.
type WSSession struct {
	conn *websocket.Conn
	sub  *Subscription
	hub  *Hub
	log  *slog.Logger
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn, hub *Hub, topic Topic, logger *slog.Logger) *WSSession {
	return &WSSession{conn: conn, hub: hub, sub: hub.Subscribe(topic), log: logger}
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Run blocks until the client goes away, then releases the subscription.
// Inbound frames are ignored; reading only serves to observe close and pong.
func (s *WSSession) Run() {
	defer func() {
		s.hub.Unsubscribe(s.sub)
		_ = s.conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.SetReadLimit(4096)
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			if err := s.Send(ev); err != nil {
				s.log.Warn("ws send error", "topic", s.sub.Topic, "error", err)
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
