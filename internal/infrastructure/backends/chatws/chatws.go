// Package chatws delivers plugin chat messages to the chat gateway over a
// websocket connection.
package chatws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// outbound is the gateway's message envelope.
type outbound struct {
	Tenant   string `json:"tenant"`
	Platform string `json:"platform"`
	Message  string `json:"message"`
}

// Sender is a ChatSender backed by one websocket connection to the chat
// gateway. The connection is dialed lazily and redialed after a failed
// write.
type Sender struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSender(url string) *Sender {
	return &Sender{url: url, dialer: websocket.DefaultDialer}
}

// SendChat delivers one chat line. A stale connection gets one redial
// before the error is returned.
func (s *Sender) SendChat(ctx context.Context, tenant, platform, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := outbound{Tenant: tenant, Platform: platform, Message: message}
	if err := s.writeLocked(ctx, msg); err != nil {
		slog.Debug("chat gateway write failed, redialing", "error", err)
		s.closeLocked()
		return s.writeLocked(ctx, msg)
	}
	return nil
}

func (s *Sender) writeLocked(ctx context.Context, msg outbound) error {
	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("dial chat gateway: %w", err)
		}
		s.conn = conn
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write chat message: %w", err)
	}
	return nil
}

func (s *Sender) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close tears the gateway connection down.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
