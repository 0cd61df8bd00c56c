package chatws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) (*Sender, chan outbound) {
	t.Helper()

	received := make(chan outbound, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg outbound
			if json.Unmarshal(raw, &msg) == nil {
				received <- msg
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sender := NewSender(url)
	t.Cleanup(func() { sender.Close() })
	return sender, received
}

func TestSendChat(t *testing.T) {
	sender, received := newGateway(t)

	err := sender.SendChat(context.Background(), "tenant-1", "twitch", "hello chat")
	require.NoError(t, err)

	msg := <-received
	assert.Equal(t, "tenant-1", msg.Tenant)
	assert.Equal(t, "twitch", msg.Platform)
	assert.Equal(t, "hello chat", msg.Message)
}

func TestSendChatRedialsAfterClose(t *testing.T) {
	sender, received := newGateway(t)

	require.NoError(t, sender.SendChat(context.Background(), "t", "twitch", "first"))
	<-received

	// Drop the client side; the next send must redial transparently.
	sender.mu.Lock()
	sender.conn.Close()
	sender.mu.Unlock()

	require.NoError(t, sender.SendChat(context.Background(), "t", "twitch", "second"))
	msg := <-received
	assert.Equal(t, "second", msg.Message)
}

func TestSendChatUnreachableGateway(t *testing.T) {
	sender := NewSender("ws://127.0.0.1:1/chat")
	err := sender.SendChat(context.Background(), "t", "twitch", "lost")
	assert.Error(t, err)
}
