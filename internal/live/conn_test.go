package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shainy/internal/auth"
)

// echoServer authenticates "good" tokens and answers every send_message with a
// new_message carrying the same ciphertext. A refresh_chats closes the socket.
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req map[string]any
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			switch req["type"] {
			case "auth":
				if req["token"] == "good" {
					ws.WriteJSON(map[string]any{"type": "auth_success", "userId": "u1"})
				} else {
					ws.WriteJSON(map[string]any{"type": "auth_error", "error": "invalid token"})
				}
			case "send_message":
				ws.WriteJSON(map[string]any{
					"type":   "new_message",
					"chatId": req["chatId"],
					"message": map[string]any{
						"id": "m1", "userId": "u1", "text": req["encryptedText"],
						"shaHash": req["shaHash"], "timestamp": 1,
					},
				})
			case "refresh_chats":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect() (Handler, <-chan Event) {
	ch := make(chan Event, 16)
	return func(ev Event) { ch <- ev }, ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestConnAuthenticateAndSend(t *testing.T) {
	url := echoServer(t)
	handler, events := collect()
	var states []State
	c := NewConn(url, auth.StaticToken("good"), handler, WithStateListener(func(s State) {
		states = append(states, s)
	}))

	assert.ErrorIs(t, c.Send(OutgoingMessage{ChatID: "c"}), ErrNotAuthenticated)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, AuthSuccess{UserID: "u1"}, next(t, events))
	assert.Equal(t, Authenticated{UserID: "u1"}, c.State())

	require.NoError(t, c.Send(OutgoingMessage{ChatID: "c", EncryptedText: "a:b:c", SHAHash: "h"}))
	ev, ok := next(t, events).(NewMessage)
	require.True(t, ok)
	assert.Equal(t, "c", ev.ChatID)
	assert.Equal(t, "a:b:c", ev.Message.Text)

	c.Close()
	assert.Equal(t, Disconnected{}, c.State())
	assert.ErrorIs(t, c.Send(OutgoingMessage{ChatID: "c"}), ErrNotAuthenticated)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after Close: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.IsType(t, Connecting{}, states[0])
}

func TestConnAuthRejected(t *testing.T) {
	url := echoServer(t)
	handler, events := collect()
	c := NewConn(url, auth.StaticToken("bad"), handler)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, AuthError{Message: "invalid token"}, next(t, events))
	assert.Equal(t, Connected{}, c.State())
	assert.ErrorIs(t, c.RefreshChats(), ErrNotAuthenticated)
	c.Close()
}

func TestConnLostIsReported(t *testing.T) {
	url := echoServer(t)
	handler, events := collect()
	c := NewConn(url, auth.StaticToken("good"), handler)

	require.NoError(t, c.Connect(context.Background()))
	next(t, events)
	require.NoError(t, c.RefreshChats())

	lost, ok := next(t, events).(ConnectionLost)
	require.True(t, ok)
	assert.Error(t, lost.Err)
	require.Eventually(t, func() bool {
		_, down := c.State().(Disconnected)
		return down
	}, time.Second, 5*time.Millisecond)

	// Reconnecting is explicit.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, AuthSuccess{UserID: "u1"}, next(t, events))
	c.Close()
}

func TestConnDialFailure(t *testing.T) {
	handler, _ := collect()
	c := NewConn("ws://127.0.0.1:1/ws", auth.StaticToken("good"), handler)
	err := c.Connect(context.Background())
	require.Error(t, err)
	down, ok := c.State().(Disconnected)
	require.True(t, ok)
	assert.Error(t, down.Err)
}

func TestConnMissingCredential(t *testing.T) {
	handler, _ := collect()
	c := NewConn("ws://unused", auth.StaticToken(""), handler)
	assert.ErrorIs(t, c.Connect(context.Background()), auth.ErrNoCredential)
}

