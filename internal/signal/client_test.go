package signal

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

	"roomlink/native/internal/domain"
)

// newServer runs handle for each accepted socket and returns its ws:// URL.
func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/offer"
}

func TestExchange_ReturnsAnswer(t *testing.T) {
	offers := make(chan message, 1)
	url := newServer(t, func(conn *websocket.Conn) {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		offers <- msg
		_ = conn.WriteJSON(message{Type: "ready"})
		_ = conn.WriteJSON(message{Type: "answer", SDP: "v=0 answer"})
		_, _, _ = conn.ReadMessage()
	})

	answer, err := NewClient(url).Exchange(context.Background(), domain.SDPPayload{SDP: "v=0 offer", Type: "offer"})
	require.NoError(t, err)
	assert.Equal(t, domain.SDPPayload{SDP: "v=0 answer", Type: "answer"}, answer)
	assert.Equal(t, message{Type: "offer", SDP: "v=0 offer"}, <-offers)
}

func TestExchange_ServerErrorIsHandshakeError(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		var msg message
		_ = conn.ReadJSON(&msg)
		_ = conn.WriteJSON(message{Type: "error", Error: "pipeline busy"})
	})

	_, err := NewClient(url).Exchange(context.Background(), domain.SDPPayload{Type: "offer"})

	var hsErr *domain.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "pipeline busy", hsErr.Body)
}

func TestExchange_ClosedBeforeAnswer(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		var msg message
		_ = conn.ReadJSON(&msg)
	})

	_, err := NewClient(url).Exchange(context.Background(), domain.SDPPayload{Type: "offer"})
	assert.Equal(t, "handshake", domain.Cause(err))
}

func TestExchange_ContextUnblocksRead(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(url).Exchange(ctx, domain.SDPPayload{Type: "offer"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExchange_DialFailure(t *testing.T) {
	_, err := NewClient("ws://127.0.0.1:1/api/offer").Exchange(context.Background(), domain.SDPPayload{Type: "offer"})

	var hsErr *domain.HandshakeError
	require.ErrorAs(t, err, &hsErr)
}
