package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/logging"
)

// writeWait bounds a single control or data write.
const writeWait = 5 * time.Second

// message is the WebSocket envelope. Offers and answers reuse the SDP
// payload fields; a server-side failure sets Error.
type message struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client exchanges one offer for one answer over a short-lived WebSocket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewClient creates a signaling client for a ws:// or wss:// URL.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logging.GetLogger("signal"),
	}
}

// Exchange dials the signaling socket, sends the offer and waits for the
// answer. The connection is closed before returning.
func (c *Client) Exchange(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	c.logger.Debug("connecting", "url", c.url)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return domain.SDPPayload{}, &domain.HandshakeError{Status: resp.StatusCode, Body: resp.Status, Err: fmt.Errorf("websocket dial: %w", err)}
		}
		return domain.SDPPayload{}, &domain.HandshakeError{Err: fmt.Errorf("websocket dial: %w", err)}
	}

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = conn.Close()
		})
	}
	defer closeConn()

	// A blocked read only returns once the socket closes.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(message{Type: offer.Type, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, c.fail(ctx, fmt.Errorf("write offer: %w", err))
	}
	c.logger.Debug(">>> offer", "bytes", len(offer.SDP))

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return domain.SDPPayload{}, c.fail(ctx, fmt.Errorf("read answer: %w", err))
		}

		switch {
		case msg.Error != "":
			return domain.SDPPayload{}, &domain.HandshakeError{Body: msg.Error}
		case msg.Type == "answer":
			c.logger.Debug("<<< answer", "bytes", len(msg.SDP))
			return domain.SDPPayload{SDP: msg.SDP, Type: msg.Type}, nil
		default:
			c.logger.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &domain.HandshakeError{Err: err}
}
