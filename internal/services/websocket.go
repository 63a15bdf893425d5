package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/eduzmena/chatbot/internal/chat"
	"github.com/gorilla/websocket"
)

// WebSocketDialer opens chat connections over gorilla/websocket. It implements chat.Dialer.
type WebSocketDialer struct {
	dialer websocket.Dialer
	header http.Header
}

const defaultHandshakeTimeout = 10 * time.Second

// NewWebSocketDialer creates a dialer with the given handshake timeout and extra request headers. A
// zero timeout selects 10 seconds.
func NewWebSocketDialer(handshakeTimeout time.Duration, header http.Header) WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return WebSocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: header,
	}
}

// Dial connects to url, a ws:// or wss:// endpoint.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocketConn(conn), nil
}

// WebSocketConn adapts a *websocket.Conn to chat.Conn. Reads must come from a single goroutine, and
// so must writes, which is how chat.Session uses it.
type WebSocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established connection.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// Read returns the payload of the next text or binary message. A close frame with a normal or
// going-away code is reported as io.EOF.
func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write sends data as a single text message.
func (c *WebSocketConn) Write(ctx context.Context, data []byte) error {
	// A context without deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame, best effort, and closes the underlying connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
