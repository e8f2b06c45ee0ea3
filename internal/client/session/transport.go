package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-realtime/internal/models"
)

// ErrUnauthorized means the server refused the credential. It is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Conn is one established live channel.
type Conn interface {
	ReadFrame() (models.Frame, error)
	WriteFrame(frame models.Frame) error
	Close() error
}

// Dialer opens live channels.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// WebsocketDialer dials the /ws endpoint with a bearer token.
type WebsocketDialer struct {
	URL          string
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:          url,
		Dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		WriteTimeout: 10 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) ReadFrame() (models.Frame, error) {
	var frame models.Frame
	err := c.conn.ReadJSON(&frame)
	return frame, err
}

// WriteFrame is safe for concurrent use; gorilla allows one writer at a time.
func (c *wsConn) WriteFrame(frame models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
