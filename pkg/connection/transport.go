package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Close codes used by the state machine. Only CloseNormalClosure ends a
// connection without a reconnect attempt.
const (
	CloseNormalClosure   = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	CloseAbnormalClosure = websocket.CloseAbnormalClosure
	// CloseHeartbeatTimeout is sent when the peer stopped answering heartbeats.
	CloseHeartbeatTimeout = 4000
)

// Transport is one established, message oriented duplex channel.
// ReadMessage is only called from a single goroutine, WriteMessage calls are
// serialized by the caller, Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// CloseError reports a closure with a code. Transports other than the
// websocket one use it to tell the state machine how the peer went away.
type CloseError struct {
	Code   int
	Reason string
}

func (c *CloseError) Error() string {
	if c.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", c.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", c.Code, c.Reason)
}

// CloseCode extracts the close code from a transport error. Anything that is
// not an explicit close is an abnormal closure.
func CloseCode(err error) int {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return wsErr.Code
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormalClosure
}

type WebSocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

func NewWebSocketDialer(handshakeTimeout time.Duration, header http.Header) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: header,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, errors.Wrapf(err, "websocket handshake with %s failed with status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "could not dial %s", url)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &wsTransport{conn: conn}, nil
}

var _ Dialer = (*WebSocketDialer)(nil)

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		// 1006 is reserved for the local side and never goes on the wire
		if code != CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
