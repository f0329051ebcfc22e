package syncchan

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/channel"
	"github.com/geohunt/engine/pkg/streaming"
	ws "github.com/gorilla/websocket"
)

const (
	sendChSize = 1024
	recvChSize = 256
	writeWait  = 10 * time.Second
	dialWait   = 15 * time.Second
)

// WebSocketTransport dials the sync server over gorilla/websocket.
type WebSocketTransport struct {
	URL      string
	Secret   string
	DeviceID string
	Codec    streaming.Codec
	Dialer   *ws.Dialer
	Logger   *slog.Logger
}

// NewWebSocketTransport creates a transport for rawURL.
func NewWebSocketTransport(rawURL, secret, deviceID string, codec streaming.Codec, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		URL:      rawURL,
		Secret:   secret,
		DeviceID: deviceID,
		Codec:    codec,
		Dialer:   &ws.Dialer{HandshakeTimeout: dialWait},
		Logger:   logger,
	}
}

// Dial connects once and starts the connection's read and write loops.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	if t.Secret != "" {
		q.Set("secret", t.Secret)
	}
	if t.DeviceID != "" {
		q.Set("device", t.DeviceID)
	}
	if t.Codec != nil {
		q.Set("codec", t.Codec.Name())
	}
	u.RawQuery = q.Encode()

	conn, _, err := t.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	msgType := ws.TextMessage
	if t.Codec != nil && t.Codec.Binary() {
		msgType = ws.BinaryMessage
	}
	return NewWSConn(conn, msgType, t.Logger), nil
}

// WSConn runs a single write goroutine and a single read goroutine over a
// websocket, for clients and the server alike.
type WSConn struct {
	conn    *ws.Conn
	msgType int
	sendCh  channel.Channel[[]byte]
	recvCh  channel.Channel[[]byte]
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

// NewWSConn wraps an established websocket.
func NewWSConn(conn *ws.Conn, msgType int, logger *slog.Logger) *WSConn {
	c := &WSConn{
		conn:    conn,
		msgType: msgType,
		sendCh:  channel.New[[]byte](sendChSize),
		recvCh:  channel.New[[]byte](recvChSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// writeLoop drains sendCh and writes messages to the WebSocket.
func (c *WSConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh.Receive():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := c.conn.WriteMessage(c.msgType, data); err != nil {
				c.fail(fmt.Errorf("websocket write: %w", err))
				return
			}
		}
	}
}

// readLoop reads messages and routes them to recvCh.
func (c *WSConn) readLoop() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("websocket read: %w", err))
			return
		}
		select {
		case c.recvCh.In() <- message:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
	c.logger.Debug("websocket connection closed", "error", err)
}

// Err returns why the connection stopped, if it did.
func (c *WSConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && c.closed {
		return ErrChannelUnavailable
	}
	return c.err
}

// Send queues frame for the write loop.
func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, c.Err())
	default:
	}
	select {
	case c.sendCh.In() <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next frame read from the socket.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recvCh.Receive():
		return data, nil
	case <-c.done:
		select {
		case data := <-c.recvCh.Receive():
			return data, nil
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, c.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and stops both loops.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
