// Package wschannel implements the transport Channel over a WebSocket
// connection.
package wschannel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/anchorsync/anchorsync/internal/core/transport"
)

var _ transport.Channel = (*Channel)(nil)

// Config holds WebSocket channel settings.
type Config struct {
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

// DefaultConfig returns default WebSocket channel configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   1024 * 1024,
	}
}

// Channel is a WebSocket-backed message channel. Frames are delivered in
// order by a single read loop; writes are serialized by a write mutex.
type Channel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	config Config
	closed int32

	writeMu sync.Mutex

	onMessage func([]byte)
	onClose   func(error)
}

func New(config Config) *Channel {
	return &Channel{config: config}
}

// Open dials the endpoint and starts the read loop.
func (c *Channel) Open(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "websocket dial failed")
	}
	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}

	c.mu.Lock()
	c.conn = conn
	atomic.StoreInt32(&c.closed, 0)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send writes one text frame.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || atomic.LoadInt32(&c.closed) == 1 {
		return errors.New("channel is closed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// Close shuts the connection down without firing the close callback; the
// callback is reserved for unexpected closure.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return conn.Close()
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
				_ = conn.Close()
				c.mu.Lock()
				onClose := c.onClose
				c.mu.Unlock()
				if onClose != nil {
					onClose(err)
				}
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}
