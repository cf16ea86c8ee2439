// Package quicchannel implements the transport Channel over a single
// bidirectional QUIC stream. QUIC has no message boundaries on streams, so
// frames are length-prefixed at the application level.
package quicchannel

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/anchorsync/anchorsync/internal/core/transport"
)

var _ transport.Channel = (*Channel)(nil)

const maxFrameSize = 1 << 20 // 1MB

// Config holds QUIC channel settings.
type Config struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// DefaultConfig returns a development-grade QUIC configuration.
func DefaultConfig() Config {
	return Config{
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true, // For development only
			NextProtos:         []string{"anchorsync-quic"},
			MinVersion:         tls.VersionTLS13, // QUIC requires TLS 1.3
		},
		QUICConfig: &quic.Config{},
	}
}

// Channel is a QUIC-backed message channel.
type Channel struct {
	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
	config Config
	closed int32

	writeMu sync.Mutex

	onMessage func([]byte)
	onClose   func(error)
}

func New(config Config) *Channel {
	if config.TLSConfig == nil {
		config = DefaultConfig()
	}
	return &Channel{config: config}
}

// Open dials the endpoint, opens one bidirectional stream and starts the
// read loop.
func (c *Channel) Open(ctx context.Context, endpoint string) error {
	conn, err := quic.DialAddr(ctx, endpoint, c.config.TLSConfig, c.config.QUICConfig)
	if err != nil {
		return errors.Wrap(err, "quic dial failed")
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return errors.Wrap(err, "failed to open quic stream")
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	atomic.StoreInt32(&c.closed, 0)
	c.mu.Unlock()

	go c.readLoop(stream)
	return nil
}

// Send writes one length-prefixed frame.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil || atomic.LoadInt32(&c.closed) == 1 {
		return errors.New("channel is closed")
	}
	if len(data) > maxFrameSize {
		return errors.Errorf("frame size %d exceeds limit %d", len(data), maxFrameSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := stream.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if _, err := stream.Write(data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close tears the stream and connection down without firing the close
// callback.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	stream, conn := c.stream, c.conn
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if conn != nil {
		return conn.CloseWithError(0, "channel closed")
	}
	return nil
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

func (c *Channel) readLoop(stream *quic.Stream) {
	for {
		var header [4]byte
		if _, err := io.ReadFull(stream, header[:]); err != nil {
			c.reportClose(err)
			return
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxFrameSize {
			c.reportClose(errors.Errorf("frame size %d exceeds limit %d", size, maxFrameSize))
			return
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(stream, data); err != nil {
			c.reportClose(err)
			return
		}

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Channel) reportClose(err error) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}

	c.mu.Lock()
	conn := c.conn
	onClose := c.onClose
	c.mu.Unlock()

	if conn != nil {
		_ = conn.CloseWithError(0, "read failed")
	}
	if onClose != nil {
		onClose(err)
	}
}
