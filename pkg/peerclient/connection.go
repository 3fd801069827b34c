package peerclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/rs/zerolog"
)

const headerSize = 4

// ClientConnection is a persistent, reconnecting TLS client to a single
// peer address. Connect retries with exponential backoff up to
// maxRetries (0 means unlimited) or until Close is called; once
// connected, a background loop reads framed Messages and publishes them
// on the shared Subscription.
type ClientConnection struct {
	address      string
	tlsConfig    *tls.Config
	subscription *Subscription
	ser          serializer.Serializer
	backoff      *throttling.ExponentialBackoff
	maxRetries   int
	nodeID       string
	logger       zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	stopped bool
	stopCh  chan struct{}
}

// NewClientConnection builds a ClientConnection. nodeID identifies the
// remote peer and is attached to every Envelope published from messages
// this connection receives, so the pool can route replies back to it.
func NewClientConnection(nodeID, address string, tlsConfig *tls.Config, subscription *Subscription, ser serializer.Serializer, backoff *throttling.ExponentialBackoff, maxRetries int) *ClientConnection {
	return &ClientConnection{
		address:      address,
		tlsConfig:    tlsConfig,
		subscription: subscription,
		ser:          ser,
		backoff:      backoff,
		maxRetries:   maxRetries,
		nodeID:       nodeID,
		logger:       log.WithComponent("peerclient.connection"),
		stopCh:       make(chan struct{}),
	}
}

// Connect establishes the underlying TLS connection if one isn't already
// open, retrying with exponential backoff. It returns an error only if
// maxRetries is exhausted, the connection was closed, or ctx is done.
func (c *ClientConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("peerclient: connection to %s is closed", c.address)
	}
	c.mu.Unlock()

	c.backoff.Reset()
	attempts := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			go c.recvLoop(conn)
			return nil
		}

		attempts++
		c.logger.Warn().Err(err).Str("address", c.address).Int("attempt", attempts).Msg("dial failed")
		if c.maxRetries > 0 && attempts >= c.maxRetries {
			return fmt.Errorf("peerclient: dial %s failed after %d attempts: %w", c.address, attempts, err)
		}

		select {
		case <-time.After(c.backoff.Next()):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("peerclient: connection to %s stopped", c.address)
		}
	}
}

func (c *ClientConnection) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	if c.tlsConfig != nil {
		rawConn, err := dialer.DialContext(ctx, "tcp", c.address)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(rawConn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return dialer.DialContext(ctx, "tcp", c.address)
}

func (c *ClientConnection) recvLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			c.disconnect(conn)
			return
		}
		length := binary.BigEndian.Uint32(header)
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			c.disconnect(conn)
			return
		}

		var msg message.Message
		if err := c.ser.DeserializeInto(payload, &msg); err != nil {
			c.logger.Warn().Err(err).Str("node_id", c.nodeID).Msg("dropping malformed frame")
			continue
		}
		c.subscription.Publish(Envelope{NodeID: c.nodeID, Msg: msg})
	}
}

// disconnect drops the connection if it is still the active one, leaving
// the next Send/Connect to lazily reconnect.
func (c *ClientConnection) disconnect(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Send lazily connects, then writes a single framed Message. A write
// failure marks the connection disconnected so the next call reconnects.
func (c *ClientConnection) Send(ctx context.Context, msg message.Message) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peerclient: not connected to %s", c.address)
	}

	frame, err := c.ser.Serialize(msg)
	if err != nil {
		return fmt.Errorf("peerclient: serialize message: %w", err)
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))

	if _, err := conn.Write(header); err != nil {
		c.disconnect(conn)
		return fmt.Errorf("peerclient: write header to %s: %w", c.address, err)
	}
	if _, err := conn.Write(frame); err != nil {
		c.disconnect(conn)
		return fmt.Errorf("peerclient: write frame to %s: %w", c.address, err)
	}
	return nil
}

// Close is terminal: it stops any in-flight Connect retry loop, closes
// the underlying connection, and suppresses reconnection.
func (c *ClientConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
