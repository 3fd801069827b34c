package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/metrics"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/rs/zerolog"
)

// Config bounds a connection's framing: MaxMessageSize caps a single
// frame's payload length, MaxBufferSize sizes the read buffer.
type Config struct {
	MaxMessageSize uint32
	MaxBufferSize  uint32
}

// DefaultConfig returns reasonable framing limits (16 MiB frames, 64 KiB
// read buffer).
func DefaultConfig() Config {
	return Config{MaxMessageSize: 16 << 20, MaxBufferSize: 64 << 10}
}

// Protocol owns one accepted connection's framing and lifecycle: it reads
// length-prefixed frames in its own goroutine, decodes them into Messages,
// and feeds a Streamer that runs the configured Application.
type Protocol struct {
	conn     net.Conn
	cfg      Config
	ser      serializer.Serializer
	flow     *FlowControl
	queue    chan message.Message
	streamer *Streamer
	logger   zerolog.Logger
}

func newConnection(conn net.Conn, ser serializer.Serializer, cfg Config, logger zerolog.Logger) *Protocol {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	flow := NewFlowControl()
	queue := make(chan message.Message, 16)
	p := &Protocol{conn: conn, cfg: cfg, ser: ser, flow: flow, queue: queue, logger: logger}
	p.streamer = newStreamer(conn, flow, ser, queue, logger)
	return p
}

// Shutdown forcibly closes the underlying connection, unblocking the read
// loop so it can tear down. This is the Go equivalent of asking a
// cooperative asyncio task to stop: Go's net.Conn has no cancelable read,
// so closing the socket is the only way to interrupt a blocked Read.
func (p *Protocol) Shutdown() {
	_ = p.conn.Close()
}

// readLoop parses frames until the connection errors out or is closed,
// decoding each into a Message and handing it to the Streamer's queue. It
// is the sole closer of queue, which signals Streamer.Receive's terminal
// state.
func (p *Protocol) readLoop() {
	defer close(p.queue)

	reader := bufio.NewReaderSize(p.conn, int(p.cfg.MaxBufferSize))
	header := make([]byte, 4)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)
		if length > p.cfg.MaxMessageSize {
			p.logger.Warn().Uint32("length", length).Msg("frame exceeds max message size, closing connection")
			_ = p.conn.Close()
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}

		msg := p.decode(payload)
		metrics.TransportFramesTotal.WithLabelValues("in").Inc()
		p.queue <- msg
	}
}

func (p *Protocol) decode(frame []byte) message.Message {
	var msg message.Message
	if err := p.ser.DeserializeInto(frame, &msg); err != nil {
		p.logger.Warn().Err(err).Msg("invalid frame format")
		return message.KO("Invalid frame format", nil)
	}
	return msg
}
