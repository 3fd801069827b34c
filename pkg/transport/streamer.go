package transport

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/metrics"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/rs/zerolog"
)

// Streamer exposes one connection's decoded Messages to an Application
// and serializes the Application's responses back onto the wire,
// observing FlowControl so a paused connection's writes block instead of
// piling up.
type Streamer struct {
	conn   net.Conn
	flow   *FlowControl
	ser    serializer.Serializer
	queue  chan message.Message
	logger zerolog.Logger
}

func newStreamer(conn net.Conn, flow *FlowControl, ser serializer.Serializer, queue chan message.Message, logger zerolog.Logger) *Streamer {
	return &Streamer{conn: conn, flow: flow, ser: ser, queue: queue, logger: logger}
}

// Receive implements message.ReceiveFunc: it blocks for the next decoded
// Message, returning ok=false once the connection has reached a terminal
// state (read error, EOF, or shutdown).
func (s *Streamer) Receive() (message.Message, bool) {
	m, ok := <-s.queue
	return m, ok
}

// Send implements message.SendFunc: it waits for the connection to be
// writable, then writes a framed, serialized Message.
func (s *Streamer) Send(msg message.Message) error {
	if err := s.flow.Drain(context.Background()); err != nil {
		return err
	}

	frame, err := s.ser.Serialize(msg)
	if err != nil {
		return err
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	if _, err := s.conn.Write(header); err != nil {
		_ = s.conn.Close()
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		_ = s.conn.Close()
		return err
	}
	metrics.TransportFramesTotal.WithLabelValues("out").Inc()
	return nil
}

// RunApp runs app for the lifetime of the connection, closing the
// transport when the Application returns or panics.
func (s *Streamer) RunApp(app Application) {
	defer func() {
		_ = s.conn.Close()
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("application panic")
		}
	}()

	if err := app(s.Receive, s.Send); err != nil {
		s.logger.Debug().Err(err).Msg("application exited")
	}
}
