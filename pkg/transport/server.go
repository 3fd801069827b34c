package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/rs/zerolog"
)

// ServerConfig configures a MessageServer's listener and framing limits.
type ServerConfig struct {
	Host                    string
	Port                    int
	TLSConfig               *tls.Config // nil disables TLS (tests only; production mandates mTLS)
	MaxMessageSize          uint32
	MaxBufferSize           uint32
	GracefulShutdownTimeout time.Duration
}

// MessageServer owns the lifecycle of a TCP (optionally mTLS) listener: it
// accepts connections, wraps each in a Protocol running the configured
// Application, and coordinates graceful shutdown.
type MessageServer struct {
	cfg    ServerConfig
	ser    serializer.Serializer
	app    Application
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Protocol]struct{}
	wg       sync.WaitGroup
}

// NewMessageServer builds a MessageServer. Call Start to begin accepting
// connections.
func NewMessageServer(cfg ServerConfig, ser serializer.Serializer, app Application) *MessageServer {
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = 5 * time.Second
	}
	return &MessageServer{
		cfg:    cfg,
		ser:    ser,
		app:    app,
		logger: log.WithComponent("transport.server"),
		conns:  make(map[*Protocol]struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. mTLS is mandatory in production: cfg.TLSConfig should set
// ClientAuth to tls.RequireAndVerifyClientCert with the cluster CA pool.
func (s *MessageServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var ln net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("message server listening")
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener's bound address, valid after Start succeeds.
func (s *MessageServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *MessageServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.handleConn(conn)
	}
}

func (s *MessageServer) handleConn(conn net.Conn) {
	p := newConnection(conn, s.ser, Config{MaxMessageSize: s.cfg.MaxMessageSize, MaxBufferSize: s.cfg.MaxBufferSize}, s.logger)

	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, p)
			s.mu.Unlock()
		}()

		go p.readLoop()
		p.streamer.RunApp(s.app)
	}()
}

// Shutdown closes the listener, asks every active connection to shut
// down, and waits for their goroutines to finish (bounded by
// GracefulShutdownTimeout; an overrun is reported but does not block
// forever, since the connections were already asked to close).
func (s *MessageServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	conns := make([]*Protocol, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.Unlock()

	for _, p := range conns {
		p.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		s.logger.Error().Int("remaining", len(conns)).Msg("graceful shutdown timed out")
		return fmt.Errorf("transport: graceful shutdown timed out after %s", s.cfg.GracefulShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
