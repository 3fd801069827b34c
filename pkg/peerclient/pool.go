package peerclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/cuemby/paravon/pkg/gossip"
	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/rs/zerolog"
)

// TypeHandler processes one incoming Message of a registered type. It has
// no return value: if a reply is warranted, the handler issues its own
// Send back to the originating node_id, exactly as any other outbound
// gossip push. There is no request/response correlation in this pool.
type TypeHandler func(ctx context.Context, msg message.Message)

// BackoffFactory builds a fresh backoff for a new ClientConnection; each
// connection owns its own backoff state.
type BackoffFactory func() *throttling.ExponentialBackoff

var _ gossip.Pool = (*ClientConnectionPool)(nil)

// ClientConnectionPool owns one ClientConnection per registered node_id
// and the single Subscription their incoming traffic is published to.
// DispatchForever fans every incoming Message out to the handlers
// registered for its type; handlers run concurrently and independently.
type ClientConnectionPool struct {
	tlsConfig      *tls.Config
	ser            serializer.Serializer
	backoffFactory BackoffFactory
	maxRetries     int
	subscription   *Subscription
	logger         zerolog.Logger

	mu        sync.Mutex
	addresses map[string]string
	conns     map[string]*ClientConnection
	stopped   bool

	handlersMu sync.RWMutex
	handlers   map[string][]TypeHandler
}

// NewClientConnectionPool builds an empty pool. tlsConfig nil disables
// TLS (tests only; production peer links require mTLS).
func NewClientConnectionPool(tlsConfig *tls.Config, ser serializer.Serializer, backoffFactory BackoffFactory, maxRetries int) *ClientConnectionPool {
	return &ClientConnectionPool{
		tlsConfig:      tlsConfig,
		ser:            ser,
		backoffFactory: backoffFactory,
		maxRetries:     maxRetries,
		subscription:   NewSubscription(),
		logger:         log.WithComponent("peerclient.pool"),
		addresses:      make(map[string]string),
		conns:          make(map[string]*ClientConnection),
		handlers:       make(map[string][]TypeHandler),
	}
}

// Register associates node_id with address. If the address changed from
// what was previously registered, the existing connection (if any) is
// closed and discarded so the next Get/Send rebuilds it against the new
// address; re-registering the same address is a no-op.
func (p *ClientConnectionPool) Register(nodeID, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.addresses[nodeID]; ok && existing == address {
		return
	}
	p.addresses[nodeID] = address
	if conn, ok := p.conns[nodeID]; ok {
		conn.Close()
		delete(p.conns, nodeID)
	}
}

// Has reports whether node_id has been registered, regardless of whether
// a connection to it is currently active.
func (p *ClientConnectionPool) Has(nodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.addresses[nodeID]
	return ok
}

// Get returns (lazily creating) the ClientConnection for a registered
// node_id. It fails if the node is unregistered or the pool is stopped.
func (p *ClientConnectionPool) Get(nodeID string) (*ClientConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, fmt.Errorf("peerclient: pool is stopped")
	}
	address, ok := p.addresses[nodeID]
	if !ok {
		return nil, fmt.Errorf("peerclient: node %q is not registered", nodeID)
	}
	if conn, ok := p.conns[nodeID]; ok {
		return conn, nil
	}
	conn := NewClientConnection(nodeID, address, p.tlsConfig, p.subscription, p.ser, p.backoffFactory(), p.maxRetries)
	p.conns[nodeID] = conn
	return conn, nil
}

// Send lazily connects to node_id and writes msg. There is no reply: a
// nil error only means the frame was written.
func (p *ClientConnectionPool) Send(ctx context.Context, nodeID string, msg message.Message) error {
	conn, err := p.Get(nodeID)
	if err != nil {
		return err
	}
	return conn.Send(ctx, msg)
}

// Subscribe registers handler for an incoming message type. Multiple
// handlers may be registered per type; DispatchForever invokes all of
// them concurrently and independently for every matching message.
func (p *ClientConnectionPool) Subscribe(msgType string, handler TypeHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[msgType] = append(p.handlers[msgType], handler)
}

// DispatchForever consumes the pool's Subscription until it is closed or
// ctx is done, fanning each incoming message out to the handlers
// registered for its type. A type with no registered handler is dropped
// with a warning.
func (p *ClientConnectionPool) DispatchForever(ctx context.Context) {
	ch, unsubscribe := p.subscription.Subscribe()
	defer unsubscribe()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			p.dispatch(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (p *ClientConnectionPool) dispatch(ctx context.Context, env Envelope) {
	p.handlersMu.RLock()
	handlers := append([]TypeHandler(nil), p.handlers[env.Msg.Type]...)
	p.handlersMu.RUnlock()

	if len(handlers) == 0 {
		p.logger.Warn().Str("type", env.Msg.Type).Str("node_id", env.NodeID).Msg("no handler registered")
		return
	}
	for _, handler := range handlers {
		go handler(ctx, env.Msg)
	}
}

// ActiveConnections returns the number of connections the pool currently
// holds (created by Get, whether or not they are connected right now),
// for the paravon_peer_connections_active gauge.
func (p *ClientConnectionPool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close publishes the terminal sentinel (ending every DispatchForever and
// Subscribe iteration), closes every connection, and clears pool state.
func (p *ClientConnectionPool) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	conns := make([]*ClientConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*ClientConnection)
	p.addresses = make(map[string]string)
	p.mu.Unlock()

	p.subscription.Close()
	for _, conn := range conns {
		conn.Close()
	}
}
