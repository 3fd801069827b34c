package peerclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/stretchr/testify/require"
)

func newTestPool() *ClientConnectionPool {
	return NewClientConnectionPool(nil, serializer.MsgPackSerializer{}, fastBackoff, 3)
}

func TestClientConnectionPoolRegisterIsNoOpForUnchangedAddress(t *testing.T) {
	p := newTestPool()
	p.Register("n1", "127.0.0.1:9000")
	conn1, err := p.Get("n1")
	require.NoError(t, err)

	p.Register("n1", "127.0.0.1:9000")
	conn2, err := p.Get("n1")
	require.NoError(t, err)
	require.Same(t, conn1, conn2)
}

func TestClientConnectionPoolRegisterRebuildsConnectionOnAddressChange(t *testing.T) {
	p := newTestPool()
	p.Register("n1", "127.0.0.1:9000")
	conn1, err := p.Get("n1")
	require.NoError(t, err)

	p.Register("n1", "127.0.0.1:9001")
	conn2, err := p.Get("n1")
	require.NoError(t, err)
	require.NotSame(t, conn1, conn2)
}

func TestClientConnectionPoolGetFailsForUnregisteredNode(t *testing.T) {
	p := newTestPool()
	_, err := p.Get("ghost")
	require.Error(t, err)
}

func TestClientConnectionPoolHasReflectsRegistration(t *testing.T) {
	p := newTestPool()
	require.False(t, p.Has("n1"))
	p.Register("n1", "127.0.0.1:9000")
	require.True(t, p.Has("n1"))
}

func TestClientConnectionPoolSendWritesFrameToPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	p := newTestPool()
	defer p.Close()
	p.Register("peer-a", ln.Addr().String())

	require.NoError(t, p.Send(context.Background(), "peer-a", message.New("gossip/checksums", map[string]interface{}{"n": 1})))

	serverConn := <-accepted
	defer serverConn.Close()

	got := readTestFrame(t, serverConn)
	require.Equal(t, "gossip/checksums", got.Type)
	require.EqualValues(t, 1, got.Data["n"])
}

func TestClientConnectionPoolDispatchForeverFansOutToHandlersByType(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	p := newTestPool()
	defer p.Close()
	p.Register("peer-b", ln.Addr().String())

	handlerCalled := make(chan message.Message, 1)
	p.Subscribe("push/event", func(ctx context.Context, msg message.Message) {
		handlerCalled <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.DispatchForever(ctx)

	// Establish the connection so the peer has somewhere to push into.
	require.NoError(t, p.Send(context.Background(), "peer-b", message.New("hello", nil)))

	serverConn := <-accepted
	defer serverConn.Close()
	_ = readTestFrame(t, serverConn) // the priming "hello" send

	writeTestFrame(t, serverConn, message.New("push/event", map[string]interface{}{"n": 1}))

	select {
	case got := <-handlerCalled:
		require.Equal(t, "push/event", got.Type)
		require.EqualValues(t, 1, got.Data["n"])
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked for push")
	}
}

func TestClientConnectionPoolHandlerCanReplyBySendingBack(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	p := newTestPool()
	defer p.Close()
	p.Register("peer-c", ln.Addr().String())

	p.Subscribe("ping", func(ctx context.Context, msg message.Message) {
		_ = p.Send(ctx, "peer-c", message.New("pong", nil))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.DispatchForever(ctx)

	require.NoError(t, p.Send(context.Background(), "peer-c", message.New("hello", nil)))

	serverConn := <-accepted
	defer serverConn.Close()
	_ = readTestFrame(t, serverConn)

	writeTestFrame(t, serverConn, message.New("ping", nil))

	reply := readTestFrame(t, serverConn)
	require.Equal(t, "pong", reply.Type)
}

func TestClientConnectionPoolCloseStopsDispatchAndClosesConnections(t *testing.T) {
	p := newTestPool()
	p.Register("n1", "127.0.0.1:9000")
	_, err := p.Get("n1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.DispatchForever(context.Background())
		close(done)
	}()

	p.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchForever did not stop after Close")
	}

	_, err = p.Get("n1")
	require.Error(t, err)
}
