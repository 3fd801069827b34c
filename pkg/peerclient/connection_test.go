package peerclient

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/cuemby/paravon/pkg/serializer"
	"github.com/cuemby/paravon/pkg/throttling"
	"github.com/stretchr/testify/require"
)

func fastBackoff() *throttling.ExponentialBackoff {
	return throttling.NewExponentialBackoff(0.001, 1, 0.001, 0)
}

func writeTestFrame(t *testing.T, conn net.Conn, msg message.Message) {
	t.Helper()
	ser := serializer.MsgPackSerializer{}
	frame, err := ser.Serialize(msg)
	require.NoError(t, err)
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))
	_, err = conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func readTestFrame(t *testing.T, conn net.Conn) message.Message {
	t.Helper()
	header := make([]byte, headerSize)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	var msg message.Message
	require.NoError(t, serializer.MsgPackSerializer{}.DeserializeInto(payload, &msg))
	return msg
}

func TestClientConnectionSendDeliversFrameAndRecvLoopPublishesReply(t *testing.T) {
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

	sub := NewSubscription()
	ch, unsub := sub.Subscribe()
	defer unsub()

	cc := NewClientConnection("peer-1", ln.Addr().String(), nil, sub, serializer.MsgPackSerializer{}, fastBackoff(), 3)
	defer cc.Close()

	err = cc.Send(context.Background(), message.New("gossip/checksums", map[string]interface{}{"request_id": "r1"}))
	require.NoError(t, err)

	serverConn := <-accepted
	defer serverConn.Close()

	got := readTestFrame(t, serverConn)
	require.Equal(t, "gossip/checksums", got.Type)
	require.Equal(t, "r1", got.Data["request_id"])

	writeTestFrame(t, serverConn, message.OK(map[string]interface{}{"request_id": "r1"}))

	select {
	case env := <-ch:
		require.Equal(t, "peer-1", env.NodeID)
		require.Equal(t, "ok", env.Msg.Type)
		require.Equal(t, "r1", env.Msg.Data["request_id"])
	case <-time.After(time.Second):
		t.Fatal("recv loop did not publish reply")
	}
}

func TestClientConnectionFailsAfterMaxRetries(t *testing.T) {
	sub := NewSubscription()
	cc := NewClientConnection("peer-2", "127.0.0.1:1", nil, sub, serializer.MsgPackSerializer{}, fastBackoff(), 2)
	defer cc.Close()

	err := cc.Connect(context.Background())
	require.Error(t, err)
}

func TestClientConnectionCloseSuppressesReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	sub := NewSubscription()
	cc := NewClientConnection("peer-3", ln.Addr().String(), nil, sub, serializer.MsgPackSerializer{}, fastBackoff(), 3)
	require.NoError(t, cc.Connect(context.Background()))
	cc.Close()

	err = cc.Send(context.Background(), message.New("t", nil))
	require.Error(t, err)
}
