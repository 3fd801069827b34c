package peerclient

import (
	"testing"
	"time"

	"github.com/cuemby/paravon/pkg/message"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliversToAllSubscribers(t *testing.T) {
	sub := NewSubscription()
	ch1, unsub1 := sub.Subscribe()
	ch2, unsub2 := sub.Subscribe()
	defer unsub1()
	defer unsub2()

	env := Envelope{NodeID: "peer-1", Msg: message.New("gossip/checksums", nil)}
	done := make(chan struct{})
	go func() {
		sub.Publish(env)
		close(done)
	}()

	got1 := <-ch1
	got2 := <-ch2
	<-done

	require.Equal(t, env, got1)
	require.Equal(t, env, got2)
}

func TestSubscriptionDropsPublishWithNoSubscribers(t *testing.T) {
	sub := NewSubscription()
	done := make(chan struct{})
	go func() {
		sub.Publish(Envelope{NodeID: "x", Msg: message.New("t", nil)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers should not block")
	}
}

func TestSubscriptionCloseEndsAllSubscriberIterations(t *testing.T) {
	sub := NewSubscription()
	ch, _ := sub.Subscribe()

	sub.Close()

	_, ok := <-ch
	require.False(t, ok)
}

func TestSubscriptionSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	sub := NewSubscription()
	sub.Close()

	ch, _ := sub.Subscribe()
	_, ok := <-ch
	require.False(t, ok)
}

func TestSubscriptionUnsubscribeStopsDelivery(t *testing.T) {
	sub := NewSubscription()
	ch, unsub := sub.Subscribe()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing afterward must not panic or deadlock.
	done := make(chan struct{})
	go func() {
		sub.Publish(Envelope{NodeID: "x", Msg: message.New("t", nil)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after unsubscribe should not block")
	}
}
