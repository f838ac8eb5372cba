package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muradazp/warren-jocko-pubsub/internal/log"
)

func TestFanOutFanInRoundTrip(t *testing.T) {
	fo, err := Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Serve(ctx)

	fi := NewFanIn(nil, log.Nop())
	defer fi.Close()
	require.NoError(t, fi.Connect(fo.Addr().String()))

	require.Eventually(t, func() bool { return fo.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	fo.Publish("temperature:21.5")

	select {
	case msg := <-fi.Messages():
		require.Equal(t, "temperature:21.5", msg.Line)
		require.Equal(t, fo.Addr().String(), msg.Addr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestFanOutFiltersByTopic(t *testing.T) {
	fo, err := Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Serve(ctx)

	fi := NewFanIn([]string{"humidity"}, log.Nop())
	defer fi.Close()
	require.NoError(t, fi.Connect(fo.Addr().String()))
	require.Eventually(t, func() bool { return fo.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	fo.Publish("temperature:21.5")
	fo.Publish("humidity:50")

	select {
	case msg := <-fi.Messages():
		require.Equal(t, "humidity:50", msg.Line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestFanInDisconnectStopsDelivery(t *testing.T) {
	fo, err := Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Serve(ctx)

	fi := NewFanIn(nil, log.Nop())
	defer fi.Close()
	addr := fo.Addr().String()
	require.NoError(t, fi.Connect(addr))
	require.True(t, fi.Connected(addr))

	fi.Disconnect(addr)
	require.False(t, fi.Connected(addr))
}

func TestFanInConnectIsIdempotent(t *testing.T) {
	fo, err := Bind("127.0.0.1:0", log.Nop())
	require.NoError(t, err)
	defer fo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Serve(ctx)

	fi := NewFanIn(nil, log.Nop())
	defer fi.Close()
	addr := fo.Addr().String()
	require.NoError(t, fi.Connect(addr))
	require.NoError(t, fi.Connect(addr))
	require.Eventually(t, func() bool { return fo.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
}
