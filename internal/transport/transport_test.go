package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/pong-sync/internal/protocol"
)

func recvDatagram(t *testing.T, ch <-chan Datagram, within time.Duration) Datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(within):
		t.Fatalf("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestPump_DeliversAndStopsOnClose(t *testing.T) {
	n := NewMemNetwork()
	server, err := n.Listen("server:1")
	require.NoError(t, err)
	client, err := n.Listen("client:1")
	require.NoError(t, err)
	defer client.Close()

	out := make(chan Datagram, 4)
	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), server, out, 2048, nil) }()

	require.NoError(t, Send(client, server.LocalAddr(), protocol.Pulse{Timestamp: 7}))
	d := recvDatagram(t, out, time.Second)
	assert.Equal(t, "client:1", d.Addr.String())

	msg, err := protocol.Decode(d.Data)
	require.NoError(t, err)
	assert.Equal(t, protocol.Pulse{Timestamp: 7}, msg)

	require.NoError(t, server.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after close")
	}
}

func TestPump_DropsWhenConsumerIsFull(t *testing.T) {
	n := NewMemNetwork()
	server, _ := n.Listen("server:1")
	client, _ := n.Listen("client:1")
	defer server.Close()
	defer client.Close()

	out := make(chan Datagram, 1)
	var dropped atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Pump(ctx, server, out, 2048, func() { dropped.Add(1) })

	for i := 0; i < 5; i++ {
		_, err := client.WriteTo([]byte("x"), server.LocalAddr())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return dropped.Load() == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, out, 1)
}

func TestMemNetwork_DropFuncAndUnknownPeer(t *testing.T) {
	n := NewMemNetwork()
	a, _ := n.Listen("a")
	b, _ := n.Listen("b")
	defer a.Close()
	defer b.Close()

	n.SetDropFunc(func(from, to string, data []byte) bool { return string(data) == "lost" })

	_, err := a.WriteTo([]byte("lost"), MemAddr("b"))
	require.NoError(t, err)
	_, err = a.WriteTo([]byte("kept"), MemAddr("b"))
	require.NoError(t, err)
	_, err = a.WriteTo([]byte("void"), MemAddr("nobody"))
	require.NoError(t, err, "writes to unknown peers vanish like UDP")

	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	nr, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf[:nr]))
	assert.True(t, SameAddr(from, MemAddr("a")))

	_, err = n.Listen("a")
	assert.Error(t, err, "address in use")
}
