package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// MemNetwork is an in-process datagram network. Like UDP it never blocks a
// writer: packets to unknown or congested endpoints are dropped.
type MemNetwork struct {
	mu    sync.Mutex
	conns map[string]*memConn
	drop  func(from, to string, data []byte) bool
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{conns: make(map[string]*memConn)}
}

// SetDropFunc installs a loss model. Returning true discards the packet.
func (n *MemNetwork) SetDropFunc(f func(from, to string, data []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Listen opens an endpoint called addr.
func (n *MemNetwork) Listen(addr string) (net.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[addr]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", addr)
	}
	c := &memConn{
		net:    n,
		addr:   MemAddr(addr),
		inbox:  make(chan memPacket, 256),
		closed: make(chan struct{}),
	}
	n.conns[addr] = c
	return c, nil
}

// Listener returns a ListenFunc binding host:port endpoints.
func (n *MemNetwork) Listener(host string) ListenFunc {
	return func(port int) (net.PacketConn, error) {
		return n.Listen(net.JoinHostPort(host, strconv.Itoa(port)))
	}
}

func (n *MemNetwork) deliver(from MemAddr, to string, data []byte) {
	n.mu.Lock()
	dst, ok := n.conns[to]
	drop := n.drop
	n.mu.Unlock()

	if !ok || (drop != nil && drop(string(from), to, data)) {
		return
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	select {
	case dst.inbox <- memPacket{data: payload, from: from}:
	default:
	}
}

func (n *MemNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
}

type MemAddr string

func (a MemAddr) Network() string { return "mem" }
func (a MemAddr) String() string  { return string(a) }

type memPacket struct {
	data []byte
	from MemAddr
}

type memConn struct {
	net       *MemNetwork
	addr      MemAddr
	inbox     chan memPacket
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-c.inbox:
		return copy(p, pkt.data), pkt.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.addr, addr.String(), p)
	return len(p), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.remove(string(c.addr))
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }

func (c *memConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
