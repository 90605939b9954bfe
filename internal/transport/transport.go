// Package transport moves datagrams between sockets and the single-threaded
// loops of the hub, sessions and clients.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/DoyleJ11/pong-sync/internal/protocol"
)

// Datagram is one received payload and its sender.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// ListenFunc opens the socket a lobby session is bound to.
type ListenFunc func(port int) (net.PacketConn, error)

// UDPListener binds sessions on host.
func UDPListener(host string) ListenFunc {
	return func(port int) (net.PacketConn, error) {
		return net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
}

// Pump reads conn until it is closed or ctx ends, pushing copies of each
// payload into out. When out is full the datagram is dropped and onDrop, if
// set, is called; a slow loop never blocks the socket.
func Pump(ctx context.Context, conn net.PacketConn, out chan<- Datagram, bufSize int, onDrop func()) error {
	buf := make([]byte, bufSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read datagram: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case out <- Datagram{Data: data, Addr: addr}:
		case <-ctx.Done():
			return nil
		default:
			if onDrop != nil {
				onDrop()
			}
		}
	}
}

// Send encodes m and writes it to addr.
func Send(conn net.PacketConn, addr net.Addr, m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(raw, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.Type(), addr, err)
	}
	return nil
}

// SameAddr compares addresses by their string form, which is what UDP peers
// are keyed by.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
