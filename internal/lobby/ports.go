package lobby

import (
	"errors"
	"net"

	"github.com/DoyleJ11/pong-sync/internal/transport"
)

var ErrPortExhausted = errors.New("no session port available")

// PortPool hands out ports from [min, max]. A port is never handed out twice
// while held, so live lobbies always have distinct ports.
type PortPool struct {
	min, max int
	next     int
	held     map[int]struct{}
}

func NewPortPool(min, max int) *PortPool {
	return &PortPool{min: min, max: max, next: min, held: make(map[int]struct{})}
}

// Acquire binds the first free port that listen accepts, scanning
// round-robin from the last handed-out port. Ports the OS refuses are
// skipped.
func (p *PortPool) Acquire(listen transport.ListenFunc) (int, net.PacketConn, error) {
	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.min + (p.next-p.min+i)%size
		if _, taken := p.held[port]; taken {
			continue
		}
		conn, err := listen(port)
		if err != nil {
			continue
		}
		p.held[port] = struct{}{}
		p.next = port + 1
		if p.next > p.max {
			p.next = p.min
		}
		return port, conn, nil
	}
	return 0, nil, ErrPortExhausted
}

func (p *PortPool) Release(port int) {
	delete(p.held, port)
}

func (p *PortPool) Held() int { return len(p.held) }
