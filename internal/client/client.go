// Package client keeps a player's view of a match in step with the server:
// it predicts its own paddle, reconciles against authoritative states and
// finds its way back to the lobby manager when the server goes quiet.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/config"
	"github.com/DoyleJ11/pong-sync/internal/engine"
	"github.com/DoyleJ11/pong-sync/internal/protocol"
	"github.com/DoyleJ11/pong-sync/internal/transport"
)

var ErrAuthRejected = errors.New("credentials rejected by lobby manager")
var ErrVersionMismatch = errors.New("server speaks a different protocol version")

// maxAuthRejections is how many auth_required answers in a row the client
// takes before giving up on its credentials. Store outages
// (lobby_unavailable) never count.
const maxAuthRejections = 3

// resendWindow is how many of the newest unacknowledged inputs go out with
// every frame.
const resendWindow = 4

type ConnState string

const (
	StateAuthenticating ConnState = "authenticating"
	StateQueued         ConnState = "queued"
	StateJoining        ConnState = "joining"
	StatePlaying        ConnState = "playing"
	StateFinished       ConnState = "finished"
	StateReconnecting   ConnState = "reconnecting"
)

// Frame is everything a renderer needs for one frame.
type Frame struct {
	Conn     ConnState
	Side     int
	State    protocol.State
	Paddle   float64
	Liveness Liveness
	RTT      time.Duration
	Notice   protocol.ErrorKind
}

type Renderer interface {
	Render(Frame)
}

// InputSource is polled once per frame and must not block.
type InputSource interface {
	Poll() protocol.Direction
}

// ResolveFunc builds the address of a session from the manager's host and
// the redirect.
type ResolveFunc func(host string, port int) (net.Addr, error)

func ResolveUDP(host string, port int) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}

type Options struct {
	Manager  net.Addr
	Username string
	Password string
	Config   config.Client
	Rules    engine.Rules
	Conn     net.PacketConn
	Resolve  ResolveFunc
	Clock    clockwork.Clock
	Renderer Renderer
	Input    InputSource
	Logger   *zap.Logger
}

type Client struct {
	opts    Options
	log     *zap.Logger
	packets chan transport.Datagram

	conn       ConnState
	rejections int
	token      string
	session   net.Addr
	side      int
	predictor *Predictor
	last      protocol.State
	lastTick  uint64
	haveState bool
	monitor   *Monitor
	rtt       time.Duration
	notice    protocol.ErrorKind
	lastHello time.Time
	lastPulse time.Time
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Resolve == nil {
		opts.Resolve = ResolveUDP
	}
	return &Client{
		opts:    opts,
		log:     opts.Logger.With(zap.String("username", opts.Username)),
		packets: make(chan transport.Datagram, 256),
		conn:    StateAuthenticating,
		side:    -1,
	}
}

// Run drives the client until the match is over, ctx ends, or the manager
// keeps refusing the credentials.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := transport.Pump(ctx, c.opts.Conn, c.packets, protocol.MaxDatagramSize*2, nil); err != nil {
			c.log.Warn("client socket failed", zap.Error(err))
		}
	}()

	c.monitor = NewMonitor(c.opts.Config.ServerWarning, c.opts.Config.ServerTimeout, c.opts.Clock.Now())
	frames := c.opts.Clock.NewTicker(time.Second / time.Duration(c.opts.Config.TargetFPS))
	defer frames.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-frames.Chan():
			done, err := c.frame(c.opts.Clock.Now())
			if err != nil || done {
				return err
			}
		}
	}
}

func (c *Client) frame(now time.Time) (bool, error) {
	if err := c.drain(now); err != nil {
		return true, err
	}

	switch c.conn {
	case StateAuthenticating:
		c.helloManager(now, c.opts.Config.HelloRetryInterval)
	case StateReconnecting:
		c.helloManager(now, c.opts.Config.AuthRetryInterval)
	case StateJoining:
		if now.Sub(c.lastHello) >= c.opts.Config.HelloRetryInterval {
			c.lastHello = now
			c.send(c.session, protocol.Hello{Username: c.opts.Username, Credential: c.token})
		}
	case StatePlaying:
		if c.predictor != nil {
			if c.opts.Input != nil {
				if dir := c.opts.Input.Poll(); dir != protocol.DirNone {
					c.predictor.Press(dir)
				}
			}
			// inputs ride along every frame until a state acknowledges them
			for _, in := range c.predictor.Unacked(resendWindow) {
				c.send(c.session, in)
			}
		}
	}

	if peer := c.peer(); peer != nil && now.Sub(c.lastPulse) >= c.opts.Config.HeartbeatInterval {
		c.lastPulse = now
		c.send(peer, protocol.Pulse{Timestamp: now.UnixNano()})
	}

	live := c.monitor.Status(now)
	if live == Unresponsive && (c.conn == StateQueued || c.conn == StatePlaying || c.conn == StateJoining) {
		c.log.Warn("server unresponsive, re-authenticating", zap.String("state", string(c.conn)))
		c.reconnect(now)
		live = Alive
	}

	c.render(live)
	return c.conn == StateFinished, nil
}

func (c *Client) drain(now time.Time) error {
	for {
		select {
		case d := <-c.packets:
			if err := c.handle(d, now); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) helloManager(now time.Time, every time.Duration) {
	if !c.lastHello.IsZero() && now.Sub(c.lastHello) < every {
		return
	}
	c.lastHello = now
	c.send(c.opts.Manager, protocol.Hello{Username: c.opts.Username, Credential: c.opts.Password})
}

// peer is who heartbeats go to in the current state.
func (c *Client) peer() net.Addr {
	switch c.conn {
	case StateQueued:
		return c.opts.Manager
	case StateJoining, StatePlaying:
		return c.session
	}
	return nil
}

func (c *Client) handle(d transport.Datagram, now time.Time) error {
	fromManager := transport.SameAddr(d.Addr, c.opts.Manager)
	fromSession := c.session != nil && transport.SameAddr(d.Addr, c.session)
	if !fromManager && !fromSession {
		return nil
	}

	msg, err := protocol.Decode(d.Data)
	if errors.Is(err, protocol.ErrVersionMismatch) {
		c.log.Warn("dropping datagram from a different protocol version", zap.Stringer("from", d.Addr))
		return nil
	}
	if err != nil {
		c.log.Debug("dropping datagram", zap.Error(err))
		return nil
	}
	c.monitor.Seen(now)

	switch m := msg.(type) {
	case protocol.Welcome:
		if fromManager {
			c.token = m.Token
			c.rejections = 0
			if c.conn == StateAuthenticating || c.conn == StateReconnecting {
				c.conn = StateQueued
				c.log.Info("authenticated, waiting for an opponent")
			}
			return nil
		}
		if c.conn == StateJoining {
			c.conn = StatePlaying
			c.side = m.Side
			c.predictor = NewPredictor(c.opts.Rules, m.Side)
			c.log.Info("joined session", zap.Int("side", m.Side))
		}

	case protocol.Redirect:
		if !fromManager || c.conn == StatePlaying {
			return nil
		}
		host, _, err := net.SplitHostPort(c.opts.Manager.String())
		if err != nil {
			return fmt.Errorf("manager address: %w", err)
		}
		if m.Address != "" {
			host = m.Address
		}
		addr, err := c.opts.Resolve(host, m.Port)
		if err != nil {
			return fmt.Errorf("resolve session: %w", err)
		}
		c.session = addr
		c.conn = StateJoining
		c.lastHello = time.Time{}
		c.lastTick, c.haveState = 0, false
		c.log.Info("redirected to session", zap.Stringer("addr", addr))

	case protocol.State:
		if !fromSession || (c.haveState && m.Tick <= c.lastTick) {
			return nil
		}
		c.last, c.lastTick, c.haveState = m, m.Tick, true
		if c.predictor != nil {
			c.predictor.Apply(m)
		}
		if m.Phase == protocol.PhaseGameOver {
			c.conn = StateFinished
			c.log.Info("match over", zap.Ints("scores", m.Scores[:]))
		}

	case protocol.Pulse:
		if m.Timestamp > 0 {
			c.rtt = now.Sub(time.Unix(0, m.Timestamp))
		}

	case protocol.Error:
		c.notice = m.Kind
		switch m.Kind {
		case protocol.KindAuthRequired, protocol.KindLobbyUnavailable:
			if fromSession {
				// stale token; get a fresh one
				c.reconnect(now)
				return nil
			}
			if c.conn != StateAuthenticating && c.conn != StateReconnecting {
				return nil
			}
			if m.Kind == protocol.KindAuthRequired {
				c.rejections++
				if c.rejections >= maxAuthRejections {
					return ErrAuthRejected
				}
			}
			c.log.Warn("lobby manager refused hello, retrying",
				zap.String("kind", string(m.Kind)),
				zap.Duration("retry_in", c.opts.Config.AuthRetryInterval))
			c.conn = StateReconnecting
		case protocol.KindVersionMismatch:
			if fromManager {
				return ErrVersionMismatch
			}
		case protocol.KindOpponentDisconnected:
			c.conn = StateFinished
		case protocol.KindServerShutdown:
			c.reconnect(now)
		}
	}
	return nil
}

func (c *Client) reconnect(now time.Time) {
	c.conn = StateReconnecting
	c.session = nil
	c.predictor = nil
	c.side = -1
	c.lastHello = time.Time{}
	c.monitor.Seen(now)
}

func (c *Client) render(live Liveness) {
	if c.opts.Renderer == nil {
		return
	}
	f := Frame{
		Conn:     c.conn,
		Side:     c.side,
		State:    c.last,
		Liveness: live,
		RTT:      c.rtt,
		Notice:   c.notice,
	}
	if c.predictor != nil {
		f.Paddle = c.predictor.Paddle()
	}
	c.opts.Renderer.Render(f)
}

func (c *Client) send(addr net.Addr, m protocol.Message) {
	if addr == nil {
		return
	}
	if err := transport.Send(c.opts.Conn, addr, m); err != nil {
		c.log.Debug("send failed", zap.Error(err))
	}
}
