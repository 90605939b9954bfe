// Package session runs one authoritative pong match on its own socket.
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/auth"
	"github.com/DoyleJ11/pong-sync/internal/engine"
	"github.com/DoyleJ11/pong-sync/internal/lobby"
	"github.com/DoyleJ11/pong-sync/internal/protocol"
	"github.com/DoyleJ11/pong-sync/internal/transport"
)

type Msg interface{ isSessionMsg() }

type GetView struct {
	Reply chan View
}

func (GetView) isSessionMsg() {}

// Signal is what a session reports back to the lobby manager.
type Signal interface{ isSignal() }

type Ready struct {
	LobbyID string
}

type Ended struct {
	LobbyID string
	Outcome lobby.Outcome
}

func (Ready) isSignal() {}
func (Ended) isSignal() {}

type View struct {
	LobbyID string
	Ticks   uint64
	Joined  [2]bool
	State   engine.State
	Queued  int
	Dropped int64
	Ended   bool
	Outcome lobby.Outcome
}

type Options struct {
	LobbyID string
	// Members are the expected usernames; index is the side.
	Members           [2]string
	Conn              net.PacketConn
	Issuer            *auth.Issuer
	Rules             engine.Rules
	TickInterval      time.Duration
	PlayerTimeout     time.Duration
	MaxPacketsPerTick int
	BroadcastEvery    int
	ReadBuffer        int
	Clock             clockwork.Clock
	Rand              engine.Rand
	Logger            *zap.Logger
	// Notify runs on the session goroutine and must return once ctx ends.
	Notify            func(ctx context.Context, sig Signal)
}

type Session struct {
	opts    Options
	log     *zap.Logger
	inbox   chan Msg
	packets chan transport.Datagram
	dropped atomic.Int64
	running atomic.Bool

	state    engine.State
	started  bool
	addrs    [2]net.Addr
	lastSeen [2]time.Time
	ticks    uint64
	ended    bool
	outcome  lobby.Outcome

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func New(parent context.Context, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPacketsPerTick <= 0 {
		opts.MaxPacketsPerTick = 30
	}
	if opts.BroadcastEvery <= 0 {
		opts.BroadcastEvery = 1
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 4096
	}

	ctx, cancel := context.WithCancel(parent)
	return &Session{
		opts:    opts,
		log:     opts.Logger.With(zap.String("lobby_id", opts.LobbyID)),
		inbox:   make(chan Msg, 16),
		packets: make(chan transport.Datagram, max(4*opts.MaxPacketsPerTick, 64)),
		state:   engine.NewState(opts.Rules),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the socket pump and the tick loop.
func (s *Session) Start() {
	s.running.Store(true)
	go func() {
		err := transport.Pump(s.ctx, s.opts.Conn, s.packets, s.opts.ReadBuffer, func() { s.dropped.Add(1) })
		if err != nil {
			s.log.Warn("session socket failed", zap.Error(err))
		}
	}()
	go s.loop()
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session, waits for its loop to exit and releases the
// socket. An unfinished match ends with a shutdown outcome that is sent to
// the players but not reported back through Notify. Safe to call more than
// once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.running.Load() {
			<-s.done
		}
		s.closeErr = s.opts.Conn.Close()
	})
	return s.closeErr
}

func (s *Session) loop() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
			if !s.ended {
				s.finish(lobby.Outcome{Scores: s.state.Scores, Reason: lobby.ReasonShutdown})
			}
		}
	}()

	ticker := s.opts.Clock.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	now := s.opts.Clock.Now()
	s.lastSeen = [2]time.Time{now, now}
	s.notify(Ready{LobbyID: s.opts.LobbyID})

	for !s.ended {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			s.handleMsg(m)

		case <-ticker.Chan():
			s.tick(s.opts.Clock.Now())
		}
	}

	s.linger()
}

// linger keeps answering members with the final state until the manager
// reaps the lobby.
func (s *Session) linger() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case m := <-s.inbox:
			s.handleMsg(m)

		case d := <-s.packets:
			side := s.sideOf(d.Addr)
			if side < 0 {
				continue
			}
			msg, err := protocol.Decode(d.Data)
			if err != nil {
				continue
			}
			if p, ok := msg.(protocol.Pulse); ok {
				s.send(d.Addr, p)
			}
			s.send(d.Addr, stateMessage(s.state))
		}
	}
}

func (s *Session) handleMsg(m Msg) {
	switch msg := m.(type) {
	case GetView:
		msg.Reply <- View{
			LobbyID: s.opts.LobbyID,
			Ticks:   s.ticks,
			Joined:  [2]bool{s.addrs[0] != nil, s.addrs[1] != nil},
			State:   s.state,
			Queued:  len(s.packets),
			Dropped: s.dropped.Load(),
			Ended:   s.ended,
			Outcome: s.outcome,
		}
	}
}

func (s *Session) tick(now time.Time) {
	s.ticks++
	s.drain(now)

	if s.started {
		prev := s.state.Phase
		var events []engine.Event
		events, s.state = engine.Step(s.state, s.opts.Rules, s.opts.Rand)
		for _, e := range events {
			if e.Type == engine.EvtPointScored {
				s.log.Debug("point scored", zap.Int("side", int(e.Side)), zap.Ints("scores", s.state.Scores[:]))
			}
		}

		if s.state.Phase != prev || s.ticks%uint64(s.opts.BroadcastEvery) == 0 {
			s.broadcast(stateMessage(s.state))
		}
		if s.state.Phase == engine.PhaseGameOver {
			s.finish(s.scoreOutcome())
			return
		}
	}

	s.checkTimeouts(now)
}

func (s *Session) drain(now time.Time) {
	for i := 0; i < s.opts.MaxPacketsPerTick; i++ {
		select {
		case d := <-s.packets:
			s.handleDatagram(d, now)
		default:
			return
		}
	}
}

func (s *Session) handleDatagram(d transport.Datagram, now time.Time) {
	msg, err := protocol.Decode(d.Data)
	if errors.Is(err, protocol.ErrVersionMismatch) {
		s.send(d.Addr, protocol.Error{Kind: protocol.KindVersionMismatch, Message: err.Error()})
		return
	}
	if err != nil {
		s.log.Debug("dropping datagram", zap.Stringer("from", d.Addr), zap.Error(err))
		return
	}

	if hello, ok := msg.(protocol.Hello); ok {
		s.handleHello(d.Addr, hello, now)
		return
	}

	side := s.sideOf(d.Addr)
	if side < 0 {
		s.log.Debug("ignoring unjoined peer", zap.Stringer("from", d.Addr), zap.String("type", string(msg.Type())))
		return
	}
	s.lastSeen[side] = now

	switch m := msg.(type) {
	case protocol.Pulse:
		s.send(d.Addr, m)

	case protocol.Input:
		if !s.started {
			return
		}
		cmd := engine.Command{
			Type:      engine.CmdMovePaddle,
			Side:      engine.Side(side),
			Sequence:  m.Sequence,
			Direction: int(m.Direction),
		}
		_, next, err := engine.Apply(s.state, s.opts.Rules, cmd)
		if err != nil {
			// out-of-order or duplicate
			return
		}
		s.state = next
	}
}

func (s *Session) handleHello(addr net.Addr, m protocol.Hello, now time.Time) {
	claims, err := s.opts.Issuer.Verify(m.Credential)
	name, nerr := auth.NormalizeUsername(m.Username)
	if err != nil || nerr != nil || claims.Username() != name {
		s.send(addr, protocol.Error{Kind: protocol.KindAuthRequired, Message: "invalid session token"})
		return
	}

	side := -1
	for i, member := range s.opts.Members {
		if member == name {
			side = i
		}
	}
	if side < 0 {
		s.send(addr, protocol.Error{Kind: protocol.KindSessionFull})
		return
	}

	if s.addrs[side] == nil || !transport.SameAddr(s.addrs[side], addr) {
		s.log.Info("player joined", zap.String("username", name), zap.Int("side", side), zap.Stringer("addr", addr))
		s.addrs[side] = addr
	}
	s.lastSeen[side] = now
	s.send(addr, protocol.Welcome{Token: m.Credential, Side: side})

	if !s.started && s.addrs[0] != nil && s.addrs[1] != nil {
		s.started = true
		s.state = engine.NewState(s.opts.Rules)
		s.broadcast(stateMessage(s.state))
	}
}

func (s *Session) checkTimeouts(now time.Time) {
	var gone []int
	for side, seen := range s.lastSeen {
		if now.Sub(seen) > s.opts.PlayerTimeout {
			gone = append(gone, side)
		}
	}
	if len(gone) == 0 {
		return
	}

	s.state.Phase = engine.PhaseGameOver
	if len(gone) == 2 {
		s.log.Info("both players timed out")
		s.finish(lobby.Outcome{Scores: s.state.Scores, Reason: lobby.ReasonTimeout})
		return
	}

	lost := gone[0]
	won := 1 - lost
	s.log.Info("player timed out", zap.String("username", s.opts.Members[lost]))
	if addr := s.addrs[won]; addr != nil {
		s.send(addr, stateMessage(s.state))
		s.send(addr, protocol.Error{Kind: protocol.KindOpponentDisconnected})
	}
	s.finish(lobby.Outcome{
		Winner: s.opts.Members[won],
		Loser:  s.opts.Members[lost],
		Scores: s.state.Scores,
		Reason: lobby.ReasonTimeout,
	})
}

func (s *Session) shutdown() {
	s.state.Phase = engine.PhaseGameOver
	s.broadcast(protocol.Error{Kind: protocol.KindServerShutdown})
	s.finish(lobby.Outcome{Scores: s.state.Scores, Reason: lobby.ReasonShutdown})
}

func (s *Session) scoreOutcome() lobby.Outcome {
	won := engine.SideLeft
	if s.state.Scores[engine.SideRight] > s.state.Scores[engine.SideLeft] {
		won = engine.SideRight
	}
	return lobby.Outcome{
		Winner: s.opts.Members[won],
		Loser:  s.opts.Members[won.Opponent()],
		Scores: s.state.Scores,
		Reason: lobby.ReasonScoreLimit,
	}
}

func (s *Session) finish(o lobby.Outcome) {
	s.ended = true
	s.outcome = o
	s.log.Info("match ended",
		zap.String("reason", string(o.Reason)),
		zap.String("winner", o.Winner),
		zap.Ints("scores", o.Scores[:]),
	)
	s.notify(Ended{LobbyID: s.opts.LobbyID, Outcome: o})
}

func (s *Session) notify(sig Signal) {
	// a closed session's owner is already tearing it down
	if s.ctx.Err() != nil {
		return
	}
	if s.opts.Notify != nil {
		s.opts.Notify(s.ctx, sig)
	}
}

func (s *Session) sideOf(addr net.Addr) int {
	for i, a := range s.addrs {
		if a != nil && transport.SameAddr(a, addr) {
			return i
		}
	}
	return -1
}

func (s *Session) broadcast(m protocol.Message) {
	for _, addr := range s.addrs {
		if addr != nil {
			s.send(addr, m)
		}
	}
}

func (s *Session) send(addr net.Addr, m protocol.Message) {
	if err := transport.Send(s.opts.Conn, addr, m); err != nil {
		s.log.Debug("send failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

func stateMessage(st engine.State) protocol.State {
	return protocol.State{
		Tick:     st.Tick,
		Ball:     protocol.Vec{X: st.Ball.X, Y: st.Ball.Y},
		Velocity: protocol.Vec{X: st.BallVel.X, Y: st.BallVel.Y},
		Paddles:  st.Paddles,
		Scores:   st.Scores,
		Phase:    protocol.Phase(st.Phase),
		Acks:     st.Acks,
	}
}
