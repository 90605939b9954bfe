package session

import (
	"context"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/auth"
	"github.com/DoyleJ11/pong-sync/internal/engine"
	"github.com/DoyleJ11/pong-sync/internal/lobby"
	"github.com/DoyleJ11/pong-sync/internal/protocol"
	"github.com/DoyleJ11/pong-sync/internal/transport"
)

const tick = time.Second / 60

type harness struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	issuer  *auth.Issuer
	sess    *Session
	addr    net.Addr
	signals chan Signal
	players [2]net.PacketConn
	names   [2]string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	n := transport.NewMemNetwork()
	conn, err := n.Listen("session:10000")
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	h := &harness{
		t:       t,
		clock:   clock,
		issuer:  auth.NewIssuer([]byte("test-secret"), time.Hour, clock),
		addr:    conn.LocalAddr(),
		signals: make(chan Signal, 8),
		names:   [2]string{"ana", "bob"},
	}

	opts := Options{
		LobbyID:           "lobby-1",
		Members:           h.names,
		Conn:              conn,
		Issuer:            h.issuer,
		Rules:             engine.DefaultRules(),
		TickInterval:      tick,
		PlayerTimeout:     time.Minute,
		MaxPacketsPerTick: 30,
		BroadcastEvery:    1,
		ReadBuffer:        2048,
		Clock:             clock,
		Rand:              rand.New(rand.NewPCG(1, 2)),
		Logger:            zap.NewNop(),
		Notify:            func(_ context.Context, s Signal) { h.signals <- s },
	}
	if mutate != nil {
		mutate(&opts)
	}

	for i, name := range h.names {
		h.players[i], err = n.Listen(name + "-client")
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.sess = New(ctx, opts)
	t.Cleanup(func() {
		cancel()
		_ = h.sess.Close()
	})
	h.sess.Start()

	_, ok := recvSignal(t, h.signals).(Ready)
	require.True(t, ok, "session must report ready first")
	return h
}

func recvSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for session signal")
		return nil
	}
}

// recvMsg returns the next message of type T, skipping anything else.
func recvMsg[T protocol.Message](t *testing.T, conn net.PacketConn) T {
	t.Helper()
	buf := make([]byte, protocol.MaxDatagramSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err, "waiting for %T", *new(T))
		msg, err := protocol.Decode(buf[:n])
		require.NoError(t, err)
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

func (h *harness) view() View {
	h.t.Helper()
	reply := make(chan View, 1)
	h.sess.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		h.t.Fatalf("timed out waiting for view")
		return View{}
	}
}

// send delivers m from player i and waits until the session has it queued.
func (h *harness) send(i int, msgs ...protocol.Message) {
	h.t.Helper()
	before := h.view().Queued
	for _, m := range msgs {
		require.NoError(h.t, transport.Send(h.players[i], h.addr, m))
	}
	require.Eventually(h.t, func() bool { return h.view().Queued == before+len(msgs) },
		time.Second, time.Millisecond)
}

// step runs exactly one session tick.
func (h *harness) step() View {
	h.t.Helper()
	before := h.view().Ticks
	h.clock.Advance(tick)
	var v View
	require.Eventually(h.t, func() bool {
		v = h.view()
		return v.Ticks > before
	}, time.Second, time.Millisecond)
	return v
}

func (h *harness) token(name string) string {
	h.t.Helper()
	tok, err := h.issuer.Issue(name, 1)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) join(i int) {
	h.t.Helper()
	h.send(i, protocol.Hello{Username: h.names[i], Credential: h.token(h.names[i])})
	h.step()
	w := recvMsg[protocol.Welcome](h.t, h.players[i])
	assert.Equal(h.t, i, w.Side)
}

func (h *harness) joinBoth() {
	h.join(0)
	h.join(1)
	require.Equal(h.t, [2]bool{true, true}, h.view().Joined)
}

func TestSession_JoinRejectsStrangers(t *testing.T) {
	h := newHarness(t, nil)

	h.send(0, protocol.Hello{Username: "ana", Credential: "forged"})
	h.step()
	e := recvMsg[protocol.Error](t, h.players[0])
	assert.Equal(t, protocol.KindAuthRequired, e.Kind)

	h.send(0, protocol.Hello{Username: "bob", Credential: h.token("ana")})
	h.step()
	e = recvMsg[protocol.Error](t, h.players[0])
	assert.Equal(t, protocol.KindAuthRequired, e.Kind, "token must match the username")

	h.send(0, protocol.Hello{Username: "eve", Credential: h.token("eve")})
	h.step()
	e = recvMsg[protocol.Error](t, h.players[0])
	assert.Equal(t, protocol.KindSessionFull, e.Kind)

	assert.Equal(t, [2]bool{false, false}, h.view().Joined)
}

func TestSession_DuplicateHelloIsReanswered(t *testing.T) {
	h := newHarness(t, nil)
	h.join(0)
	h.join(0)
	assert.Equal(t, [2]bool{true, false}, h.view().Joined)
}

func TestSession_AppliesInputsMonotonically(t *testing.T) {
	h := newHarness(t, nil)
	h.joinBoth()

	start := h.view().State.Paddles[0]
	var inputs []protocol.Message
	for _, seq := range []uint64{3, 1, 5, 5, 4} {
		inputs = append(inputs, protocol.Input{Sequence: seq, Direction: protocol.DirDown})
	}
	h.send(0, inputs...)
	v := h.step()

	assert.Equal(t, uint64(5), v.State.Acks[0])
	assert.InDelta(t, start+2*engine.DefaultRules().PaddleStep, v.State.Paddles[0], 1e-9,
		"only sequences 3 and 5 move the paddle")

	st := recvMsg[protocol.State](t, h.players[1])
	for st.Acks[0] != 5 {
		st = recvMsg[protocol.State](t, h.players[1])
	}
	assert.Equal(t, v.State.Paddles[0], st.Paddles[0])
}

func TestSession_CapsPacketsPerTick(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxPacketsPerTick = 3 })
	h.joinBoth()

	var inputs []protocol.Message
	for seq := uint64(1); seq <= 10; seq++ {
		inputs = append(inputs, protocol.Input{Sequence: seq, Direction: protocol.DirUp})
	}
	h.send(0, inputs...)

	v := h.step()
	assert.Equal(t, uint64(3), v.State.Acks[0])
	assert.Equal(t, 7, v.Queued)

	v = h.step()
	assert.Equal(t, uint64(6), v.State.Acks[0])
	assert.Equal(t, 4, v.Queued)
}

func TestSession_TimeoutWithinOneTick(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PlayerTimeout = 3 * tick })
	h.joinBoth()

	// ana keeps pulsing; bob went silent right after joining.
	for i := 1; i <= 3; i++ {
		h.send(0, protocol.Pulse{Timestamp: int64(i)})
		v := h.step()
		require.False(t, v.Ended, "ended early after %d ticks", i)
	}
	h.send(0, protocol.Pulse{Timestamp: 4})
	v := h.step()
	require.True(t, v.Ended)

	ended, ok := recvSignal(t, h.signals).(Ended)
	require.True(t, ok)
	assert.Equal(t, lobby.Outcome{Winner: "ana", Loser: "bob", Reason: lobby.ReasonTimeout}, ended.Outcome)

	st := recvMsg[protocol.State](t, h.players[0])
	for st.Phase != protocol.PhaseGameOver {
		st = recvMsg[protocol.State](t, h.players[0])
	}
	e := recvMsg[protocol.Error](t, h.players[0])
	assert.Equal(t, protocol.KindOpponentDisconnected, e.Kind)
}

func TestSession_NobodyJoins(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PlayerTimeout = 2 * tick })

	h.step()
	h.step()
	v := h.step()
	require.True(t, v.Ended)

	ended := recvSignal(t, h.signals).(Ended)
	assert.False(t, ended.Outcome.Decided())
	assert.Equal(t, lobby.ReasonTimeout, ended.Outcome.Reason)
}

func TestSession_ScoreLimitEndsMatch(t *testing.T) {
	rules := engine.Rules{
		Width: 100, Height: 100,
		PaddleWidth: 10, PaddleHeight: 10,
		PaddleStep: 5,
		BallSize:   2,
		// 20px per tick at 60Hz
		BallSpeed: 1200, MaxBallSpeed: 1200,
		ScoreLimit: 1,
		TickRate:   60,
	}
	h := newHarness(t, func(o *Options) { o.Rules = rules })
	h.joinBoth()

	var ended Ended
	for i := 0; i < 10; i++ {
		if h.step().Ended {
			ended = recvSignal(t, h.signals).(Ended)
			break
		}
	}
	require.Equal(t, lobby.ReasonScoreLimit, ended.Outcome.Reason)
	assert.Equal(t, "ana", ended.Outcome.Winner)
	assert.Equal(t, "bob", ended.Outcome.Loser)
	assert.Equal(t, [2]int{1, 0}, ended.Outcome.Scores)

	for i := range h.players {
		st := recvMsg[protocol.State](t, h.players[i])
		for st.Phase != protocol.PhaseGameOver {
			st = recvMsg[protocol.State](t, h.players[i])
		}
		assert.Equal(t, [2]int{1, 0}, st.Scores)
	}

	// No further play once the limit is reached.
	h.clock.Advance(10 * tick)
	v := h.view()
	assert.Equal(t, [2]int{1, 0}, v.State.Scores)
	assert.Equal(t, engine.PhaseGameOver, v.State.Phase)

	// Late packets from members still get the final state.
	require.NoError(t, transport.Send(h.players[1], h.addr, protocol.Pulse{Timestamp: 9}))
	p := recvMsg[protocol.Pulse](t, h.players[1])
	assert.Equal(t, int64(9), p.Timestamp)
	st := recvMsg[protocol.State](t, h.players[1])
	assert.Equal(t, protocol.PhaseGameOver, st.Phase)
}

func TestSession_ShutdownNotifiesPlayers(t *testing.T) {
	h := newHarness(t, nil)
	h.joinBoth()

	require.NoError(t, h.sess.Close())

	for i := range h.players {
		e := recvMsg[protocol.Error](t, h.players[i])
		assert.Equal(t, protocol.KindServerShutdown, e.Kind)
	}
	select {
	case sig := <-h.signals:
		t.Fatalf("closed session reported %T", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_VersionMismatchIsAnswered(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.players[0].WriteTo([]byte(`{"v":99,"t":"pulse","p":{"ts":1}}`), h.addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.view().Queued == 1 }, time.Second, time.Millisecond)
	h.step()

	e := recvMsg[protocol.Error](t, h.players[0])
	assert.Equal(t, protocol.KindVersionMismatch, e.Kind)
}
