package lobby

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/pong-sync/internal/transport"
)

func members() [2]Member {
	return [2]Member{{Username: "ana", UserID: 1}, {Username: "bob", UserID: 2}}
}

func TestLobby_Lifecycle(t *testing.T) {
	t0 := time.Unix(1000, 0)
	l := New(10000, members(), t0)
	assert.Equal(t, StateWaiting, l.State)
	assert.NotEmpty(t, l.ID)

	require.NoError(t, l.Activate(t0.Add(time.Second)))
	assert.ErrorIs(t, l.Activate(t0), ErrInvalidTransition)

	out := Outcome{Winner: "ana", Loser: "bob", Scores: [2]int{10, 3}, Reason: ReasonScoreLimit}
	require.NoError(t, l.Complete(out, t0.Add(time.Minute)))
	assert.ErrorIs(t, l.Complete(out, t0), ErrInvalidTransition)

	v := l.View()
	assert.Equal(t, StateCompleted, v.State)
	require.NotNil(t, v.Outcome)
	assert.True(t, v.Outcome.Decided())
	require.NotNil(t, v.CompletedAt)

	// views are copies
	v.Outcome.Winner = "mallory"
	assert.Equal(t, "ana", l.Outcome.Winner)
}

func TestLobby_Expired(t *testing.T) {
	t0 := time.Unix(1000, 0)
	start, cleanup := 5*time.Second, 60*time.Second

	tests := []struct {
		name string
		prep func(l *Lobby)
		at   time.Duration
		want bool
	}{
		{"waiting within start timeout", func(*Lobby) {}, 5 * time.Second, false},
		{"waiting past start timeout", func(*Lobby) {}, 6 * time.Second, true},
		{"active never expires", func(l *Lobby) { _ = l.Activate(t0) }, time.Hour, false},
		{"completed within grace", func(l *Lobby) { _ = l.Complete(Outcome{}, t0.Add(time.Hour)) }, time.Hour + 30*time.Second, false},
		{"completed past grace", func(l *Lobby) { _ = l.Complete(Outcome{}, t0.Add(time.Hour)) }, time.Hour + 61*time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(10000, members(), t0)
			tt.prep(l)
			assert.Equal(t, tt.want, l.Expired(t0.Add(tt.at), start, cleanup))
		})
	}
}

func TestPortPool_UniqueWhileHeld(t *testing.T) {
	n := transport.NewMemNetwork()
	pool := NewPortPool(10000, 10002)
	listen := n.Listener("host")

	seen := map[int]bool{}
	var conns []net.PacketConn
	for i := 0; i < 3; i++ {
		port, conn, err := pool.Acquire(listen)
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
		conns = append(conns, conn)
	}

	_, _, err := pool.Acquire(listen)
	assert.ErrorIs(t, err, ErrPortExhausted)

	require.NoError(t, conns[1].Close())
	pool.Release(10001)
	port, _, err := pool.Acquire(listen)
	require.NoError(t, err)
	assert.Equal(t, 10001, port)
	assert.Equal(t, 3, pool.Held())
}

func TestPortPool_SkipsPortsInUse(t *testing.T) {
	n := transport.NewMemNetwork()
	_, err := n.Listen("host:10000")
	require.NoError(t, err)

	pool := NewPortPool(10000, 10001)
	port, _, err := pool.Acquire(n.Listener("host"))
	require.NoError(t, err)
	assert.Equal(t, 10001, port)

	_, _, err = pool.Acquire(n.Listener("host"))
	assert.ErrorIs(t, err, ErrPortExhausted)
}
