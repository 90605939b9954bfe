package client

import (
	"github.com/DoyleJ11/pong-sync/internal/engine"
	"github.com/DoyleJ11/pong-sync/internal/protocol"
)

// maxPending bounds the replay buffer when the server stops acknowledging.
const maxPending = 512

// Predictor owns the local player's paddle between authoritative states.
type Predictor struct {
	rules   engine.Rules
	side    int
	paddle  float64
	seq     uint64
	pending []protocol.Input
}

func NewPredictor(rules engine.Rules, side int) *Predictor {
	return &Predictor{
		rules:  rules,
		side:   side,
		paddle: (rules.Height - rules.PaddleHeight) / 2,
	}
}

// Press moves the predicted paddle at once and returns the input to send.
func (p *Predictor) Press(dir protocol.Direction) protocol.Input {
	p.seq++
	in := protocol.Input{Sequence: p.seq, Direction: dir}
	p.paddle = engine.MovePaddle(p.paddle, int(dir), p.rules)

	p.pending = append(p.pending, in)
	if len(p.pending) > maxPending {
		p.pending = p.pending[len(p.pending)-maxPending:]
	}
	return in
}

// Apply corrects the prediction against an authoritative state.
func (p *Predictor) Apply(st protocol.State) {
	p.paddle, p.pending = Reconcile(st.Paddles[p.side], st.Acks[p.side], p.pending, p.rules)
}

func (p *Predictor) Paddle() float64 { return p.paddle }

func (p *Predictor) Side() int { return p.side }

func (p *Predictor) Pending() int { return len(p.pending) }

// Unacked returns up to n of the newest inputs the server has not applied.
func (p *Predictor) Unacked(n int) []protocol.Input {
	if len(p.pending) > n {
		return p.pending[len(p.pending)-n:]
	}
	return p.pending
}

// Reconcile drops inputs the server has applied (seq <= ack) and replays
// the rest on top of the authoritative paddle position. The result replaces
// the prediction outright.
func Reconcile(authoritative float64, ack uint64, pending []protocol.Input, r engine.Rules) (float64, []protocol.Input) {
	i := 0
	for i < len(pending) && pending[i].Sequence <= ack {
		i++
	}
	rest := pending[i:]

	y := authoritative
	for _, in := range rest {
		y = engine.MovePaddle(y, int(in.Direction), r)
	}
	return y, rest
}
