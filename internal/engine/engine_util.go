package engine

import "math"

// Rules holds the field geometry and match limits. All speeds are in
// pixels per second; TickRate fixes the timestep.
type Rules struct {
	Width        float64
	Height       float64
	PaddleWidth  float64
	PaddleHeight float64
	PaddleMargin float64
	PaddleStep   float64
	BallSize     float64
	BallSpeed    float64
	MaxBallSpeed float64
	// AngleJitter scales the random vertical kick on paddle hits, as a
	// fraction of BallSpeed spread over [-AngleJitter/2, AngleJitter/2].
	AngleJitter float64
	// SpeedJitter is the largest random horizontal speed-up on paddle hits.
	SpeedJitter     float64
	ScoreLimit      int
	TickRate        int
	CountdownTicks  int
	ServeDelayTicks int
}

func DefaultRules() Rules {
	return Rules{
		Width:           640,
		Height:          480,
		PaddleWidth:     10,
		PaddleHeight:    60,
		PaddleMargin:    0,
		PaddleStep:      5,
		BallSize:        10,
		BallSpeed:       300,
		MaxBallSpeed:    600,
		AngleJitter:     0.2,
		SpeedJitter:     0.05,
		ScoreLimit:      10,
		TickRate:        60,
		CountdownTicks:  120,
		ServeDelayTicks: 60,
	}
}

func (r Rules) Dt() float64 {
	if r.TickRate <= 0 {
		return 0
	}
	return 1 / float64(r.TickRate)
}

func NewState(r Rules) State {
	s := State{
		Phase: PhaseCountdown,
		Hold:  r.CountdownTicks,
		Ball:  r.center(),
		BallVel: Vec{
			X: r.BallSpeed,
			Y: r.BallSpeed * 0.3,
		},
	}
	s.Paddles[SideLeft] = (r.Height - r.PaddleHeight) / 2
	s.Paddles[SideRight] = (r.Height - r.PaddleHeight) / 2
	return s
}

// MovePaddle moves a paddle one step in dir and keeps it on the field. The
// client uses it for prediction so both ends clamp identically.
func MovePaddle(y float64, dir int, r Rules) float64 {
	y += float64(dir) * r.PaddleStep
	return math.Max(0, math.Min(r.Height-r.PaddleHeight, y))
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func (r Rules) center() Vec {
	return Vec{X: (r.Width - r.BallSize) / 2, Y: (r.Height - r.BallSize) / 2}
}

func (r Rules) paddleX(side Side) float64 {
	if side == SideLeft {
		return r.PaddleMargin
	}
	return r.Width - r.PaddleMargin - r.PaddleWidth
}

// hitsPaddle is a discrete overlap test between the ball and a paddle at
// the current tick.
func hitsPaddle(s State, r Rules, side Side) bool {
	px := r.paddleX(side)
	py := s.Paddles[side]
	return s.Ball.X < px+r.PaddleWidth &&
		s.Ball.X+r.BallSize > px &&
		s.Ball.Y < py+r.PaddleHeight &&
		s.Ball.Y+r.BallSize > py
}

// rebound perturbs the outgoing velocity after a paddle hit and clamps the
// result to MaxBallSpeed. The horizontal sign is preserved.
func rebound(v Vec, r Rules, rng Rand) Vec {
	if rng != nil {
		v.Y += r.BallSpeed * r.AngleJitter * (rng.Float64() - 0.5)
		v.X *= 1 + r.SpeedJitter*rng.Float64()
	}
	if r.MaxBallSpeed > 0 {
		if speed := math.Hypot(v.X, v.Y); speed > r.MaxBallSpeed {
			scale := r.MaxBallSpeed / speed
			v.X *= scale
			v.Y *= scale
		}
	}
	return v
}

// serve centers the ball moving toward the scorer. The vertical direction
// alternates with the number of points played so serves stay deterministic.
func serve(s *State, r Rules, toward Side) {
	s.Ball = r.center()
	dx := 1.0
	if toward == SideLeft {
		dx = -1
	}
	dy := 0.3
	if (s.Scores[SideLeft]+s.Scores[SideRight])%2 == 1 {
		dy = -0.3
	}
	s.BallVel = Vec{X: r.BallSpeed * dx, Y: r.BallSpeed * dy}
}
