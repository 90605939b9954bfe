package engine

import (
	"errors"
	"math"
)

var ErrStaleInput = errors.New("stale input")
var ErrUnknownSide = errors.New("unknown side")
var ErrInvalidDirection = errors.New("invalid direction")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrGameAlreadyCompleted = errors.New("game already completed")

type Side int

const (
	SideLeft  Side = 0
	SideRight Side = 1
)

func (s Side) Valid() bool { return s == SideLeft || s == SideRight }

func (s Side) Opponent() Side { return 1 - s }

type Phase string

const (
	PhaseCountdown   Phase = "countdown"
	PhasePlaying     Phase = "playing"
	PhasePointScored Phase = "point_scored"
	PhaseGameOver    Phase = "game_over"
)

type Vec struct {
	X, Y float64
}

// State is the authoritative match state. Only a session owns a live one;
// clients keep copies rebuilt from broadcasts.
type State struct {
	Tick    uint64
	Phase   Phase
	Ball    Vec
	BallVel Vec
	Paddles [2]float64
	Scores  [2]int
	// Hold counts the ticks left in COUNTDOWN or POINT_SCORED.
	Hold int
	// Acks is the last applied input sequence per side.
	Acks [2]uint64
}

// Rand is the only source of nondeterminism in Step.
type Rand interface {
	Float64() float64
}

type CommandType string

const (
	CmdMovePaddle CommandType = "MovePaddle"
)

type Command struct {
	Type      CommandType
	Side      Side
	Sequence  uint64
	Direction int
}

type EventType string

const (
	EvtPaddleMoved EventType = "PaddleMoved"
	EvtWallBounce  EventType = "WallBounce"
	EvtPaddleHit   EventType = "PaddleHit"
	EvtPointScored EventType = "PointScored"
	EvtServe       EventType = "Serve"
	EvtGameOver    EventType = "GameOver"
)

type Event struct {
	Type EventType
	Side Side
}

// Apply validates and applies one player command. Inputs whose sequence is
// not strictly greater than the side's last applied sequence are rejected
// with ErrStaleInput and leave the state untouched.
func Apply(s State, r Rules, cmd Command) ([]Event, State, error) {
	if s.Phase == PhaseGameOver {
		return nil, s, ErrGameAlreadyCompleted
	}

	switch cmd.Type {
	case CmdMovePaddle:
		if !cmd.Side.Valid() {
			return nil, s, ErrUnknownSide
		}
		if cmd.Direction < -1 || cmd.Direction > 1 {
			return nil, s, ErrInvalidDirection
		}
		if cmd.Sequence <= s.Acks[cmd.Side] {
			return nil, s, ErrStaleInput
		}

		newState := s
		newState.Acks[cmd.Side] = cmd.Sequence
		newState.Paddles[cmd.Side] = MovePaddle(s.Paddles[cmd.Side], cmd.Direction, r)
		return []Event{{Type: EvtPaddleMoved, Side: cmd.Side}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Step advances the match by one fixed timestep.
func Step(s State, r Rules, rng Rand) ([]Event, State) {
	if s.Phase == PhaseGameOver {
		return nil, s
	}

	newState := s
	newState.Tick++

	switch s.Phase {
	case PhaseCountdown, PhasePointScored:
		if newState.Hold > 0 {
			newState.Hold--
		}
		if newState.Hold == 0 {
			newState.Phase = PhasePlaying
			return []Event{{Type: EvtServe}}, newState
		}
		return nil, newState
	}

	var events []Event
	dt := r.Dt()
	newState.Ball.X += newState.BallVel.X * dt
	newState.Ball.Y += newState.BallVel.Y * dt

	if newState.Ball.Y <= 0 {
		newState.Ball.Y = 0
		newState.BallVel.Y = math.Abs(newState.BallVel.Y)
		events = append(events, Event{Type: EvtWallBounce})
	} else if newState.Ball.Y+r.BallSize >= r.Height {
		newState.Ball.Y = r.Height - r.BallSize
		newState.BallVel.Y = -math.Abs(newState.BallVel.Y)
		events = append(events, Event{Type: EvtWallBounce})
	}

	if newState.BallVel.X < 0 && hitsPaddle(newState, r, SideLeft) {
		newState.Ball.X = r.paddleX(SideLeft) + r.PaddleWidth
		newState.BallVel.X = math.Abs(newState.BallVel.X)
		newState.BallVel = rebound(newState.BallVel, r, rng)
		events = append(events, Event{Type: EvtPaddleHit, Side: SideLeft})
	} else if newState.BallVel.X > 0 && hitsPaddle(newState, r, SideRight) {
		newState.Ball.X = r.paddleX(SideRight) - r.BallSize
		newState.BallVel.X = -math.Abs(newState.BallVel.X)
		newState.BallVel = rebound(newState.BallVel, r, rng)
		events = append(events, Event{Type: EvtPaddleHit, Side: SideRight})
	}

	if newState.Ball.X < 0 {
		events = append(events, score(&newState, r, SideRight)...)
	} else if newState.Ball.X+r.BallSize > r.Width {
		events = append(events, score(&newState, r, SideLeft)...)
	}

	return events, newState
}

func score(s *State, r Rules, scorer Side) []Event {
	s.Scores[scorer]++
	events := []Event{{Type: EvtPointScored, Side: scorer}}

	if s.Scores[scorer] >= r.ScoreLimit {
		s.Phase = PhaseGameOver
		s.Hold = 0
		s.Ball = r.center()
		s.BallVel = Vec{}
		return append(events, Event{Type: EvtGameOver, Side: scorer})
	}

	s.Phase = PhasePointScored
	s.Hold = r.ServeDelayTicks
	serve(s, r, scorer)
	return events
}
