// Package lobby holds the registry records the lobby manager keeps for each
// match and the pool of session ports they are bound to.
package lobby

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid lobby transition")

type State string

const (
	StateWaiting   State = "WAITING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
)

type Member struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

type Reason string

const (
	ReasonScoreLimit Reason = "score_limit"
	ReasonTimeout    Reason = "timeout"
	ReasonShutdown   Reason = "shutdown"
)

// Outcome is how a match ended. Winner and Loser are empty when nobody won
// (both players vanished, or the server stopped).
type Outcome struct {
	Winner string `json:"winner,omitempty"`
	Loser  string `json:"loser,omitempty"`
	Scores [2]int `json:"scores"`
	Reason Reason `json:"reason"`
}

func (o Outcome) Decided() bool { return o.Winner != "" && o.Loser != "" }

type Lobby struct {
	ID           string
	State        State
	Port         int
	Members      [2]Member
	CreatedAt    time.Time
	LastActivity time.Time
	CompletedAt  time.Time
	Outcome      *Outcome
}

func New(port int, members [2]Member, now time.Time) *Lobby {
	return &Lobby{
		ID:           uuid.NewString(),
		State:        StateWaiting,
		Port:         port,
		Members:      members,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Activate marks the session as accepting players.
func (l *Lobby) Activate(now time.Time) error {
	if l.State != StateWaiting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, StateActive)
	}
	l.State = StateActive
	l.LastActivity = now
	return nil
}

// Complete records the outcome. A session may end before it ever became
// active (shutdown during start-up).
func (l *Lobby) Complete(o Outcome, now time.Time) error {
	if l.State == StateCompleted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, StateCompleted)
	}
	l.State = StateCompleted
	l.CompletedAt = now
	l.LastActivity = now
	l.Outcome = &o
	return nil
}

func (l *Lobby) Usernames() [2]string {
	return [2]string{l.Members[0].Username, l.Members[1].Username}
}

// Expired reports whether the lobby has outlived its phase: WAITING past
// startTimeout since creation, or COMPLETED past cleanupTimeout since
// completion. ACTIVE lobbies end through their session.
func (l *Lobby) Expired(now time.Time, startTimeout, cleanupTimeout time.Duration) bool {
	switch l.State {
	case StateWaiting:
		return now.Sub(l.CreatedAt) > startTimeout
	case StateCompleted:
		return now.Sub(l.CompletedAt) > cleanupTimeout
	}
	return false
}

// View is a copy safe to hand out of the manager goroutine.
type View struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	Port        int        `json:"port"`
	Members     [2]Member  `json:"members"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
}

func (l *Lobby) View() View {
	v := View{
		ID:        l.ID,
		State:     l.State,
		Port:      l.Port,
		Members:   l.Members,
		CreatedAt: l.CreatedAt,
	}
	if !l.CompletedAt.IsZero() {
		t := l.CompletedAt
		v.CompletedAt = &t
	}
	if l.Outcome != nil {
		o := *l.Outcome
		v.Outcome = &o
	}
	return v
}
