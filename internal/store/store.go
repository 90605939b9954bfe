// Package store defines the account and statistics store the lobby manager
// consults. Implementations must be safe to retry: Register fails cleanly on
// an existing username and RecordResult is idempotent per match.
package store

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrNotFound = errors.New("user not found")
var ErrUsernameTaken = errors.New("username already exists")
var ErrUnavailable = errors.New("store unavailable")

type UserID int64

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

func (o Outcome) Valid() bool { return o == OutcomeWin || o == OutcomeLoss }

// Result is one player's outcome in one match. MatchID makes recording
// idempotent.
type Result struct {
	MatchID string
	Outcome Outcome
}

type Stats struct {
	Games  int `json:"games"`
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

type Store interface {
	// Authenticate returns ok=false for a wrong credential and ErrNotFound
	// for an unknown username.
	Authenticate(ctx context.Context, username, credential string) (UserID, bool, error)
	Register(ctx context.Context, username, credential string) (UserID, error)
	RecordResult(ctx context.Context, id UserID, r Result) error
	GetStats(ctx context.Context, id UserID) (Stats, error)
}

func HashCredential(credential string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

func CheckCredential(hash, credential string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) == nil
}

// Counts returns the stat increments for an outcome.
func (o Outcome) Counts() (wins, losses int) {
	if o == OutcomeWin {
		return 1, 0
	}
	return 0, 1
}
