// Package auth issues the session tokens a player presents to its game
// session after the lobby manager has checked its credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/text/secure/precis"
)

var ErrInvalidToken = errors.New("invalid session token")
var ErrInvalidUsername = errors.New("invalid username")

const issuer = "pong-lobby"

type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Username is the normalized subject of the token.
func (c Claims) Username() string { return c.Subject }

type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewIssuer(secret []byte, ttl time.Duration, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: secret, ttl: ttl, clock: clock}
}

func (i *Issuer) Issue(username string, userID int64) (string, error) {
	now := i.clock.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

func (i *Issuer) Verify(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// NormalizeUsername case-folds and validates a username so "Ana" and "ana"
// name the same account.
func NormalizeUsername(name string) (string, error) {
	out, err := precis.UsernameCaseMapped.String(name)
	if err != nil || out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	return out, nil
}
