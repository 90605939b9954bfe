package auth

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := NewIssuer([]byte("secret"), time.Minute, clock)

	tok, err := iss.Issue("ana", 7)
	require.NoError(t, err)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ana", claims.Username())
	assert.Equal(t, int64(7), claims.UserID)
}

func TestIssuer_Rejects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	iss := NewIssuer([]byte("secret"), time.Minute, clock)
	other := NewIssuer([]byte("other"), time.Minute, clock)

	tok, err := iss.Issue("ana", 7)
	require.NoError(t, err)

	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong key")

	_, err = iss.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken, "garbage")

	clock.Advance(2 * time.Minute)
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")
}

func TestNormalizeUsername(t *testing.T) {
	got, err := NormalizeUsername("Ana")
	require.NoError(t, err)
	assert.Equal(t, "ana", got)

	_, err = NormalizeUsername("")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = NormalizeUsername("two words")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}
