// Package storetest holds the behaviour every store.Store implementation
// must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/pong-sync/internal/store"
)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("register and authenticate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Register(ctx, "ana", "hunter2")
		require.NoError(t, err)
		assert.NotZero(t, id)

		got, ok, err := s.Authenticate(ctx, "ana", "hunter2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, id, got)

		_, ok, err = s.Authenticate(ctx, "ana", "wrong")
		require.NoError(t, err)
		assert.False(t, ok)

		_, _, err = s.Authenticate(ctx, "bob", "hunter2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate username", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Register(ctx, "ana", "a")
		require.NoError(t, err)
		_, err = s.Register(ctx, "ana", "b")
		assert.ErrorIs(t, err, store.ErrUsernameTaken)
	})

	t.Run("record result is idempotent per match", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ana, err := s.Register(ctx, "ana", "a")
		require.NoError(t, err)
		bob, err := s.Register(ctx, "bob", "b")
		require.NoError(t, err)

		require.NoError(t, s.RecordResult(ctx, ana, store.Result{MatchID: "m1", Outcome: store.OutcomeWin}))
		require.NoError(t, s.RecordResult(ctx, ana, store.Result{MatchID: "m1", Outcome: store.OutcomeWin}))
		require.NoError(t, s.RecordResult(ctx, bob, store.Result{MatchID: "m1", Outcome: store.OutcomeLoss}))
		require.NoError(t, s.RecordResult(ctx, ana, store.Result{MatchID: "m2", Outcome: store.OutcomeLoss}))

		st, err := s.GetStats(ctx, ana)
		require.NoError(t, err)
		assert.Equal(t, store.Stats{Games: 2, Wins: 1, Losses: 1}, st)

		st, err = s.GetStats(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, store.Stats{Games: 1, Wins: 0, Losses: 1}, st)
	})

	t.Run("unknown user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetStats(ctx, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.RecordResult(ctx, 999, store.Result{MatchID: "m", Outcome: store.OutcomeWin})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
