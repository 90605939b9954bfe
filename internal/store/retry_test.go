package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/pong-sync/internal/store"
	"github.com/DoyleJ11/pong-sync/internal/store/memory"
)

func fastRetry(tries uint) store.RetryOptions {
	return store.RetryOptions{MaxTries: tries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	mem := memory.New()
	s := store.WithRetry(mem, fastRetry(5))
	ctx := context.Background()

	mem.FailNext(3)
	id, err := s.Register(ctx, "ana", "pw")
	require.NoError(t, err)

	mem.FailNext(2)
	got, ok, err := s.Authenticate(ctx, "ana", "pw")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestWithRetry_GivesUp(t *testing.T) {
	mem := memory.New()
	s := store.WithRetry(mem, fastRetry(2))

	mem.FailNext(5)
	_, err := s.GetStats(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

type countingStore struct {
	store.Store
	registers int
}

func (c *countingStore) Register(ctx context.Context, username, credential string) (store.UserID, error) {
	c.registers++
	return c.Store.Register(ctx, username, credential)
}

func TestWithRetry_DomainErrorsAreNotRetried(t *testing.T) {
	counting := &countingStore{Store: memory.New()}
	s := store.WithRetry(counting, fastRetry(5))
	ctx := context.Background()

	_, err := s.Register(ctx, "ana", "pw")
	require.NoError(t, err)
	_, err = s.Register(ctx, "ana", "pw")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)
	assert.Equal(t, 2, counting.registers)

	_, _, err = s.Authenticate(ctx, "nobody", "pw")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
