package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryOptions struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type retrying struct {
	next Store
	opts RetryOptions
}

// WithRetry wraps s so transient failures are retried with exponential
// backoff. Domain answers (ErrNotFound, ErrUsernameTaken) and context
// cancellation are returned immediately.
func WithRetry(s Store, opts RetryOptions) Store {
	if opts.MaxTries == 0 {
		opts.MaxTries = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 2 * time.Second
	}
	return &retrying{next: s, opts: opts}
}

func retry[T any](ctx context.Context, opts RetryOptions, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(opts.MaxTries))
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUsernameTaken) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

type authResult struct {
	id UserID
	ok bool
}

func (r *retrying) Authenticate(ctx context.Context, username, credential string) (UserID, bool, error) {
	res, err := retry(ctx, r.opts, func() (authResult, error) {
		id, ok, err := r.next.Authenticate(ctx, username, credential)
		return authResult{id: id, ok: ok}, err
	})
	return res.id, res.ok, err
}

func (r *retrying) Register(ctx context.Context, username, credential string) (UserID, error) {
	return retry(ctx, r.opts, func() (UserID, error) {
		return r.next.Register(ctx, username, credential)
	})
}

func (r *retrying) RecordResult(ctx context.Context, id UserID, res Result) error {
	_, err := retry(ctx, r.opts, func() (struct{}, error) {
		return struct{}{}, r.next.RecordResult(ctx, id, res)
	})
	return err
}

func (r *retrying) GetStats(ctx context.Context, id UserID) (Stats, error) {
	return retry(ctx, r.opts, func() (Stats, error) {
		return r.next.GetStats(ctx, id)
	})
}
