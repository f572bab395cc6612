// Package retry re-runs remote calls whose access token expired.
package retry

import (
	"context"
	"errors"

	"cloudfs/internal/remote"
)

// IsAuthExpired reports whether err means the access token was rejected
func IsAuthExpired(err error) bool {
	return errors.Is(err, remote.ErrAuthExpired)
}

// OnAuthExpired runs fn and runs it once more when it fails with an expired
// token. The remote client has dropped the token by then, so the second
// attempt fetches a fresh one. There is no backoff between attempts.
func OnAuthExpired(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !IsAuthExpired(err) || ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}

// OnAuthExpiredWithResult is OnAuthExpired for calls that return a value.
func OnAuthExpiredWithResult[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if !IsAuthExpired(err) || ctx.Err() != nil {
		return result, err
	}
	return fn(ctx)
}
