package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"cloudfs/internal/remote"
)

func TestOnAuthExpiredRetriesOnce(t *testing.T) {
	calls := 0
	err := OnAuthExpired(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("list files: %w", remote.ErrAuthExpired)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestOnAuthExpiredGivesUpAfterSecondFailure(t *testing.T) {
	calls := 0
	err := OnAuthExpired(context.Background(), func(context.Context) error {
		calls++
		return remote.ErrAuthExpired
	})
	assert.ErrorIs(t, err, remote.ErrAuthExpired)
	assert.Equal(t, 2, calls)
}

func TestOnAuthExpiredIgnoresOtherErrors(t *testing.T) {
	calls := 0
	failed := &remote.RequestFailedError{Status: 500}
	err := OnAuthExpired(context.Background(), func(context.Context) error {
		calls++
		return failed
	})
	assert.Equal(t, failed, err)
	assert.Equal(t, 1, calls)

	calls = 0
	assert.NoError(t, OnAuthExpired(context.Background(), func(context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestOnAuthExpiredStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := OnAuthExpired(ctx, func(context.Context) error {
		calls++
		return remote.ErrAuthExpired
	})
	assert.True(t, errors.Is(err, remote.ErrAuthExpired))
	assert.Equal(t, 1, calls)
}

func TestOnAuthExpiredWithResult(t *testing.T) {
	calls := 0
	got, err := OnAuthExpiredWithResult(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", remote.ErrAuthExpired
		}
		return "token-2", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "token-2", got)
	assert.Equal(t, 2, calls)
}
