package engerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryStopsImmediatelyOnNonTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return New(KindNotFound, "missing")
	})
	assert.True(t, Is(err, KindNotFound))
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceedsOnTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return New(KindTransient, "backend busy")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("always busy")
	err := Retry(context.Background(), func() error {
		calls++
		return Wrap("op", errors.Join(sentinel, ErrTransient))
	})
	assert.True(t, Is(err, KindTransient))
	assert.Equal(t, MaxTransientAttempts, calls)
}
