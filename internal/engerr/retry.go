package engerr

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// MaxTransientAttempts bounds local retries for Transient-classified
// errors (spec §7 policy: "local retries only for Transient, bounded
// backoff, max 5 attempts").
const MaxTransientAttempts = 5

// Retry runs fn, retrying with bounded exponential backoff only while fn
// returns an error classified Transient. Any other kind, or exhausting
// MaxTransientAttempts, returns immediately with fn's last error.
func Retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxTransientAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !Is(err, KindTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
