package backoff

import (
	"context"
)

// Retry calls fn until it succeeds, returns an error rejected by retryable, or
// attempts calls have been made. The last error from fn is returned when
// attempts run out; a ctx error is returned if ctx ends while sleeping.
func Retry(ctx context.Context, b *Backoff, attempts int, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if berr := b.Backoff(ctx); berr != nil {
				return berr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
