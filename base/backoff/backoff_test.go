package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	req := require.New(t)
	b := NewExponential(time.Millisecond, 4*time.Millisecond)
	ctx := context.Background()

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	for _, d := range want {
		req.Equal(d, b.NextDuration)
		req.NoError(b.Backoff(ctx))
	}
	req.Equal(4, b.Count())

	b.Reset()
	req.Equal(0, b.Count())
	req.Equal(time.Millisecond, b.NextDuration)
}

func TestLinear(t *testing.T) {
	req := require.New(t)
	b := NewLinear(time.Millisecond, 0)
	req.Equal(time.Millisecond, b.NextDuration)
	req.NoError(b.Backoff(context.Background()))
	req.Equal(2*time.Millisecond, b.NextDuration)
}

func TestBackoffCanceled(t *testing.T) {
	b := NewExponential(time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, b.Backoff(ctx))
	require.Equal(t, 0, b.Count())
}

func TestRetry(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	isTransient := func(err error) bool { return errors.Is(err, errTransient) }

	cases := []struct {
		name      string
		results   []error
		attempts  int
		wantErr   error
		wantCalls int
	}{
		{
			name:      "succeeds first time",
			results:   []error{nil},
			attempts:  3,
			wantCalls: 1,
		},
		{
			name:      "succeeds after transient failures",
			results:   []error{errTransient, errTransient, nil},
			attempts:  3,
			wantCalls: 3,
		},
		{
			name:      "gives up after attempts",
			results:   []error{errTransient, errTransient, errTransient, nil},
			attempts:  3,
			wantErr:   errTransient,
			wantCalls: 3,
		},
		{
			name:      "stops on non retryable error",
			results:   []error{errFatal, nil},
			attempts:  3,
			wantErr:   errFatal,
			wantCalls: 1,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), NewExponential(time.Microsecond, time.Millisecond), c.attempts, isTransient, func() error {
				err := c.results[calls]
				calls++
				return err
			})
			require.Equal(t, c.wantErr, err)
			require.Equal(t, c.wantCalls, calls)
		})
	}
}
