package soar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorKindNone},
		{"schema", &SchemaError{ActionID: "x", Causes: []string{"bad"}}, ErrorKindSchema},
		{"action not found", ErrActionNotFound, ErrorKindActionNotFound},
		{"wrapped action not found", fmt.Errorf("lookup: %w", ErrActionNotFound), ErrorKindActionNotFound},
		{"cancelled", context.Canceled, ErrorKindCancelled},
		{"timeout type", &TimeoutError{StepID: "s", Timeout: time.Second}, ErrorKindTimeout},
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"permanent", NewPermanentError("no"), ErrorKindPermanent},
		{"transient", NewTransientError("flaky"), ErrorKindTransient},
		{"http 500", &HTTPStatusError{StatusCode: 500, URL: "http://x"}, ErrorKindTransient},
		{"http 429", &HTTPStatusError{StatusCode: 429, URL: "http://x"}, ErrorKindTransient},
		{"http 404", &HTTPStatusError{StatusCode: 404, URL: "http://x"}, ErrorKindPermanent},
		{"http 400", &HTTPStatusError{StatusCode: 400, URL: "http://x"}, ErrorKindPermanent},
		{"net error", &net.DNSError{Err: "no such host", Name: "x"}, ErrorKindTransient},
		{"unclassified", errors.New("who knows"), ErrorKindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorKindTransient))
	assert.True(t, IsRetryable(ErrorKindTimeout))
	assert.False(t, IsRetryable(ErrorKindPermanent))
	assert.False(t, IsRetryable(ErrorKindSchema))
	assert.False(t, IsRetryable(ErrorKindActionNotFound))
	assert.False(t, IsRetryable(ErrorKindCancelled))
	assert.False(t, IsRetryable(ErrorKindNone))
}

func TestBackoffDelayBounds(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2.0}

	for attempt := 1; attempt <= 5; attempt++ {
		base := float64(100*time.Millisecond) * pow2(attempt-1)
		d := backoffDelay(policy, attempt)
		assert.GreaterOrEqual(t, float64(d), base*0.8, "attempt %d", attempt)
		assert.LessOrEqual(t, float64(d), base*1.2, "attempt %d", attempt)
	}
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

func TestBackoffDelayCapped(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Minute, BackoffMultiplier: 10.0}

	// Attempt 5 would be ~10000 minutes uncapped.
	d := backoffDelay(policy, 5)
	assert.LessOrEqual(t, d, time.Duration(float64(maxBackoffDelay)*1.2))
	assert.GreaterOrEqual(t, d, time.Duration(float64(maxBackoffDelay)*0.8))
}

func TestBackoffDelayDefaultsForZeroPolicy(t *testing.T) {
	d := backoffDelay(RetryPolicy{}, 1)
	def := DefaultRetryPolicy().InitialDelay
	assert.GreaterOrEqual(t, float64(d), float64(def)*0.8)
	assert.LessOrEqual(t, float64(d), float64(def)*1.2)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
