package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")
var errFatal = errors.New("rejected")

func testPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Transient: func(err error) bool {
			return errors.Is(err, errTransient)
		},
		Notify: func(int, error, time.Duration) {},
	}
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, attempts, err := Execute(context.Background(), testPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsAfterExactlyMaxAttempts(t *testing.T) {
	calls := 0
	_, attempts, err := Execute(context.Background(), testPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestExecuteShortCircuitsNonTransientErrors(t *testing.T) {
	calls := 0
	_, attempts, err := Execute(context.Background(), testPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, errFatal
	})

	assert.Equal(t, errFatal, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecuteNonTransientAfterTransient(t *testing.T) {
	calls := 0
	_, attempts, err := Execute(context.Background(), testPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 0, errFatal
	})

	assert.Equal(t, errFatal, err)
	assert.Equal(t, 2, attempts)
}

func TestExecuteSingleAttempt(t *testing.T) {
	_, attempts, err := Execute(context.Background(), testPolicy(1), func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, attempts)
}

func TestExecuteAbortsWaitOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := testPolicy(3)
	policy.InitialDelay = time.Hour
	policy.Notify = func(int, error, time.Duration) {
		cancel()
	}

	started := time.Now()
	_, attempts, err := Execute(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(started), time.Minute)
}

func TestExecuteExponentialPolicy(t *testing.T) {
	var waits []time.Duration
	policy := testPolicy(4)
	policy.InitialDelay = time.Millisecond
	policy.Multiplier = 2
	policy.Notify = func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	}

	_, _, err := Execute(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, waits, 3)
	assert.Equal(t, time.Millisecond, waits[0])
	assert.Equal(t, 2*time.Millisecond, waits[1])
	assert.Equal(t, 4*time.Millisecond, waits[2])
}

func TestExecuteNilClassifierRetriesEverything(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Notify: func(int, error, time.Duration) {}}
	_, _, err := Execute(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, errFatal
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, calls)
}
