package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	b := DefaultRetryPolicy().Backoff()
	assert.Equal(t, time.Second, b.Step())
	assert.Equal(t, 2*time.Second, b.Step())
	assert.Equal(t, 4*time.Second, b.Step())
}

func TestRetrier_RetriesRateLimitThenSucceeds(t *testing.T) {
	metrics := observability.NewMetrics()
	r := NewRetrier(fastPolicy(3), time.Second, metrics)

	var calls int32
	err := r.Do(context.Background(), "status", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return brokererrors.New(brokererrors.ErrRateLimited, "test", "429")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.ExternalRetries.WithLabelValues("status")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ExternalCallsTotal.WithLabelValues("status", "success")), 0)
}

func TestRetrier_AuthIsNotRetried(t *testing.T) {
	r := NewRetrier(fastPolicy(5), time.Second, nil)

	var calls int32
	err := r.Do(context.Background(), "create", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return brokererrors.New(brokererrors.ErrAuthFailed, "test", "401")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, brokererrors.ErrAuthFailed, brokererrors.CodeOf(err))
}

func TestRetrier_PlainErrorIsCommandFailure(t *testing.T) {
	r := NewRetrier(fastPolicy(5), time.Second, nil)

	var calls int32
	err := r.Do(context.Background(), "terminate", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("exit status 2")
	})

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, brokererrors.ErrCommandFailed, brokererrors.CodeOf(err))
}

func TestRetrier_TimeoutRetriedThenExhausted(t *testing.T) {
	r := NewRetrier(fastPolicy(2), 10*time.Millisecond, nil)

	var calls int32
	err := r.Do(context.Background(), "logs", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, brokererrors.ErrRetryExhausted, brokererrors.CodeOf(err))
	assert.True(t, brokererrors.IsCode(err, brokererrors.ErrTimeout))
}

func TestRetrier_ParentCancelStops(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "status", func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return brokererrors.New(brokererrors.ErrTimeout, "test", "slow")
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
