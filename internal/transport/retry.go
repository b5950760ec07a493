package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
)

// RetryPolicy describes how external calls are retried. Only timeouts and
// rate limiting are retried; every other failure is returned at once.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single backoff delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is three attempts with a doubling one-second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Backoff converts the policy into the delay sequence between attempts.
func (p RetryPolicy) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.BaseDelay,
		Factor:   p.Multiplier,
		Steps:    p.MaxAttempts,
		Cap:      p.MaxDelay,
	}
}

// Retrier runs external calls with a per-attempt timeout under a RetryPolicy.
type Retrier struct {
	policy  RetryPolicy
	timeout time.Duration
	metrics *observability.Metrics
}

// NewRetrier creates a Retrier. A zero timeout disables the per-attempt
// deadline. metrics may be nil.
func NewRetrier(policy RetryPolicy, timeout time.Duration, metrics *observability.Metrics) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, timeout: timeout, metrics: metrics}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Errors without a code are reported as COMMAND_FAILED and
// an attempt that hits its own deadline as TIMEOUT. Exhaustion yields
// RETRY_EXHAUSTED wrapping the last failure.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	backoff := r.policy.Backoff()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if r.metrics != nil {
				r.metrics.ExternalRetries.WithLabelValues(op).Inc()
			}
			if err := sleep(ctx, backoff.Step()); err != nil {
				r.observe(op, start, err)
				return err
			}
		}

		err := r.attempt(ctx, op, fn)
		if err == nil {
			r.observe(op, start, nil)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !brokererrors.Retryable(err) {
			r.observe(op, start, err)
			return err
		}

		slog.Warn("transport: retryable failure",
			"operation", op,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"error", err,
		)
	}

	err := brokererrors.Wrap(brokererrors.ErrRetryExhausted, "transport", lastErr,
		"%s failed after %d attempts", op, r.policy.MaxAttempts)
	r.observe(op, start, err)
	return err
}

func (r *Retrier) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	actx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err := fn(actx)
	if err == nil {
		return nil
	}
	if brokererrors.CodeOf(err) != "" {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	if stderrors.Is(actx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return brokererrors.Wrap(brokererrors.ErrTimeout, "transport", err, "%s timed out after %s", op, r.timeout)
	}
	return brokererrors.Wrap(brokererrors.ErrCommandFailed, "transport", err, "%s failed", op)
}

func (r *Retrier) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.metrics.ExternalCallsTotal.WithLabelValues(op, result).Inc()
	r.metrics.ExternalCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
