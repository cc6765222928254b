package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/metrics"
)

// RetryPolicy bounds every storage call: each attempt gets its own timeout and
// transient failures are retried with exponential backoff.
type RetryPolicy struct {
	Attempts        uint64
	CallTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		CallTimeout:     5 * time.Second,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

type retrier struct {
	policy  RetryPolicy
	metrics *metrics.Recorder
	log     *log.Entry
}

func newRetrier(policy RetryPolicy, rec *metrics.Recorder, logger *log.Entry) *retrier {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &retrier{policy: policy, metrics: rec, log: logger}
}

// do runs fn until it succeeds, fails permanently or runs out of attempts.
// Exhausted transient failures come back as apperr.ErrTryAgain.
func (r *retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, r.policy.Attempts-1), ctx)

	err := backoff.RetryNotify(func() error {
		callCtx := ctx
		if r.policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		r.metrics.StorageRetry(op)
		r.log.WithFields(log.Fields{
			"operation": op,
			"wait":      wait,
		}).WithError(err).Warn("Retrying storage call")
	})
	if err == nil {
		return nil
	}
	if isTransient(err) {
		r.log.WithField("operation", op).WithError(err).Error("Storage call failed after retries")
		return apperr.Transient(errors.Wrap(err, op))
	}
	return err
}

// isTransient reports whether a driver error is worth another attempt.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")
	}
	return errors.Is(err, mongo.ErrClientDisconnected)
}
