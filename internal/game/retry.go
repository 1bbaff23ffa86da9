package game

import (
	"context"
	"time"

	"github.com/DoyleJ11/hero-quiz-backend/internal/store"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy retries transient store failures with linear backoff:
// Base, 2*Base, ... between Attempts tries.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 300 * time.Millisecond}

type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.base
}

func (b *linearBackOff) Reset() { b.n = 0 }

func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, op string, fn func() error) error {
	return p.DoWhen(ctx, log, op, store.IsTransient, fn)
}

// DoWhen retries fn while retryable reports true for its error.
func (p RetryPolicy) DoWhen(ctx context.Context, log *zap.Logger, op string, retryable func(error) bool, fn func() error) error {
	attempts := max(p.Attempts, 1)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{base: p.Base}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	return err
}
