package gateway

import (
	"context"
	"time"

	"golang-reconciliation-service/pkg/logger"
)

// RetryPolicy controls how rate-limited calls are retried. Delays grow
// linearly: the n-th retry waits BaseDelay * n.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries up to five times, waiting 2s, 4s, 6s, 8s, 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 2 * time.Second}
}

// Delay returns the wait before retry number attempt (starting at 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn, retrying only HTTP 429 answers. Every other error, and a
// 429 once the retries are spent, is returned as fn produced it.
func (g *Gateway) withRetry(ctx context.Context, model, method string, fn func() (interface{}, error)) (interface{}, error) {
	attempt := 0
	for {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsRateLimited(err) {
			return nil, err
		}

		if attempt >= g.policy.MaxRetries {
			g.metrics.ObserveRateLimited(false)
			g.logger.WithFields(logger.Fields{
				"model":  model,
				"method": method,
				"max":    g.policy.MaxRetries,
			}).Error("rate limit retries exhausted")
			return nil, err
		}

		attempt++
		delay := g.policy.Delay(attempt)
		g.metrics.ObserveRateLimited(true)
		g.logger.WithFields(logger.Fields{
			"model":   model,
			"method":  method,
			"attempt": attempt,
			"max":     g.policy.MaxRetries,
			"delay":   delay.String(),
		}).Warnf("HTTP 429 from accounting service, retry %d/%d in %s", attempt, g.policy.MaxRetries, delay)

		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}
