package persistence

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/engine"
)

// RetryConfig configures exponential backoff for durable writes.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 50ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 15s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration. Durable writes
// are best-effort, so the budget is kept short: a sick database degrades to
// logged drops instead of unbounded retry queues.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      15 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// ResilientStore wraps a Persister with exponential backoff retry and a
// circuit breaker. When the breaker is open, writes are dropped immediately
// (and logged) rather than queueing behind a database that is down. It never
// fails the in-memory operation that triggered the write.
type ResilientStore struct {
	inner    engine.Persister
	retryCfg RetryConfig
	breaker  *gobreaker.CircuitBreaker
}

// NewResilientStore wraps the given persister.
func NewResilientStore(inner engine.Persister, retryCfg RetryConfig) *ResilientStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller cancellation is not a database failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &ResilientStore{
		inner:    inner,
		retryCfg: retryCfg,
		breaker:  cb,
	}
}

// SaveTask writes the task snapshot with retry and breaker protection.
func (r *ResilientStore) SaveTask(ctx context.Context, task engine.Task) error {
	return r.execute(ctx, func() error {
		return r.inner.SaveTask(ctx, task)
	})
}

// SaveTransition writes the audit record with retry and breaker protection.
func (r *ResilientStore) SaveTransition(ctx context.Context, t engine.Transition) error {
	return r.execute(ctx, func() error {
		return r.inner.SaveTransition(ctx, t)
	})
}

func (r *ResilientStore) execute(ctx context.Context, write func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, write()
		})
		if err != nil {
			// Circuit open - drop the write instead of retrying.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryCfg.InitialInterval
	policy.MaxInterval = r.retryCfg.MaxInterval
	policy.MaxElapsedTime = r.retryCfg.MaxElapsedTime
	policy.Multiplier = r.retryCfg.Multiplier
	policy.RandomizationFactor = r.retryCfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
