package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/engine"
)

// flakyPersister fails the first failuresBeforeSuccess calls, then succeeds.
type flakyPersister struct {
	calls                 atomic.Int32
	failuresBeforeSuccess int32
}

func (f *flakyPersister) attempt() error {
	if f.calls.Add(1) <= f.failuresBeforeSuccess {
		return errors.New("transient write failure")
	}
	return nil
}

func (f *flakyPersister) SaveTask(ctx context.Context, task engine.Task) error {
	return f.attempt()
}

func (f *flakyPersister) SaveTransition(ctx context.Context, t engine.Transition) error {
	return f.attempt()
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

// TestResilientStoreRetriesTransientFailures verifies transient write errors
// are retried to success.
func TestResilientStoreRetriesTransientFailures(t *testing.T) {
	inner := &flakyPersister{failuresBeforeSuccess: 2}
	store := NewResilientStore(inner, fastRetryConfig())

	task := engine.Task{ID: "task-1", State: engine.StatePending}
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

// TestResilientStoreGivesUpAfterBudget verifies a persistently failing store
// surfaces the error once the retry budget is exhausted.
func TestResilientStoreGivesUpAfterBudget(t *testing.T) {
	inner := &flakyPersister{failuresBeforeSuccess: 1000}
	store := NewResilientStore(inner, fastRetryConfig())

	err := store.SaveTransition(context.Background(), engine.Transition{TaskID: "task-1"})
	if err == nil {
		t.Fatal("expected an error after retry budget exhaustion")
	}
}

// TestResilientStoreBreakerOpens verifies the circuit opens after consecutive
// failures and subsequent writes are dropped immediately.
func TestResilientStoreBreakerOpens(t *testing.T) {
	inner := &flakyPersister{failuresBeforeSuccess: 1 << 30}
	store := NewResilientStore(inner, fastRetryConfig())

	// Burn through enough failed writes to trip the breaker.
	for i := 0; i < 3; i++ {
		store.SaveTask(context.Background(), engine.Task{ID: "task-1"})
	}

	before := inner.calls.Load()
	if before < 5 {
		t.Fatalf("expected at least 5 attempts before the breaker trips, got %d", before)
	}

	// With the breaker open the inner store must not be touched.
	err := store.SaveTask(context.Background(), engine.Task{ID: "task-1"})
	if err == nil {
		t.Fatal("expected an immediate error with the breaker open")
	}
	if after := inner.calls.Load(); after != before {
		t.Errorf("expected no further attempts with the breaker open, got %d extra", after-before)
	}
}

// TestResilientStoreContextCancellation verifies cancellation stops retries
// promptly.
func TestResilientStoreContextCancellation(t *testing.T) {
	inner := &flakyPersister{failuresBeforeSuccess: 1 << 30}
	cfg := fastRetryConfig()
	cfg.MaxElapsedTime = 10 * time.Second
	store := NewResilientStore(inner, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := store.SaveTask(ctx, engine.Task{ID: "task-1"})
	if err == nil {
		t.Fatal("expected an error on cancellation")
	}
	if time.Since(start) > time.Second {
		t.Errorf("retry loop did not respect cancellation, took %v", time.Since(start))
	}
}
