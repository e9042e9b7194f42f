package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay acts as initial backoff; grows exponentially (x2) until attempts exhausted.
// Jitter: random duration in [0, currentDelay]. operation labels the
// attempt/success/fail counters so a deployment running several distinct
// retry call sites (workflow HTTP steps today, more as custom step handlers
// grow) can tell them apart in metrics rather than sharing one undistinguished
// series.
func Retry[T any](ctx context.Context, operation string, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("orchestrator-core")
	attemptCounter, _ := meter.Int64Counter("orch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("orch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("orch_resilience_retry_fail_total")
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, attrs)
		if err == nil {
			successCounter.Add(ctx, 1, attrs)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		// exponential growth (cap at ~60s to avoid runaway)
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		// full jitter
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, attrs)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, attrs)
	return zero, lastErr
}
