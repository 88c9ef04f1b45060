package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dandi/backups2datalad/pkg/metrics"
)

const (
	// base is the exponential backoff multiplier per spec.md §9's
	// "(base^n * multiplier) * (1 +/- jitter/2)" formula.
	base = 2.1
	// initialInterval is the n=0 term; combined with base this yields the
	// base^n progression via backoff.ExponentialBackOff's Multiplier field.
	initialInterval = 1 * time.Second
	// jitter is the +/-10% randomization factor.
	jitter = 0.10
	// maxAttempts bounds the retry loop at 6 total tries (1 initial + 5
	// retries) before a transient failure is promoted to fatal.
	maxAttempts = 6
)

// NewBackOff returns a fresh exponential backoff generator matching
// spec.md §9: base 2.1, +/-10% jitter, capped at maxAttempts total tries.
// The returned BackOff is not safe for concurrent reuse across goroutines;
// callers needing one per retry loop should call NewBackOff each time.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.Multiplier = base
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall-clock
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

// Do runs op, retrying on error per NewBackOff's schedule until it
// succeeds, the attempt budget is exhausted, or ctx is cancelled. The
// operation name is used only to label the retries_total metric.
func Do(ctx context.Context, operation string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		if attempt > 0 {
			metrics.RetriesTotal.WithLabelValues(operation).Inc()
		}
		attempt++
		return op()
	}
	return backoff.Retry(wrapped, backoff.WithContext(NewBackOff(), ctx))
}
