// Package retry wraps cenkalti/backoff/v4 with the exponential-backoff
// discipline spec'd for transient network and worker-disconnect errors:
// base 2.1, up to 6 attempts, +/-10% jitter. Callers that need a plain
// generator rather than a retry-loop wrapper can use NewBackOff directly.
package retry
