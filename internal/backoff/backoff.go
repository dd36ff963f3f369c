// Package backoff retries transient failures with exponential, jittered
// delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls delay growth and the number of attempts.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor multiplies the delay after each failed attempt.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
	// Attempts is the total number of tries, including the first.
	Attempts int
}

// DefaultPolicy suits platform handshakes: three tries within a few seconds.
func DefaultPolicy() Policy {
	return Policy{
		Initial:  500 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   0.2,
		Attempts: 3,
	}
}

// Delay returns the wait after the given failed attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the policy runs out of attempts. It returns the number of attempts made and
// the last error from fn, or ctx.Err() if ctx ended while waiting.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return attempt, err
		}
		if sleepErr := Sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return attempt, sleepErr
		}
	}
	return attempts, err
}
