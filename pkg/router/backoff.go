package router

import (
	"crypto/rand"
	"math/big"
	"time"
)

// backoffBaseMs and backoffCapMs implement §4.F's literal retry
// schedule: 1s, 2s, 4s, 8s, 16s, capped at 30s. Grounded on
// pkg/kernel/retry/backoff.go's ComputeBackoff (exponential base * 2^n,
// capped at MaxMs), simplified from that package's deterministic,
// hash-seeded jitter to a small random jitter since delivery retries
// have no replay-determinism requirement of their own.
const (
	backoffBaseMs = 1000
	backoffCapMs  = 30000
	jitterCapMs   = 250
)

// computeBackoff returns the delay before retry attempt n (0-indexed:
// n=0 is the delay before the second attempt).
func computeBackoff(attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 20 {
			factor = 1 << 20
		} else {
			factor = 1 << uint(attempt)
		}
	}
	delayMs := backoffBaseMs * factor
	if delayMs > backoffCapMs {
		delayMs = backoffCapMs
	}

	jitterMs := int64(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(jitterCapMs)); err == nil {
		jitterMs = n.Int64()
	}
	return time.Duration(delayMs+jitterMs) * time.Millisecond
}
