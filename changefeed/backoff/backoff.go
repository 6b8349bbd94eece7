package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Linear returns start + step*attempt, capped at ceiling when ceiling > 0.
// Negative attempts are treated as 0 and negative results as 0.
func Linear(start, step time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := start

	if step > 0 && attempt > 0 {
		if int64(step) > (math.MaxInt64-int64(max(start, 0)))/int64(attempt) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = start + step*time.Duration(attempt)
		}
	}

	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	if delay < 0 {
		return 0
	}

	return delay
}

// Exponential returns base * 2^attempt with overflow protection.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand is used only when crypto/rand is unavailable. It seeds a PCG
// from crypto/rand raw bytes and returns the midpoint if even that fails.
func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	rng := mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// WaitContext sleeps for d or until ctx is done. Zero and negative durations
// return immediately.
func WaitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
