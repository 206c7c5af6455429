package executor

import (
	"math"
	"time"
)

// RetryStrategy decides how long a failed delivery waits before it becomes
// claimable again. The attempt index starts at 1 for the first failure.
type RetryStrategy interface {
	NextDelay(attempt int, err error) time.Duration
}

// NoDelayStrategy makes failed entries immediately claimable again. Useful
// in tests that drive redelivery without a clock.
type NoDelayStrategy struct{}

func (NoDelayStrategy) NextDelay(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the retry delay per attempt, capped at
// Max. Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   30 * time.Second,
//	    Factor: 2,
//	    Max:    15 * time.Minute,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Factor multiplies the delay each subsequent attempt.
	Factor float64
	// Max caps the growth; zero means uncapped.
	Max time.Duration
}

func (e ExponentialBackoffStrategy) NextDelay(attempt int, _ error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := time.Duration(float64(e.Base) * math.Pow(factor, float64(attempt-1)))
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}
