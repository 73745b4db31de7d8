package syncengine

import "time"

// DefaultBackoffMax caps the per-record delay when Backoff.Max is unset.
const DefaultBackoffMax = time.Hour

// Backoff spaces out retries of a record after transient failures. A zero
// Base disables it, so every pass retries every pending record.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) Enabled() bool {
	return b.Base > 0
}

// Delay returns the wait before the next attempt of a record that has been
// attempted the given number of times. sample is a uniform value in [0,1].
func (b Backoff) Delay(attempts int, sample float64) time.Duration {
	if !b.Enabled() {
		return 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	delay := b.Base
	for i := 1; i < attempts && delay < limit; i++ {
		// doubling past half the limit would overflow for large limits
		if delay > limit/2 {
			delay = limit
			break
		}
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return JitteredInterval(delay, b.Jitter, sample)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio using sample in [0,1];
// 0.5 yields base exactly.
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
