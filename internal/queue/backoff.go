package queue

import (
	"math"
	"time"
)

// BackoffKind selects how the delay before the next retry attempt grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff computes the inter-attempt delay for a retry policy. The zero
// value means "retry immediately".
type Backoff struct {
	Kind  BackoffKind   `json:"kind,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
	Max   time.Duration `json:"max,omitempty"`
}

// Exponential is the usual base * 2^(attempt-1) policy.
func Exponential(base time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Delay: base}
}

// Fixed retries with a constant delay.
func Fixed(delay time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Delay: delay}
}

// NextDelay returns the delay to apply after the given 1-based attempt
// has failed. Max, when set, caps the exponential growth.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffExponential:
		shift := uint(attempt - 1)
		if shift > 32 {
			shift = 32
		}
		delay := b.Delay << shift
		if delay <= 0 {
			delay = math.MaxInt64
		}
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
		return delay
	default:
		return b.Delay
	}
}
