package worker

import (
	"math/rand"
	"time"
)

// #region backoff

// Backoff yields escalating delays with jitter for retrying transient
// store failures. Not safe for concurrent use; each worker owns one.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	attempt int
	rng     *rand.Rand
}

// NewBackoff builds a doubling backoff from base to cap with ±20%
// jitter.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if cap < base {
		cap = 5 * time.Second
	}
	return &Backoff{
		Base:   base,
		Cap:    cap,
		Jitter: 0.2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the upcoming retry and advances the
// escalation.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Cap || d < b.Base {
		d = b.Cap
	} else {
		b.attempt++
	}

	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*b.rng.Float64())
	}
	return d
}

// Reset drops the escalation back to the base delay after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// #endregion backoff
