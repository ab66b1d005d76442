// ABOUTME: Capped exponential reconnect delay.

package client

import "time"

// Backoff is the reconnect policy: attempt k waits min(Base*2^(k-1), Cap).
// MaxAttempts bounds the number of reconnect attempts after a connection loss.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt k (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	d := b.Base
	if shift > 0 {
		if shift >= 62 || b.Base > (1<<62)>>shift {
			d = 1<<63 - 1
		} else {
			d = b.Base << shift
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
