package taskset

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultRetryDelays is the reconnect schedule for listener and connector
// tasks. Once exhausted, the last delay repeats.
var DefaultRetryDelays = []time.Duration{
	250 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// FallbackBackOff walks a fixed list of delays and then keeps returning the
// last one. It implements backoff.BackOff.
type FallbackBackOff struct {
	mu     sync.Mutex
	delays []time.Duration
	next   int
}

var _ backoff.BackOff = (*FallbackBackOff)(nil)

// NewFallbackBackOff returns a FallbackBackOff over delays, or over
// DefaultRetryDelays when delays is empty.
func NewFallbackBackOff(delays ...time.Duration) *FallbackBackOff {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	return &FallbackBackOff{delays: append([]time.Duration(nil), delays...)}
}

// NextBackOff returns the delay before the next attempt.
func (b *FallbackBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delays[min(b.next, len(b.delays)-1)]
	if b.next < len(b.delays) {
		b.next++
	}
	return d
}

// Reset restarts the schedule from the first delay.
func (b *FallbackBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
}

// retryPolicy builds the backoff for one executor. maxAttempts of zero means
// retry forever.
func retryPolicy(newBackOff func() backoff.BackOff, maxRetries int) backoff.BackOff {
	var b backoff.BackOff
	if newBackOff != nil {
		b = newBackOff()
	} else {
		b = NewFallbackBackOff()
	}
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries))
	}
	return b
}
