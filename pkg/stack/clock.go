// Package stack provides the shared plumbing for ustack's protocol state
// machines: the monotonic millisecond clock, the retransmission timer
// discipline, the network interface model, and the stack-wide exclusive
// lock that serializes all state-machine mutation.
package stack

import "time"

// Millis is a monotonic timestamp in milliseconds. The counter wraps around
// roughly every 49.7 days; compare values with TimeCompare, never with raw
// relational operators.
type Millis uint32

// TimeCompare compares two Millis values treating their difference as a
// signed quantity, so orderings stay correct across counter wraparound.
// The result is negative when a is before b, zero when equal, positive
// when a is after b.
func TimeCompare(a, b Millis) int32 {
	return int32(a - b)
}

// DurationToMillis converts a duration to Millis, rounding down.
func DurationToMillis(d time.Duration) Millis {
	return Millis(d / time.Millisecond)
}

// Clock supplies monotonic millisecond timestamps.
type Clock interface {
	Now() Millis
}

type systemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the Go runtime's monotonic clock.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() Millis {
	return Millis(time.Since(c.start) / time.Millisecond)
}
