package stack

import "time"

// RetransTimer is the per-entity (timestamp, timeout, retransmission count)
// triple shared by every state machine in the stack. A state transition
// resets all three fields at once; tick handlers ask Expired and then either
// Rearm (retransmit) or perform their state-specific failure transition.
type RetransTimer struct {
	Timestamp Millis
	Timeout   Millis
	Count     int
}

// Reset starts a fresh interval and clears the retransmission count.
// Called on every state transition.
func (t *RetransTimer) Reset(now Millis, timeout time.Duration) {
	t.Timestamp = now
	t.Timeout = DurationToMillis(timeout)
	t.Count = 0
}

// Rearm refreshes the interval after a (re)transmission and bumps the count.
func (t *RetransTimer) Rearm(now Millis, timeout time.Duration) {
	t.Timestamp = now
	t.Timeout = DurationToMillis(timeout)
	t.Count++
}

// Touch refreshes the timestamp without disturbing timeout or count.
// The timestamp doubles as the LRU age for cache eviction.
func (t *RetransTimer) Touch(now Millis) {
	t.Timestamp = now
}

// Expired reports whether the interval has elapsed at time now.
// The unsigned subtraction keeps the test correct across wraparound.
func (t *RetransTimer) Expired(now Millis) bool {
	return now-t.Timestamp >= t.Timeout
}

// Elapsed returns the milliseconds since the last reset or rearm.
func (t *RetransTimer) Elapsed(now Millis) Millis {
	return now - t.Timestamp
}
