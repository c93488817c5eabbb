package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types recorded by the stack.
const (
	EventDHCP6State   = "DHCP6_STATE"
	EventDHCP6Bound   = "DHCP6_BOUND"
	EventDHCP6Timeout = "DHCP6_TIMEOUT"
	EventARPConflict  = "ARP_CONFLICT"
	EventNDPConflict  = "NDP_CONFLICT"
	EventDADFailed    = "DAD_FAILED"
	EventNeighborAdd  = "NEIGHBOR_ADD"
	EventNeighborFail = "NEIGHBOR_FAIL"
	EventMDNSConflict = "MDNS_CONFLICT"
	EventLinkChange   = "LINK_CHANGE"
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Time      time.Time
	Seq       uint64
	Type      string // EventDHCP6State, EventARPConflict, etc.
	Interface string
	Addr      string // address or neighbor the event concerns
	MAC       string // link-layer address, when known
	Detail    string // free-form detail ("Bound -> Renew", conflict source, ...)
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int    // next write position
	count int    // number of events stored
	seq   uint64 // monotonically increasing sequence number

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	eb.mu.Lock()
	eb.seq++
	rec.Seq = eb.seq
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Interface string // exact match on Interface; "" = no filter
	Type      string // case-insensitive substring match on Type
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Interface == "" && f.Type == ""
}

// Matches reports whether a record passes the filter.
func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Interface != "" && rec.Interface != f.Interface {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n == 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
