package arp

import (
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

// EntryState is the resolution state of a neighbor cache entry.
type EntryState int

const (
	// StateNone marks a free slot.
	StateNone EntryState = iota
	// StateIncomplete means a broadcast request is outstanding.
	StateIncomplete
	// StateReachable means the mapping was confirmed recently.
	StateReachable
	// StateStale means the reachable timer expired; the mapping is usable
	// but unconfirmed.
	StateStale
	// StateDelay means a re-confirmation probe is about to start.
	StateDelay
	// StateProbe means unicast probes are being sent.
	StateProbe
	// StatePermanent marks a static entry. It never expires, is never
	// queued to, and is never an eviction candidate.
	StatePermanent
)

func (s EntryState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateIncomplete:
		return "incomplete"
	case StateReachable:
		return "reachable"
	case StateStale:
		return "stale"
	case StateDelay:
		return "delay"
	case StateProbe:
		return "probe"
	case StatePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Cache geometry.
const (
	cacheSize       = 16
	maxQueuedFrames = 2
)

type queuedFrame struct {
	etherType uint16
	payload   []byte
}

type entry struct {
	state EntryState
	ip    netip.Addr
	mac   net.HardwareAddr
	timer stack.RetransTimer
	queue []queuedFrame
}

// enqueue appends a frame to the pending queue, evicting the oldest queued
// frame when full. The newest frame reflects current application intent
// better than a stale queued one.
func (e *entry) enqueue(f queuedFrame) (dropped bool) {
	if len(e.queue) >= maxQueuedFrames {
		copy(e.queue, e.queue[1:])
		e.queue[len(e.queue)-1] = f
		return true
	}
	e.queue = append(e.queue, f)
	return false
}

func (e *entry) dropQueue() {
	e.queue = nil
}

// findEntry returns the in-use entry for ip, or nil.
func (eng *Engine) findEntry(ip netip.Addr) *entry {
	for i := range eng.cache {
		if eng.cache[i].state != StateNone && eng.cache[i].ip == ip {
			return &eng.cache[i]
		}
	}
	return nil
}

// createEntry returns a slot for a new entry: a free slot if one exists,
// otherwise the least recently used non-permanent entry, preferring STALE
// entries as eviction candidates. Returns nil when every slot is permanent.
func (eng *Engine) createEntry(now stack.Millis) *entry {
	var oldestStale, oldest *entry
	for i := range eng.cache {
		e := &eng.cache[i]
		switch e.state {
		case StateNone:
			return e
		case StatePermanent:
			continue
		case StateStale:
			if oldestStale == nil || stack.TimeCompare(e.timer.Timestamp, oldestStale.timer.Timestamp) < 0 {
				oldestStale = e
			}
		}
		if oldest == nil || stack.TimeCompare(e.timer.Timestamp, oldest.timer.Timestamp) < 0 {
			oldest = e
		}
	}
	victim := oldestStale
	if victim == nil {
		victim = oldest
	}
	if victim != nil {
		victim.dropQueue()
		*victim = entry{}
	}
	return victim
}

// changeState performs a state transition, refreshing the entry timestamp
// at the moment of transition; the timestamp doubles as the LRU age.
func (eng *Engine) changeState(e *entry, s EntryState, timeout time.Duration) {
	e.state = s
	e.timer.Reset(eng.st.Now(), timeout)
}
