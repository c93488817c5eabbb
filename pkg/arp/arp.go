// Package arp implements the ARP resolution engine: an RFC 826 resolver
// with an RFC 5227-style probe cycle, a fixed-size neighbor cache, and
// transparent queuing of Ethernet frames awaiting resolution.
//
// All mutation happens under the owning Stack's exclusive lock; the engine
// is driven by a periodic Tick and by ProcessPacket calls from the receive
// path.
package arp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

// Timing and retry limits.
const (
	requestTimeout      = 1 * time.Second
	maxRequests         = 3
	reachableTime       = 60 * time.Second
	delayFirstProbeTime = 5 * time.Second
	probeTimeout        = 1 * time.Second
	maxProbes           = 2
)

var (
	// ErrInProgress means resolution has been started; the caller should
	// queue its frame and wait.
	ErrInProgress = errors.New("arp: resolution in progress")
	// ErrInvalidAddress means no mapping exists and none will be created.
	ErrInvalidAddress = errors.New("arp: no entry for address")
	// ErrNotResolving means a frame was offered for an address with no
	// outstanding resolution.
	ErrNotResolving = errors.New("arp: no resolution outstanding")
	// ErrCacheFull means every cache slot holds a permanent entry.
	ErrCacheFull = errors.New("arp: cache full")
)

// Stats holds engine counters, exported for the metrics collector.
type Stats struct {
	RequestsSent     uint64
	RepliesSent      uint64
	RepliesReceived  uint64
	QueueDrops       uint64
	FailedResolves   uint64
	ConflictsFlagged uint64
}

// EntryInfo is a snapshot of one cache entry.
type EntryInfo struct {
	IP    netip.Addr
	MAC   net.HardwareAddr
	State EntryState
}

// Engine is the per-interface ARP resolution engine.
type Engine struct {
	st      *stack.Stack
	ifc     *stack.Interface
	sender  stack.FrameSender
	enabled bool
	cache   [cacheSize]entry
	stats   Stats
}

// New creates an engine bound to one interface. The engine starts enabled;
// a disabled engine answers no requests and resolves only via static
// entries.
func New(st *stack.Stack, ifc *stack.Interface, sender stack.FrameSender) *Engine {
	return &Engine{st: st, ifc: ifc, sender: sender, enabled: true}
}

// SetEnabled enables or disables dynamic resolution.
func (eng *Engine) SetEnabled(on bool) {
	eng.st.Lock()
	defer eng.st.Unlock()
	eng.enabled = on
}

// Resolve maps an IPv4 address to a MAC address. A STALE entry answers
// immediately with the cached (possibly wrong) MAC while a background
// re-confirmation is kicked off. When no entry exists and the engine is
// enabled, a broadcast request is sent and ErrInProgress is returned.
func (eng *Engine) Resolve(ip netip.Addr) (net.HardwareAddr, error) {
	if !ip.Is4() {
		return nil, ErrInvalidAddress
	}
	eng.st.Lock()
	defer eng.st.Unlock()

	if e := eng.findEntry(ip); e != nil {
		switch e.state {
		case StateIncomplete:
			// A request is already outstanding; do not send another.
			return nil, ErrInProgress
		case StateStale:
			// Usable but unconfirmed: hand out the old MAC now and
			// re-verify asynchronously.
			eng.changeState(e, StateDelay, delayFirstProbeTime)
			return e.mac, nil
		default:
			return e.mac, nil
		}
	}

	if !eng.enabled {
		return nil, ErrInvalidAddress
	}

	now := eng.st.Now()
	e := eng.createEntry(now)
	if e == nil {
		return nil, ErrCacheFull
	}
	e.ip = ip
	eng.sendRequest(ip, stack.BroadcastMAC)
	eng.changeState(e, StateIncomplete, requestTimeout)
	return nil, ErrInProgress
}

// EnqueueFrame queues a frame for transmission once the address resolves.
// Only valid while the entry is INCOMPLETE; the per-entry queue is bounded
// and overflows by dropping the oldest queued frame.
func (eng *Engine) EnqueueFrame(ip netip.Addr, etherType uint16, payload []byte) error {
	eng.st.Lock()
	defer eng.st.Unlock()

	e := eng.findEntry(ip)
	if e == nil || e.state != StateIncomplete {
		return ErrNotResolving
	}
	// The queue owns its buffers; the caller may reuse payload.
	if e.enqueue(queuedFrame{etherType: etherType, payload: append([]byte(nil), payload...)}) {
		eng.stats.QueueDrops++
	}
	return nil
}

// AddStaticEntry installs a permanent mapping. Calling it again with the
// same address updates the MAC in place.
func (eng *Engine) AddStaticEntry(ip netip.Addr, mac net.HardwareAddr) error {
	if !ip.Is4() {
		return ErrInvalidAddress
	}
	eng.st.Lock()
	defer eng.st.Unlock()

	e := eng.findEntry(ip)
	if e == nil {
		e = eng.createEntry(eng.st.Now())
		if e == nil {
			return ErrCacheFull
		}
		e.ip = ip
	}
	e.dropQueue()
	e.mac = append(net.HardwareAddr(nil), mac...)
	eng.changeState(e, StatePermanent, 0)
	return nil
}

// RemoveStaticEntry removes a permanent mapping.
func (eng *Engine) RemoveStaticEntry(ip netip.Addr) error {
	eng.st.Lock()
	defer eng.st.Unlock()

	e := eng.findEntry(ip)
	if e == nil || e.state != StatePermanent {
		return ErrInvalidAddress
	}
	*e = entry{}
	return nil
}

// Flush discards every dynamic entry along with its queued frames. Static
// entries survive.
func (eng *Engine) Flush() {
	eng.st.Lock()
	defer eng.st.Unlock()

	for i := range eng.cache {
		if eng.cache[i].state != StateNone && eng.cache[i].state != StatePermanent {
			eng.cache[i].dropQueue()
			eng.cache[i] = entry{}
		}
	}
}

// Entries returns a snapshot of the in-use cache entries.
func (eng *Engine) Entries() []EntryInfo {
	eng.st.Lock()
	defer eng.st.Unlock()

	var out []EntryInfo
	for i := range eng.cache {
		e := &eng.cache[i]
		if e.state == StateNone {
			continue
		}
		out = append(out, EntryInfo{
			IP:    e.ip,
			MAC:   append(net.HardwareAddr(nil), e.mac...),
			State: e.state,
		})
	}
	return out
}

// Stats returns a copy of the engine counters.
func (eng *Engine) Stats() Stats {
	eng.st.Lock()
	defer eng.st.Unlock()
	return eng.stats
}

// Tick drives the per-entry timeout machinery. Must be called periodically,
// at an interval no longer than the shortest configured timeout.
func (eng *Engine) Tick() {
	eng.st.Lock()
	defer eng.st.Unlock()

	now := eng.st.Now()
	for i := range eng.cache {
		e := &eng.cache[i]
		switch e.state {
		case StateIncomplete:
			if !e.timer.Expired(now) {
				continue
			}
			if e.timer.Count < maxRequests {
				eng.sendRequest(e.ip, stack.BroadcastMAC)
				e.timer.Rearm(now, requestTimeout)
			} else {
				// Resolution abandoned: the queued traffic is dropped
				// silently, the slot freed.
				eng.stats.FailedResolves++
				e.dropQueue()
				*e = entry{}
			}
		case StateReachable:
			if e.timer.Expired(now) {
				// Confirmation is deferred until traffic flows again.
				eng.changeState(e, StateStale, 0)
			}
		case StateDelay:
			if e.timer.Expired(now) {
				eng.sendRequest(e.ip, e.mac)
				eng.changeState(e, StateProbe, probeTimeout)
			}
		case StateProbe:
			if !e.timer.Expired(now) {
				continue
			}
			if e.timer.Count < maxProbes {
				eng.sendRequest(e.ip, e.mac)
				e.timer.Rearm(now, probeTimeout)
			} else {
				// Neighbor stopped answering: force a fresh broadcast
				// resolution on next use.
				eng.stats.FailedResolves++
				*e = entry{}
			}
		}
	}
}

// ProcessPacket parses and dispatches one received ARP packet.
func (eng *Engine) ProcessPacket(b []byte) {
	p, err := parsePacket(b)
	if err != nil {
		slog.Debug("arp: dropping packet", "interface", eng.ifc.Name, "err", err)
		return
	}

	eng.st.Lock()
	defer eng.st.Unlock()

	switch p.op {
	case opRequest:
		eng.processRequest(p)
	case opReply:
		eng.processReply(p)
	}
}

// processRequest answers requests for our valid addresses and performs
// RFC 5227 conflict detection for tentative ones.
func (eng *Engine) processRequest(p *packet) {
	if p.senderIP.IsUnspecified() {
		// Address probe. A foreign station probing for one of our
		// tentative addresses means the address is contested.
		if eng.ifc.AddrStateOf(p.targetIP) == stack.AddrTentative &&
			!bytes.Equal(p.senderMAC, eng.ifc.MAC) {
			eng.ifc.SetConflict(p.targetIP)
			eng.stats.ConflictsFlagged++
		}
		return
	}

	// A foreign station sourcing one of our tentative addresses is a
	// conflict as well.
	if eng.ifc.AddrStateOf(p.senderIP) == stack.AddrTentative &&
		!bytes.Equal(p.senderMAC, eng.ifc.MAC) {
		eng.ifc.SetConflict(p.senderIP)
		eng.stats.ConflictsFlagged++
		return
	}

	if !eng.enabled {
		return
	}
	// Answer only for valid, non-tentative addresses of this interface.
	switch eng.ifc.AddrStateOf(p.targetIP) {
	case stack.AddrPreferred, stack.AddrDeprecated:
		eng.sendReply(p.targetIP, p.senderMAC, p.senderIP)
		eng.stats.RepliesSent++
	}
}

// processReply folds a reply into the cache.
func (eng *Engine) processReply(p *packet) {
	// Basic sanity against spoofed noise.
	if p.senderIP.IsUnspecified() || p.senderIP.IsMulticast() || isBroadcastIP(p.senderIP) {
		return
	}
	if isGroupMAC(p.senderMAC) || isZeroMAC(p.senderMAC) {
		return
	}
	// A reply naming one of our tentative addresses as target belongs to
	// duplicate address detection, not to resolution.
	if eng.ifc.AddrStateOf(p.targetIP) == stack.AddrTentative {
		return
	}

	e := eng.findEntry(p.senderIP)
	if e == nil {
		return
	}
	eng.stats.RepliesReceived++

	switch e.state {
	case StateIncomplete:
		e.mac = append(net.HardwareAddr(nil), p.senderMAC...)
		eng.flushQueue(e)
		eng.changeState(e, StateReachable, reachableTime)
	case StateReachable:
		// A different MAC is not trusted silently; demote and force
		// re-verification through the DELAY/PROBE path.
		if !bytes.Equal(e.mac, p.senderMAC) {
			eng.changeState(e, StateStale, 0)
		}
	case StateProbe:
		e.mac = append(net.HardwareAddr(nil), p.senderMAC...)
		eng.changeState(e, StateReachable, reachableTime)
	}
}

// flushQueue transmits the pending backlog directly, bypassing re-queuing.
func (eng *Engine) flushQueue(e *entry) {
	for _, f := range e.queue {
		if err := eng.sender.SendFrame(eng.ifc, e.mac, f.etherType, f.payload); err != nil {
			slog.Debug("arp: queued frame send failed",
				"interface", eng.ifc.Name, "ip", e.ip, "err", err)
		}
	}
	e.queue = nil
}

// sendRequest transmits a request for targetIP to dst (broadcast for
// initial resolution, unicast for probes). While the interface has no
// usable IPv4 address the sender protocol field stays unspecified, which
// makes the request an RFC 5227 probe.
func (eng *Engine) sendRequest(targetIP netip.Addr, dst net.HardwareAddr) {
	senderIP := eng.ifc.PrimaryAddr4()
	if !senderIP.IsValid() {
		senderIP = netip.AddrFrom4([4]byte{})
	}
	p := &packet{
		op:        opRequest,
		senderMAC: eng.ifc.MAC,
		senderIP:  senderIP,
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		targetIP:  targetIP,
	}
	eng.stats.RequestsSent++
	if err := eng.sender.SendFrame(eng.ifc, dst, stack.EtherTypeARP, p.marshal()); err != nil {
		slog.Debug("arp: request send failed",
			"interface", eng.ifc.Name, "target", targetIP, "err", err)
	}
}

// sendReply answers a request for ourIP.
func (eng *Engine) sendReply(ourIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) {
	p := &packet{
		op:        opReply,
		senderMAC: eng.ifc.MAC,
		senderIP:  ourIP,
		targetMAC: dstMAC,
		targetIP:  dstIP,
	}
	if err := eng.sender.SendFrame(eng.ifc, dstMAC, stack.EtherTypeARP, p.marshal()); err != nil {
		slog.Debug("arp: reply send failed",
			"interface", eng.ifc.Name, "to", dstIP, "err", err)
	}
}

func isBroadcastIP(a netip.Addr) bool {
	return a == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func isGroupMAC(m net.HardwareAddr) bool {
	return len(m) == 6 && m[0]&0x01 != 0
}

func isZeroMAC(m net.HardwareAddr) bool {
	for _, b := range m {
		if b != 0 {
			return false
		}
	}
	return true
}
