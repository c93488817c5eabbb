// Package ndp implements IPv6 neighbor discovery (RFC 4861): a neighbor
// cache with the same timeout discipline as the ARP engine, and duplicate
// address detection probing (RFC 4862) for tentative interface addresses.
package ndp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

// RFC 4861 protocol constants.
const (
	retransTimer        = 1 * time.Second
	maxMulticastSolicit = 3
	maxUnicastSolicit   = 3
	reachableTime       = 30 * time.Second
	delayFirstProbeTime = 5 * time.Second

	cacheSize    = 16
	dadTransmits = 1
)

// EntryState mirrors the RFC 4861 neighbor cache states.
type EntryState int

const (
	StateNone EntryState = iota
	StateIncomplete
	StateReachable
	StateStale
	StateDelay
	StateProbe
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
	default:
		return "unknown"
	}
}

var (
	// ErrInProgress means a solicitation is outstanding.
	ErrInProgress = errors.New("ndp: resolution in progress")
	// ErrNoEntry means no mapping exists.
	ErrNoEntry = errors.New("ndp: no entry for address")
)

// MessageSender transmits an ICMPv6 neighbor discovery message. src may be
// the unspecified address for DAD probes.
type MessageSender interface {
	SendNDP(ifc *stack.Interface, src, dst netip.Addr, msg []byte) error
}

type entry struct {
	state EntryState
	ip    netip.Addr
	mac   net.HardwareAddr
	timer stack.RetransTimer
}

// EntryInfo is a snapshot of one neighbor cache entry.
type EntryInfo struct {
	IP    netip.Addr
	MAC   net.HardwareAddr
	State EntryState
}

// Engine is the per-interface neighbor discovery engine.
type Engine struct {
	st     *stack.Stack
	ifc    *stack.Interface
	sender MessageSender
	cache  [cacheSize]entry
	// dadProbes counts probes sent per tentative address.
	dadProbes map[netip.Addr]int
}

// New creates an engine bound to one interface.
func New(st *stack.Stack, ifc *stack.Interface, sender MessageSender) *Engine {
	return &Engine{st: st, ifc: ifc, sender: sender, dadProbes: make(map[netip.Addr]int)}
}

// Resolve maps an IPv6 address to a MAC address. The state semantics match
// the ARP engine: STALE answers immediately and re-verifies in the
// background, a miss starts a multicast solicitation.
func (eng *Engine) Resolve(ip netip.Addr) (net.HardwareAddr, error) {
	eng.st.Lock()
	defer eng.st.Unlock()

	if e := eng.findEntry(ip); e != nil {
		switch e.state {
		case StateIncomplete:
			return nil, ErrInProgress
		case StateStale:
			eng.changeState(e, StateDelay, delayFirstProbeTime)
			return e.mac, nil
		default:
			return e.mac, nil
		}
	}

	e := eng.createEntry()
	if e == nil {
		return nil, ErrNoEntry
	}
	e.ip = ip
	eng.sendSolicit(ip, solicitedNodeMulticast(ip), eng.ifc.LinkLocalAddr6())
	eng.changeState(e, StateIncomplete, retransTimer)
	return nil, ErrInProgress
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

// Flush discards the whole cache.
func (eng *Engine) Flush() {
	eng.st.Lock()
	defer eng.st.Unlock()
	for i := range eng.cache {
		eng.cache[i] = entry{}
	}
}

// Tick drives cache timeouts and DAD probing.
func (eng *Engine) Tick() {
	eng.st.Lock()
	defer eng.st.Unlock()

	now := eng.st.Now()
	eng.tickDAD()

	for i := range eng.cache {
		e := &eng.cache[i]
		switch e.state {
		case StateIncomplete:
			if !e.timer.Expired(now) {
				continue
			}
			if e.timer.Count < maxMulticastSolicit {
				eng.sendSolicit(e.ip, solicitedNodeMulticast(e.ip), eng.ifc.LinkLocalAddr6())
				e.timer.Rearm(now, retransTimer)
			} else {
				*e = entry{}
			}
		case StateReachable:
			if e.timer.Expired(now) {
				eng.changeState(e, StateStale, 0)
			}
		case StateDelay:
			if e.timer.Expired(now) {
				eng.sendSolicit(e.ip, e.ip, eng.ifc.LinkLocalAddr6())
				eng.changeState(e, StateProbe, retransTimer)
			}
		case StateProbe:
			if !e.timer.Expired(now) {
				continue
			}
			if e.timer.Count < maxUnicastSolicit {
				eng.sendSolicit(e.ip, e.ip, eng.ifc.LinkLocalAddr6())
				e.timer.Rearm(now, retransTimer)
			} else {
				*e = entry{}
			}
		}
	}
}

// tickDAD sends the probe for each tentative address that has not been
// probed yet and forgets completed ones.
func (eng *Engine) tickDAD() {
	seen := make(map[netip.Addr]bool)
	for _, a := range eng.ifc.Addrs() {
		if !a.Addr.Is6() || a.State != stack.AddrTentative || a.Conflict {
			continue
		}
		seen[a.Addr] = true
		if eng.dadProbes[a.Addr] >= dadTransmits {
			continue
		}
		// DAD probes go out with the unspecified source (RFC 4862).
		eng.sendSolicit(a.Addr, solicitedNodeMulticast(a.Addr), netip.IPv6Unspecified())
		eng.dadProbes[a.Addr]++
	}
	for a := range eng.dadProbes {
		if !seen[a] {
			delete(eng.dadProbes, a)
		}
	}
}

// ProcessMessage parses and dispatches one received neighbor discovery
// message. src is the IPv6 source of the carrying packet.
func (eng *Engine) ProcessMessage(src netip.Addr, b []byte) {
	m, err := parseNeighborMsg(b)
	if err != nil {
		slog.Debug("ndp: dropping message", "interface", eng.ifc.Name, "err", err)
		return
	}

	eng.st.Lock()
	defer eng.st.Unlock()

	switch m.icmpType {
	case typeNeighborSolicit:
		eng.processSolicit(src, m)
	case typeNeighborAdvert:
		eng.processAdvert(src, m)
	}
}

// processSolicit answers solicitations for our valid addresses and treats
// solicitations touching tentative addresses as DAD traffic.
func (eng *Engine) processSolicit(src netip.Addr, m *neighborMsg) {
	switch eng.ifc.AddrStateOf(m.target) {
	case stack.AddrTentative:
		// Another node soliciting our tentative target is either doing
		// DAD for the same address or already using it.
		if src.IsUnspecified() || (m.hasLLAddr && !bytes.Equal(m.linkAddr, eng.ifc.MAC)) {
			eng.ifc.SetConflict(m.target)
		}
		return
	case stack.AddrPreferred, stack.AddrDeprecated:
	default:
		return
	}
	if src.IsUnspecified() {
		// DAD probe for an address we already own: advertise it.
		eng.sendAdvert(m.target, netip.MustParseAddr("ff02::1"), flagOverride)
		return
	}
	if m.hasLLAddr {
		eng.learn(src, m.linkAddr)
	}
	eng.sendAdvert(m.target, src, flagSolicited|flagOverride)
}

// processAdvert folds an advertisement into the cache and performs
// conflict detection for tentative addresses.
func (eng *Engine) processAdvert(_ netip.Addr, m *neighborMsg) {
	if eng.ifc.AddrStateOf(m.target) == stack.AddrTentative {
		eng.ifc.SetConflict(m.target)
		return
	}
	e := eng.findEntry(m.target)
	if e == nil || !m.hasLLAddr {
		return
	}
	switch e.state {
	case StateIncomplete:
		e.mac = append(net.HardwareAddr(nil), m.linkAddr...)
		eng.changeState(e, StateReachable, reachableTime)
	case StateReachable:
		if !bytes.Equal(e.mac, m.linkAddr) && m.flags&flagOverride == 0 {
			eng.changeState(e, StateStale, 0)
		} else if !bytes.Equal(e.mac, m.linkAddr) {
			e.mac = append(net.HardwareAddr(nil), m.linkAddr...)
		}
	case StateProbe:
		e.mac = append(net.HardwareAddr(nil), m.linkAddr...)
		eng.changeState(e, StateReachable, reachableTime)
	}
}

// learn records a sender's link-layer address as STALE, the RFC 4861
// treatment for unsolicited information.
func (eng *Engine) learn(ip netip.Addr, mac net.HardwareAddr) {
	e := eng.findEntry(ip)
	if e == nil {
		e = eng.createEntry()
		if e == nil {
			return
		}
		e.ip = ip
		e.mac = append(net.HardwareAddr(nil), mac...)
		eng.changeState(e, StateStale, 0)
		return
	}
	if e.state != StateIncomplete && !bytes.Equal(e.mac, mac) {
		e.mac = append(net.HardwareAddr(nil), mac...)
		eng.changeState(e, StateStale, 0)
	}
}

func (eng *Engine) findEntry(ip netip.Addr) *entry {
	for i := range eng.cache {
		if eng.cache[i].state != StateNone && eng.cache[i].ip == ip {
			return &eng.cache[i]
		}
	}
	return nil
}

// createEntry claims a free slot, else evicts the oldest entry, preferring
// STALE victims, the same policy as the ARP cache.
func (eng *Engine) createEntry() *entry {
	var oldestStale, oldest *entry
	for i := range eng.cache {
		e := &eng.cache[i]
		if e.state == StateNone {
			return e
		}
		if e.state == StateStale {
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
	*victim = entry{}
	return victim
}

func (eng *Engine) changeState(e *entry, s EntryState, timeout time.Duration) {
	e.state = s
	e.timer.Reset(eng.st.Now(), timeout)
}

func (eng *Engine) sendSolicit(target, dst, src netip.Addr) {
	m := &neighborMsg{icmpType: typeNeighborSolicit, target: target}
	if !src.IsUnspecified() {
		m.linkAddr = eng.ifc.MAC
		m.hasLLAddr = true
	}
	if err := eng.sender.SendNDP(eng.ifc, src, dst, m.marshal()); err != nil {
		slog.Debug("ndp: solicit send failed",
			"interface", eng.ifc.Name, "target", target, "err", err)
	}
}

func (eng *Engine) sendAdvert(target, dst netip.Addr, flags byte) {
	m := &neighborMsg{
		icmpType:  typeNeighborAdvert,
		flags:     flags,
		target:    target,
		linkAddr:  eng.ifc.MAC,
		hasLLAddr: true,
	}
	src := eng.ifc.LinkLocalAddr6()
	if !src.IsValid() {
		src = target
	}
	if err := eng.sender.SendNDP(eng.ifc, src, dst, m.marshal()); err != nil {
		slog.Debug("ndp: advert send failed",
			"interface", eng.ifc.Name, "target", target, "err", err)
	}
}
