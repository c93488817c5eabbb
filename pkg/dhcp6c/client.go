// Package dhcp6c implements a DHCPv6 client (RFC 8415) for stateful address
// configuration: the Solicit/Advertise/Request/Reply exchange with server
// preference tie-breaking and optional rapid commit, lease maintenance via
// Renew/Rebind with T1/T2 derivation, Confirm after link transitions, and
// Decline of addresses that fail duplicate address detection.
//
// The client is timer-driven: Tick must be called periodically and received
// messages are fed in through ProcessMessage. All user callbacks run with
// the stack lock released.
package dhcp6c

import (
	"math"
	"math/rand"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/ustack/pkg/stack"
)

// State is the client's position in the configuration exchange.
type State int

const (
	StateInit State = iota
	StateSolicit
	StateRequest
	StateInitConfirm
	StateConfirm
	StateDad
	StateBound
	StateRenew
	StateRebind
	StateRelease
	StateDecline
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSolicit:
		return "solicit"
	case StateRequest:
		return "request"
	case StateInitConfirm:
		return "init-confirm"
	case StateConfirm:
		return "confirm"
	case StateDad:
		return "dad"
	case StateBound:
		return "bound"
	case StateRenew:
		return "renew"
	case StateRebind:
		return "rebind"
	case StateRelease:
		return "release"
	case StateDecline:
		return "decline"
	default:
		return "unknown"
	}
}

// Table geometry and identity limits.
const (
	iaAddrListSize = 4
	maxDNSServers  = 2
	maxDUIDLen     = 32
)

// infinityLifetime is the RFC 8415 infinity value (0xffffffff seconds).
const infinityLifetime = time.Duration(math.MaxUint32) * time.Second

// Retransmission parameters, RFC 8415 section 7.6.
const (
	solMaxDelay = 1 * time.Second
	solTimeout  = 1 * time.Second
	solMaxRT    = 3600 * time.Second
	reqTimeout  = 1 * time.Second
	reqMaxRT    = 30 * time.Second
	reqMaxRC    = 10
	cnfMaxDelay = 1 * time.Second
	cnfTimeout  = 1 * time.Second
	cnfMaxRT    = 4 * time.Second
	cnfMaxRD    = 10 * time.Second
	renTimeout  = 10 * time.Second
	renMaxRT    = 600 * time.Second
	rebTimeout  = 10 * time.Second
	rebMaxRT    = 600 * time.Second
	relTimeout  = 1 * time.Second
	relMaxRC    = 5
	decTimeout  = 1 * time.Second
	decMaxRC    = 5
)

// Settings configures a Client at creation time. Callback fields are
// optional; state-change, timeout, and link-change callbacks run with the
// stack lock released and may reenter the public API.
type Settings struct {
	Interface *stack.Interface
	Transport stack.Transport

	// RapidCommit requests the two-message Solicit/Reply exchange.
	RapidCommit bool
	// ManualDNS suppresses DNS server learning from Reply messages.
	ManualDNS bool
	// Timeout bounds the whole configuration attempt; when it elapses
	// without a lease, OnTimeout fires once. Zero disables.
	Timeout time.Duration

	// AddOptions may append options to an outgoing message. If it adds an
	// Option Request option, the client's own is suppressed.
	AddOptions func(msg *dhcpv6.Message)
	// ParseOptions sees every accepted Reply before it is processed.
	ParseOptions func(msg *dhcpv6.Message)

	OnStateChange func(c *Client, s State)
	OnTimeout     func(c *Client)
	OnLinkChange  func(c *Client, up bool)
}

// Client is a per-interface DHCPv6 client context.
type Client struct {
	st  *stack.Stack
	set Settings

	state            State
	running          bool
	timeoutEventDone bool

	xid              dhcpv6.TransactionID
	clientID         dhcpv6.DUID
	serverID         []byte
	serverPreference int

	t1, t2    time.Duration
	addrs     [iaAddrListSize]addrEntry
	declining []addrEntry
	dns       []netip.Addr

	timer stack.RetransTimer
	rt    time.Duration

	exchangeStart stack.Millis
	configStart   stack.Millis
	leaseStart    stack.Millis
}

// New creates a client bound to one interface. The client identifier is a
// DUID-LL derived from the interface MAC.
func New(st *stack.Stack, set Settings) *Client {
	return &Client{
		st:  st,
		set: set,
		clientID: &dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: set.Interface.MAC,
		},
		serverPreference: -1,
	}
}

// Start begins (or resumes) address configuration. Idempotent.
func (c *Client) Start() {
	c.st.Lock()
	defer c.st.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.timeoutEventDone = false
	c.configStart = c.st.Now()
	c.changeState(StateInit, 0)
}

// Stop halts the client without releasing the lease on the wire. Addresses
// stay assigned; use Release for a clean hand-back.
func (c *Client) Stop() {
	c.st.Lock()
	defer c.st.Unlock()
	c.running = false
}

// Release hands the lease back to the server. Valid only while bound; the
// client stops once the Release exchange completes.
func (c *Client) Release() bool {
	c.st.Lock()
	defer c.st.Unlock()
	if c.state != StateBound {
		return false
	}
	// Withdraw the addresses from the interface now; the table entries
	// stay in use so the Release message can name them.
	for i := range c.addrs {
		if c.addrs[i].inUse() {
			c.set.Interface.RemoveAddr(c.addrs[i].addr)
		}
	}
	c.changeState(StateRelease, 0)
	return true
}

// State returns the current state.
func (c *Client) State() State {
	c.st.Lock()
	defer c.st.Unlock()
	return c.state
}

// BoundAddr is a snapshot of one leased address.
type BoundAddr struct {
	Addr      netip.Addr
	Preferred time.Duration
	Valid     time.Duration
	AddrState stack.AddrState
}

// Binding is a snapshot of the client's lease, for display surfaces.
type Binding struct {
	State    State
	ServerID []byte
	T1, T2   time.Duration
	Addrs    []BoundAddr
	DNS      []netip.Addr
}

// Binding returns a snapshot of the current lease state.
func (c *Client) Binding() Binding {
	c.st.Lock()
	defer c.st.Unlock()
	b := Binding{
		State:    c.state,
		ServerID: append([]byte(nil), c.serverID...),
		T1:       c.t1,
		T2:       c.t2,
		DNS:      append([]netip.Addr(nil), c.dns...),
	}
	for i := range c.addrs {
		e := &c.addrs[i]
		if !e.inUse() {
			continue
		}
		b.Addrs = append(b.Addrs, BoundAddr{
			Addr:      e.addr,
			Preferred: e.preferred,
			Valid:     e.valid,
			AddrState: c.set.Interface.AddrStateOf(e.addr),
		})
	}
	return b
}

// DNSServers returns the servers learned from the last accepted Reply.
func (c *Client) DNSServers() []netip.Addr {
	c.st.Lock()
	defer c.st.Unlock()
	return append([]netip.Addr(nil), c.dns...)
}

// LinkChangeEvent must be called when the interface link state changes.
// Link-up with a previous lease triggers Confirm; link-down withdraws the
// addresses from the interface but keeps the lease table so Confirm can
// name them later.
func (c *Client) LinkChangeEvent(up bool) {
	c.st.Lock()
	defer c.st.Unlock()

	c.set.Interface.SetLinkUp(up)
	if up {
		if c.running {
			c.timeoutEventDone = false
			c.configStart = c.st.Now()
			if c.hasValidAddrs() {
				c.changeState(StateInitConfirm, 0)
			} else {
				c.changeState(StateInit, 0)
			}
		}
	} else {
		for i := range c.addrs {
			if c.addrs[i].inUse() {
				c.set.Interface.RemoveAddr(c.addrs[i].addr)
			}
		}
	}
	if c.set.OnLinkChange != nil {
		c.st.RunUnlocked(func() { c.set.OnLinkChange(c, up) })
	}
}

// changeState performs a state transition: the retransmission triple is
// reset atomically with the state, then the user callback (if any) runs
// with the lock released.
func (c *Client) changeState(s State, timeout time.Duration) {
	c.state = s
	c.timer.Reset(c.st.Now(), timeout)
	if c.set.OnStateChange != nil {
		c.st.RunUnlocked(func() { c.set.OnStateChange(c, s) })
	}
}

// Tick drives the state machine. Call it at least every few hundred
// milliseconds.
func (c *Client) Tick() {
	c.st.Lock()
	defer c.st.Unlock()

	now := c.st.Now()
	c.checkTimeout(now)

	switch c.state {
	case StateInit:
		c.tickInit(now)
	case StateSolicit:
		c.tickRetransmit(now, dhcpv6.MessageTypeSolicit, solTimeout, solMaxRT, 0, StateInit)
	case StateRequest:
		c.tickRetransmit(now, dhcpv6.MessageTypeRequest, reqTimeout, reqMaxRT, reqMaxRC, StateInit)
	case StateInitConfirm:
		c.changeState(StateConfirm, time.Duration(rand.Int63n(int64(cnfMaxDelay))))
	case StateConfirm:
		c.tickConfirm(now)
	case StateDad:
		c.tickDad()
	case StateBound:
		c.tickBound(now)
	case StateRenew:
		c.tickRenew(now)
	case StateRebind:
		c.tickRebind(now)
	case StateRelease:
		c.tickRelease(now)
	case StateDecline:
		c.tickDecline(now)
	}
}

// checkTimeout fires the one-shot configuration timeout callback.
func (c *Client) checkTimeout(now stack.Millis) {
	if !c.running || c.timeoutEventDone || c.set.Timeout == 0 || c.set.OnTimeout == nil {
		return
	}
	switch c.state {
	case StateBound, StateRenew, StateRebind:
		return
	}
	if stack.TimeCompare(now, c.configStart+stack.DurationToMillis(c.set.Timeout)) >= 0 {
		c.timeoutEventDone = true
		c.st.RunUnlocked(func() { c.set.OnTimeout(c) })
	}
}

func (c *Client) tickInit(now stack.Millis) {
	if !c.running || !c.set.Interface.LinkUp() {
		return
	}
	c.flushAddrList()
	c.declining = nil
	c.serverID = nil
	c.serverPreference = -1
	c.dns = nil
	c.t1, c.t2 = 0, 0
	c.changeState(StateSolicit, time.Duration(rand.Int63n(int64(solMaxDelay))))
}

// tickRetransmit is the shared exponential-backoff transmitter for the
// Solicit and Request exchanges. maxRC of 0 means retransmit forever; on
// exhaustion the client falls back to failState.
func (c *Client) tickRetransmit(now stack.Millis, mt dhcpv6.MessageType, irt, mrt time.Duration, maxRC int, failState State) {
	if !c.timer.Expired(now) {
		return
	}
	if maxRC > 0 && c.timer.Count >= maxRC {
		c.flushAddrList()
		c.changeState(failState, 0)
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
		c.rt = irt
	} else {
		c.rt = nextRT(c.rt, mrt)
	}
	c.sendMessage(mt)
	c.timer.Rearm(now, c.rt)
}

// tickConfirm bounds the Confirm exchange by duration rather than count;
// absent any answer the previous lease is assumed still valid.
func (c *Client) tickConfirm(now stack.Millis) {
	if !c.timer.Expired(now) {
		return
	}
	if c.timer.Count > 0 && stack.TimeCompare(now, c.exchangeStart+stack.DurationToMillis(cnfMaxRD)) >= 0 {
		c.commitAddrs(now, false)
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
		c.rt = cnfTimeout
	} else {
		c.rt = nextRT(c.rt, cnfMaxRT)
	}
	c.sendMessage(dhcpv6.MessageTypeConfirm)
	c.timer.Rearm(now, c.rt)
}

// tickDad watches duplicate address detection on the interface. Conflicted
// addresses are pulled out for Decline; once nothing is tentative the
// client settles into Bound.
func (c *Client) tickDad() {
	waiting := false
	for i := range c.addrs {
		e := &c.addrs[i]
		if !e.inUse() {
			continue
		}
		if c.set.Interface.AddrStateOf(e.addr) != stack.AddrTentative {
			continue
		}
		if c.set.Interface.ConflictOn(e.addr) {
			c.declining = append(c.declining, *e)
			c.set.Interface.RemoveAddr(e.addr)
			*e = addrEntry{}
		} else {
			waiting = true
		}
	}
	if waiting {
		return
	}
	if len(c.declining) > 0 {
		c.changeState(StateDecline, 0)
		return
	}
	if !c.hasValidAddrs() {
		c.changeState(StateInit, 0)
		return
	}
	c.changeState(StateBound, 0)
}

func (c *Client) tickBound(now stack.Millis) {
	c.removeExpiredAddrs(now)
	if !c.hasValidAddrs() {
		c.changeState(StateInit, 0)
		return
	}
	if c.t1 >= infinityLifetime {
		return
	}
	if stack.TimeCompare(now, c.leaseStart+stack.DurationToMillis(c.t1)) >= 0 {
		c.changeState(StateRenew, 0)
	}
}

func (c *Client) tickRenew(now stack.Millis) {
	if !c.timer.Expired(now) {
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
		c.rt = renTimeout
		c.sendMessage(dhcpv6.MessageTypeRenew)
		c.timer.Rearm(now, c.rt)
		return
	}
	if c.t2 < infinityLifetime &&
		stack.TimeCompare(now, c.leaseStart+stack.DurationToMillis(c.t2)) >= 0 {
		c.changeState(StateRebind, 0)
		return
	}
	c.rt = nextRT(c.rt, renMaxRT)
	c.sendMessage(dhcpv6.MessageTypeRenew)
	c.timer.Rearm(now, c.rt)
}

func (c *Client) tickRebind(now stack.Millis) {
	if !c.timer.Expired(now) {
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
		c.rt = rebTimeout
		c.sendMessage(dhcpv6.MessageTypeRebind)
		c.timer.Rearm(now, c.rt)
		return
	}
	c.removeExpiredAddrs(now)
	if !c.hasValidAddrs() {
		// The whole lease expired without any server answering.
		c.changeState(StateInit, 0)
		return
	}
	c.rt = nextRT(c.rt, rebMaxRT)
	c.sendMessage(dhcpv6.MessageTypeRebind)
	c.timer.Rearm(now, c.rt)
}

func (c *Client) tickRelease(now stack.Millis) {
	if !c.timer.Expired(now) {
		return
	}
	if c.timer.Count >= relMaxRC {
		c.running = false
		c.flushAddrList()
		c.changeState(StateInit, 0)
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
	}
	c.sendMessage(dhcpv6.MessageTypeRelease)
	c.timer.Rearm(now, relTimeout)
}

func (c *Client) tickDecline(now stack.Millis) {
	if !c.timer.Expired(now) {
		return
	}
	if c.timer.Count >= decMaxRC {
		c.declining = nil
		c.changeState(StateInit, 0)
		return
	}
	if c.timer.Count == 0 {
		c.newTransaction(now)
	}
	c.sendMessage(dhcpv6.MessageTypeDecline)
	c.timer.Rearm(now, decTimeout)
}

// commitAddrs installs every in-use table entry on the interface, derives
// T1/T2 where the server left them to us, and settles into Dad or Bound.
// Shared by the Reply path and the Confirm no-answer path. tentative says
// whether newly installed addresses must pass duplicate address detection;
// addresses reinstated by Confirm already did.
func (c *Client) commitAddrs(now stack.Millis, tentative bool) {
	var (
		totalValid   int
		minPreferred = infinityLifetime
		hasNew       bool
	)
	for i := range c.addrs {
		e := &c.addrs[i]
		if !e.inUse() {
			continue
		}
		totalValid++
		if e.preferred < minPreferred {
			minPreferred = e.preferred
		}
		if c.set.Interface.AddAddr(e.addr, tentative, now) && tentative {
			hasNew = true
		}
		if c.set.Interface.AddrStateOf(e.addr) == stack.AddrTentative {
			hasNew = true
		}
	}
	if totalValid == 0 {
		c.flushAddrList()
		c.changeState(StateInit, 0)
		return
	}

	c.leaseStart = now
	// T1/T2 are derived locally only when the server supplied zero.
	if c.t1 == 0 {
		if minPreferred >= infinityLifetime {
			c.t1 = infinityLifetime
		} else {
			c.t1 = minPreferred / 2
		}
	}
	if c.t2 == 0 {
		if c.t1 >= infinityLifetime {
			c.t2 = infinityLifetime
		} else {
			c.t2 = c.t1 + c.t1/2
		}
	}

	if hasNew {
		c.changeState(StateDad, 0)
	} else {
		c.changeState(StateBound, 0)
	}
}

// nextRT doubles the retransmission timeout up to the cap.
func nextRT(rt, mrt time.Duration) time.Duration {
	rt *= 2
	if rt > mrt {
		rt = mrt
	}
	return rt
}
