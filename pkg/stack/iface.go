package stack

import (
	"net"
	"net/netip"
	"time"
)

// AddrState is the lifecycle state of an address assigned to an interface.
type AddrState int

const (
	// AddrInvalid means the address is not assigned to the interface.
	AddrInvalid AddrState = iota
	// AddrTentative means duplicate address detection is still running;
	// the address must not be used as a source and its ARP/NDP requests
	// must not be answered.
	AddrTentative
	// AddrPreferred means the address is fully usable.
	AddrPreferred
	// AddrDeprecated means the address should not be used for new
	// communication but existing flows may continue.
	AddrDeprecated
)

func (s AddrState) String() string {
	switch s {
	case AddrInvalid:
		return "invalid"
	case AddrTentative:
		return "tentative"
	case AddrPreferred:
		return "preferred"
	case AddrDeprecated:
		return "deprecated"
	default:
		return "unknown"
	}
}

// DefaultDADDuration is how long an address stays tentative before it is
// promoted to preferred, absent a detected conflict.
const DefaultDADDuration = 1 * time.Second

type ifaceAddr struct {
	addr     netip.Addr
	state    AddrState
	conflict bool
	dadTimer RetransTimer
}

// AddrInfo is a snapshot of one interface address.
type AddrInfo struct {
	Addr     netip.Addr
	State    AddrState
	Conflict bool
}

// Interface models one underlying network interface: its identity, link
// state, and address table. It is referenced, never owned, by the protocol
// state machines attached to it.
//
// All methods assume the caller holds the owning Stack's lock.
type Interface struct {
	Name  string
	Index int
	MAC   net.HardwareAddr
	MTU   int

	// DADDuration overrides DefaultDADDuration when nonzero.
	DADDuration time.Duration

	linkUp bool
	addrs  []ifaceAddr
}

// NewInterface creates an interface descriptor. The link starts down.
func NewInterface(name string, index int, mac net.HardwareAddr, mtu int) *Interface {
	return &Interface{Name: name, Index: index, MAC: mac, MTU: mtu}
}

// LinkUp reports the current link state.
func (i *Interface) LinkUp() bool { return i.linkUp }

// SetLinkUp records a link state change.
func (i *Interface) SetLinkUp(up bool) { i.linkUp = up }

func (i *Interface) find(addr netip.Addr) *ifaceAddr {
	for k := range i.addrs {
		if i.addrs[k].addr == addr {
			return &i.addrs[k]
		}
	}
	return nil
}

// AddAddr assigns an address to the interface. A newly assigned address
// starts tentative when tentative is true, otherwise preferred. Re-adding
// an existing address is a no-op. Reports whether the address was new.
func (i *Interface) AddAddr(addr netip.Addr, tentative bool, now Millis) bool {
	if i.find(addr) != nil {
		return false
	}
	a := ifaceAddr{addr: addr, state: AddrPreferred}
	if tentative {
		a.state = AddrTentative
		d := i.DADDuration
		if d == 0 {
			d = DefaultDADDuration
		}
		a.dadTimer.Reset(now, d)
	}
	i.addrs = append(i.addrs, a)
	return true
}

// RemoveAddr unassigns an address. Removing an unknown address is a no-op.
func (i *Interface) RemoveAddr(addr netip.Addr) {
	for k := range i.addrs {
		if i.addrs[k].addr == addr {
			i.addrs = append(i.addrs[:k], i.addrs[k+1:]...)
			return
		}
	}
}

// AddrStateOf returns the state of addr on this interface, or AddrInvalid.
func (i *Interface) AddrStateOf(addr netip.Addr) AddrState {
	if a := i.find(addr); a != nil {
		return a.state
	}
	return AddrInvalid
}

// SetConflict flags a tentative address as contested. The flag is consumed
// by the DAD logic of the owning state machine (e.g. the DHCPv6 client's
// Decline path); the address stays tentative until then.
func (i *Interface) SetConflict(addr netip.Addr) {
	if a := i.find(addr); a != nil && a.state == AddrTentative {
		a.conflict = true
	}
}

// ConflictOn reports whether a conflict has been flagged for addr.
func (i *Interface) ConflictOn(addr netip.Addr) bool {
	if a := i.find(addr); a != nil {
		return a.conflict
	}
	return false
}

// PrimaryAddr4 returns the first usable IPv4 address, or the zero Addr.
func (i *Interface) PrimaryAddr4() netip.Addr {
	for k := range i.addrs {
		a := &i.addrs[k]
		if a.addr.Is4() && a.state != AddrTentative {
			return a.addr
		}
	}
	return netip.Addr{}
}

// LinkLocalAddr6 returns the first usable IPv6 link-local address, or the
// zero Addr.
func (i *Interface) LinkLocalAddr6() netip.Addr {
	for k := range i.addrs {
		a := &i.addrs[k]
		if a.addr.Is6() && a.addr.IsLinkLocalUnicast() && a.state != AddrTentative {
			return a.addr
		}
	}
	return netip.Addr{}
}

// Addrs returns a snapshot of the address table.
func (i *Interface) Addrs() []AddrInfo {
	out := make([]AddrInfo, 0, len(i.addrs))
	for k := range i.addrs {
		a := &i.addrs[k]
		out = append(out, AddrInfo{Addr: a.addr, State: a.state, Conflict: a.conflict})
	}
	return out
}

// Tick promotes tentative addresses whose DAD interval elapsed without a
// conflict. Conflicted addresses stay tentative; their owner decides.
func (i *Interface) Tick(now Millis) {
	for k := range i.addrs {
		a := &i.addrs[k]
		if a.state == AddrTentative && !a.conflict && a.dadTimer.Expired(now) {
			a.state = AddrPreferred
		}
	}
}
