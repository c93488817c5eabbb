package dhcp6c

import (
	"net/netip"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

// addrEntry is one slot of the IA address table. A slot is in use iff
// validLifetime > 0; freed slots are reused, never compacted.
type addrEntry struct {
	addr      netip.Addr
	preferred time.Duration
	valid     time.Duration
}

func (e *addrEntry) inUse() bool { return e.valid > 0 }

// addAddr refreshes an existing entry for addr or claims the first free
// slot. When the table is full the address is silently dropped; the table
// never evicts.
func (c *Client) addAddr(addr netip.Addr, preferred, valid time.Duration) {
	var free *addrEntry
	for i := range c.addrs {
		e := &c.addrs[i]
		if e.inUse() && e.addr == addr {
			e.preferred = preferred
			e.valid = valid
			return
		}
		if free == nil && !e.inUse() {
			free = e
		}
	}
	if free != nil {
		*free = addrEntry{addr: addr, preferred: preferred, valid: valid}
	}
}

// removeAddr frees the slot for addr and withdraws it from the interface.
func (c *Client) removeAddr(addr netip.Addr) {
	for i := range c.addrs {
		if c.addrs[i].inUse() && c.addrs[i].addr == addr {
			c.addrs[i] = addrEntry{}
			c.set.Interface.RemoveAddr(addr)
			return
		}
	}
}

// flushAddrList frees every slot and withdraws the addresses from the
// interface.
func (c *Client) flushAddrList() {
	for i := range c.addrs {
		if c.addrs[i].inUse() {
			c.set.Interface.RemoveAddr(c.addrs[i].addr)
			c.addrs[i] = addrEntry{}
		}
	}
}

func (c *Client) hasValidAddrs() bool {
	for i := range c.addrs {
		if c.addrs[i].inUse() {
			return true
		}
	}
	return false
}

// removeExpiredAddrs withdraws addresses whose valid lifetime has elapsed
// since the lease started.
func (c *Client) removeExpiredAddrs(now stack.Millis) {
	for i := range c.addrs {
		e := &c.addrs[i]
		if !e.inUse() || e.valid >= infinityLifetime {
			continue
		}
		if stack.TimeCompare(now, c.leaseStart+stack.DurationToMillis(e.valid)) >= 0 {
			addr := e.addr
			*e = addrEntry{}
			c.set.Interface.RemoveAddr(addr)
		}
	}
}

// iaid derives the interface's IA identifier from the low four bytes of
// its MAC address, stable across restarts.
func (c *Client) iaid() [4]byte {
	mac := c.set.Interface.MAC
	var id [4]byte
	if len(mac) >= 4 {
		copy(id[:], mac[len(mac)-4:])
	}
	return id
}
