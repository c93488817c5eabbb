// Package sysbind mirrors addresses owned by the userspace stack onto the
// kernel interface via netlink, so the host networking stack can actually
// use leases the DHCPv6 client acquires.
package sysbind

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

// Binder installs and removes interface addresses through a netlink handle.
type Binder struct {
	mu        sync.Mutex
	nl        *netlink.Handle
	installed map[string]map[netip.Addr]bool // iface -> addrs we put there
}

// New opens a netlink handle.
func New() (*Binder, error) {
	nlh, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &Binder{
		nl:        nlh,
		installed: make(map[string]map[netip.Addr]bool),
	}, nil
}

// Close releases the netlink handle.
func (b *Binder) Close() {
	if b.nl != nil {
		b.nl.Close()
	}
}

// InstallAddr installs or refreshes an address on the kernel interface with
// the given lifetimes. A zero or overlong lifetime maps to forever.
func (b *Binder) InstallAddr(ifaceName string, addr netip.Addr, preferred, valid time.Duration) error {
	link, err := b.nl.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", ifaceName, err)
	}

	nlAddr := &netlink.Addr{
		IPNet:       addrToIPNet(addr),
		PreferedLft: lifetimeSeconds(preferred),
		ValidLft:    lifetimeSeconds(valid),
	}
	if err := b.nl.AddrReplace(link, nlAddr); err != nil {
		return fmt.Errorf("addr replace: %w", err)
	}

	b.mu.Lock()
	if b.installed[ifaceName] == nil {
		b.installed[ifaceName] = make(map[netip.Addr]bool)
	}
	b.installed[ifaceName][addr] = true
	b.mu.Unlock()

	slog.Info("installed address", "interface", ifaceName, "addr", addr,
		"preferred", preferred, "valid", valid)
	return nil
}

// RemoveAddr removes an address from the kernel interface. Failures are
// logged, not returned; the address may already be gone.
func (b *Binder) RemoveAddr(ifaceName string, addr netip.Addr) {
	b.mu.Lock()
	if m := b.installed[ifaceName]; m != nil {
		delete(m, addr)
	}
	b.mu.Unlock()

	link, err := b.nl.LinkByName(ifaceName)
	if err != nil {
		return
	}
	if err := b.nl.AddrDel(link, &netlink.Addr{IPNet: addrToIPNet(addr)}); err != nil {
		slog.Warn("failed to remove address",
			"interface", ifaceName, "addr", addr, "err", err)
	}
}

// SyncAddrs reconciles the kernel interface with the wanted address set:
// missing addresses are installed, previously installed addresses that are
// no longer wanted are removed.
func (b *Binder) SyncAddrs(ifaceName string, wanted map[netip.Addr][2]time.Duration) {
	b.mu.Lock()
	var stale []netip.Addr
	for addr := range b.installed[ifaceName] {
		if _, ok := wanted[addr]; !ok {
			stale = append(stale, addr)
		}
	}
	b.mu.Unlock()

	for _, addr := range stale {
		b.RemoveAddr(ifaceName, addr)
	}
	for addr, lt := range wanted {
		if err := b.InstallAddr(ifaceName, addr, lt[0], lt[1]); err != nil {
			slog.Warn("failed to install address",
				"interface", ifaceName, "addr", addr, "err", err)
		}
	}
}

// Installed returns the addresses this binder believes it has put on the
// interface.
func (b *Binder) Installed(ifaceName string) []netip.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []netip.Addr
	for addr := range b.installed[ifaceName] {
		out = append(out, addr)
	}
	return out
}

// addrToIPNet converts a host address to a single-address IPNet.
func addrToIPNet(addr netip.Addr) *net.IPNet {
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(bits, bits),
	}
}

// lifetimeSeconds converts a lease lifetime to the seconds value netlink
// expects. Zero means the address has no expiry.
func lifetimeSeconds(d time.Duration) int {
	if d <= 0 {
		return int(math.MaxUint32) // forever
	}
	secs := int64(d / time.Second)
	if secs >= math.MaxUint32 {
		return int(math.MaxUint32)
	}
	return int(secs)
}
