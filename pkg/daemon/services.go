package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/psaab/ustack/pkg/api"
	"github.com/psaab/ustack/pkg/arp"
	"github.com/psaab/ustack/pkg/config"
	"github.com/psaab/ustack/pkg/dhcp6c"
	"github.com/psaab/ustack/pkg/logging"
	"github.com/psaab/ustack/pkg/mdns"
	"github.com/psaab/ustack/pkg/nbns"
	"github.com/psaab/ustack/pkg/ndp"
	"github.com/psaab/ustack/pkg/netio"
	"github.com/psaab/ustack/pkg/snmp"
	"github.com/psaab/ustack/pkg/stack"
)

// ifaceService bundles one configured interface with its protocol engines
// and sockets. Engines are nil when the protocol is disabled or its socket
// could not be opened.
type ifaceService struct {
	cfg  *config.InterfaceConfig
	ifc  *stack.Interface
	osIf *net.Interface

	arp  *arp.Engine
	ndp  *ndp.Engine
	dhcp *dhcp6c.Client
	mdns *mdns.Responder
	nbns *nbns.Responder

	arpSock  *netio.PacketSock
	mdnsConn *netio.MDNSConn

	conflicted map[netip.Addr]bool
}

// sharedConns are the sockets shared across interfaces.
type sharedConns struct {
	dhcp6 *netio.DHCP6Conn
	icmp6 *netio.ICMP6Conn
	nbns  *netio.NBNSConn
}

func (s *sharedConns) close() {
	if s.dhcp6 != nil {
		s.dhcp6.Close()
	}
	if s.icmp6 != nil {
		s.icmp6.Close()
	}
	if s.nbns != nil {
		s.nbns.Close()
	}
}

// buildServices constructs the per-interface engines from the config.
func (d *Daemon) buildServices() error {
	for i := range d.cfg.Interfaces {
		icfg := &d.cfg.Interfaces[i]
		svc, err := d.buildService(icfg)
		if err != nil {
			return fmt.Errorf("interface %s: %w", icfg.Name, err)
		}
		d.services = append(d.services, svc)
	}
	return nil
}

func (d *Daemon) buildService(icfg *config.InterfaceConfig) (*ifaceService, error) {
	osIf, err := net.InterfaceByName(icfg.Name)
	if err != nil {
		return nil, err
	}
	mtu := icfg.MTU
	if mtu == 0 {
		mtu = osIf.MTU
	}

	ifc := stack.NewInterface(icfg.Name, osIf.Index, osIf.HardwareAddr, mtu)
	ifc.SetLinkUp(osIf.Flags&net.FlagUp != 0)
	d.st.AddInterface(ifc)

	svc := &ifaceService{
		cfg:        icfg,
		ifc:        ifc,
		osIf:       osIf,
		conflicted: make(map[netip.Addr]bool),
	}

	// Static addresses start tentative so conflict detection runs on them.
	d.st.Lock()
	now := d.st.Now()
	for _, s := range icfg.Addresses {
		addr := netip.MustParseAddr(s)
		ifc.AddAddr(addr, true, now)
	}
	var linkLocal netip.Addr
	if !icfg.NDP.Disabled {
		linkLocal = linkLocalFromMAC(osIf.HardwareAddr)
		ifc.AddAddr(linkLocal, true, now)
	}
	d.st.Unlock()

	if !icfg.ARP.Disabled {
		sock, err := netio.OpenPacket(osIf.Index, stack.EtherTypeARP)
		if err != nil {
			slog.Warn("ARP socket unavailable", "interface", icfg.Name, "err", err)
		} else {
			svc.arpSock = sock
			svc.arp = arp.New(d.st, ifc, sock)
			for _, sn := range icfg.ARP.Static {
				ip := netip.MustParseAddr(sn.IP)
				mac, _ := net.ParseMAC(sn.MAC)
				if err := svc.arp.AddStaticEntry(ip, mac); err != nil {
					slog.Warn("static neighbor rejected",
						"interface", icfg.Name, "ip", sn.IP, "err", err)
				}
			}
		}
	}

	if !icfg.NDP.Disabled {
		if d.shared.icmp6 == nil {
			conn, err := netio.ListenICMP6()
			if err != nil {
				slog.Warn("ICMPv6 socket unavailable", "err", err)
			} else {
				d.shared.icmp6 = conn
			}
		}
		if d.shared.icmp6 != nil {
			svc.ndp = ndp.New(d.st, ifc, d.shared.icmp6)
			d.joinNDPGroups(svc, linkLocal)
		}
	}

	if icfg.DHCPv6.Enabled {
		if d.shared.dhcp6 == nil {
			conn, err := netio.ListenDHCP6()
			if err != nil {
				slog.Warn("DHCPv6 socket unavailable", "err", err)
			} else {
				d.shared.dhcp6 = conn
			}
		}
		if d.shared.dhcp6 != nil {
			svc.dhcp = dhcp6c.New(d.st, dhcp6c.Settings{
				Interface:   ifc,
				Transport:   d.shared.dhcp6,
				RapidCommit: icfg.DHCPv6.RapidCommit,
				ManualDNS:   icfg.DHCPv6.ManualDNS,
				Timeout:     icfg.DHCPv6.Timeout.Std(),
				OnStateChange: func(c *dhcp6c.Client, s dhcp6c.State) {
					d.onDHCP6State(svc, c, s)
				},
				OnTimeout: func(*dhcp6c.Client) {
					d.eventBuf.Add(logging.EventRecord{
						Type:      logging.EventDHCP6Timeout,
						Interface: icfg.Name,
					})
					slog.Warn("DHCPv6 configuration timed out", "interface", icfg.Name)
				},
			})
		}
	}

	if icfg.MDNS.Enabled {
		conn, err := netio.ListenMDNS(osIf)
		if err != nil {
			slog.Warn("mDNS socket unavailable", "interface", icfg.Name, "err", err)
		} else {
			svc.mdnsConn = conn
			svc.mdns = mdns.New(d.st, mdns.Settings{
				Interface: ifc,
				Transport: conn,
				Hostname:  icfg.MDNS.Hostname,
			})
		}
	}

	if icfg.NBNS.Enabled {
		if d.shared.nbns == nil {
			conn, err := netio.ListenNBNS()
			if err != nil {
				slog.Warn("NBNS socket unavailable", "err", err)
			} else {
				d.shared.nbns = conn
			}
		}
		if d.shared.nbns != nil {
			svc.nbns = nbns.New(d.st, ifc, d.shared.nbns, icfg.NBNS.Name)
		}
	}

	return svc, nil
}

// joinNDPGroups subscribes the ICMPv6 socket to the all-nodes group and the
// solicited-node group of every address on the interface.
func (d *Daemon) joinNDPGroups(svc *ifaceService, linkLocal netip.Addr) {
	conn := d.shared.icmp6
	if err := conn.JoinGroup(svc.osIf, netip.MustParseAddr("ff02::1")); err != nil {
		slog.Warn("join all-nodes failed", "interface", svc.ifc.Name, "err", err)
	}
	join := func(addr netip.Addr) {
		if !addr.Is6() || addr.Is4In6() {
			return
		}
		if err := conn.JoinGroup(svc.osIf, solicitedNodeGroup(addr)); err != nil {
			slog.Warn("join solicited-node failed",
				"interface", svc.ifc.Name, "addr", addr, "err", err)
		}
	}
	if linkLocal.IsValid() {
		join(linkLocal)
	}
	for _, s := range svc.cfg.Addresses {
		join(netip.MustParseAddr(s))
	}
}

// startReceivers spawns the socket receive loops feeding the engines.
func (d *Daemon) startReceivers(ctx context.Context, wg *sync.WaitGroup) {
	if d.shared.dhcp6 != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.shared.dhcp6.Serve(ctx, func(ifindex int, payload []byte) {
				if svc := d.serviceByIndex(ifindex); svc != nil && svc.dhcp != nil {
					svc.dhcp.ProcessMessage(payload)
				}
			})
		}()
	}
	if d.shared.icmp6 != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.shared.icmp6.Serve(ctx, func(ifindex int, src netip.Addr, msg []byte) {
				if svc := d.serviceByIndex(ifindex); svc != nil && svc.ndp != nil {
					svc.ndp.ProcessMessage(src, msg)
				}
			})
		}()
	}
	if d.shared.nbns != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.shared.nbns.Serve(ctx, func(src netip.AddrPort, payload []byte) {
				for _, svc := range d.services {
					if svc.nbns != nil {
						svc.nbns.ProcessPacket(src, payload)
					}
				}
			})
		}()
	}
	for _, svc := range d.services {
		if svc.arpSock != nil && svc.arp != nil {
			eng, sock := svc.arp, svc.arpSock
			wg.Add(1)
			go func() {
				defer wg.Done()
				sock.Serve(ctx, func(_ net.HardwareAddr, payload []byte) {
					eng.ProcessPacket(payload)
				})
			}()
		}
		if svc.mdnsConn != nil && svc.mdns != nil {
			resp, conn := svc.mdns, svc.mdnsConn
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn.Serve(ctx, func(_ netip.AddrPort, payload []byte) {
					resp.ProcessMessage(payload)
				})
			}()
		}
	}
}

// startEngines kicks off the client-side state machines.
func (d *Daemon) startEngines() {
	for _, svc := range d.services {
		if svc.dhcp != nil {
			svc.dhcp.Start()
		}
		if svc.mdns != nil {
			svc.mdns.Start()
		}
	}
}

// onDHCP6State records lease lifecycle events and reconciles leased
// addresses with the kernel.
func (d *Daemon) onDHCP6State(svc *ifaceService, c *dhcp6c.Client, s dhcp6c.State) {
	name := svc.ifc.Name
	d.eventBuf.Add(logging.EventRecord{
		Type:      logging.EventDHCP6State,
		Interface: name,
		Detail:    s.String(),
	})

	switch s {
	case dhcp6c.StateBound:
		b := c.Binding()
		var addrs []string
		wanted := make(map[netip.Addr][2]time.Duration, len(b.Addrs))
		for _, a := range b.Addrs {
			addrs = append(addrs, a.Addr.String())
			wanted[a.Addr] = [2]time.Duration{a.Preferred, a.Valid}
		}
		d.eventBuf.Add(logging.EventRecord{
			Type:      logging.EventDHCP6Bound,
			Interface: name,
			Addr:      strings.Join(addrs, ","),
			Detail:    fmt.Sprintf("t1=%s t2=%s", b.T1, b.T2),
		})
		slog.Info("DHCPv6 lease bound", "interface", name, "addrs", addrs)
		if d.binder != nil {
			d.binder.SyncAddrs(name, wanted)
		}
	case dhcp6c.StateInit, dhcp6c.StateRelease, dhcp6c.StateDecline:
		if d.binder != nil {
			d.binder.SyncAddrs(name, nil)
		}
	}
}

// apiServices adapts the service list for the API server.
func (d *Daemon) apiServices() []*api.Service {
	out := make([]*api.Service, 0, len(d.services))
	for _, svc := range d.services {
		out = append(out, &api.Service{
			Iface: svc.ifc,
			ARP:   svc.arp,
			NDP:   svc.ndp,
			DHCP6: svc.dhcp,
		})
	}
	return out
}

// snmpIfData snapshots the interface table for the SNMP agent.
func (d *Daemon) snmpIfData() []snmp.IfData {
	const ethernetCsmacd = 6

	d.st.Lock()
	defer d.st.Unlock()

	out := make([]snmp.IfData, 0, len(d.services))
	for _, svc := range d.services {
		operStatus := 2
		if svc.ifc.LinkUp() {
			operStatus = 1
		}
		out = append(out, snmp.IfData{
			IfIndex:     svc.ifc.Index,
			IfDescr:     svc.ifc.Name,
			IfType:      ethernetCsmacd,
			IfMtu:       svc.ifc.MTU,
			PhysAddress: svc.ifc.MAC,
			AdminStatus: 1,
			OperStatus:  operStatus,
		})
	}
	return out
}

// snmpMediaData snapshots the ARP caches as ipNetToMediaTable rows.
func (d *Daemon) snmpMediaData() []snmp.MediaEntry {
	var out []snmp.MediaEntry
	for _, svc := range d.services {
		if svc.arp == nil {
			continue
		}
		for _, e := range svc.arp.Entries() {
			if e.State == arp.StateIncomplete || len(e.MAC) == 0 {
				continue
			}
			mediaType := snmp.MediaTypeDynamic
			if e.State == arp.StatePermanent {
				mediaType = snmp.MediaTypeStatic
			}
			out = append(out, snmp.MediaEntry{
				IfIndex:     svc.ifc.Index,
				NetAddress:  e.IP,
				PhysAddress: e.MAC,
				Type:        mediaType,
			})
		}
	}
	return out
}

// linkLocalFromMAC derives the EUI-64 fe80:: address for a MAC.
func linkLocalFromMAC(mac net.HardwareAddr) netip.Addr {
	var b [16]byte
	b[0] = 0xfe
	b[1] = 0x80
	if len(mac) == 6 {
		b[8] = mac[0] ^ 0x02
		b[9] = mac[1]
		b[10] = mac[2]
		b[11] = 0xff
		b[12] = 0xfe
		b[13] = mac[3]
		b[14] = mac[4]
		b[15] = mac[5]
	}
	return netip.AddrFrom16(b)
}

// solicitedNodeGroup maps an IPv6 address to ff02::1:ffXX:XXXX.
func solicitedNodeGroup(addr netip.Addr) netip.Addr {
	a := addr.As16()
	var b [16]byte
	b[0] = 0xff
	b[1] = 0x02
	b[11] = 0x01
	b[12] = 0xff
	b[13] = a[13]
	b[14] = a[14]
	b[15] = a[15]
	return netip.AddrFrom16(b)
}
