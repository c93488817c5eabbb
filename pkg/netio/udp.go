package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/psaab/ustack/pkg/stack"
)

// DHCP6Conn is the UDP transport for the DHCPv6 client: a socket bound to
// the client port that multicasts to servers out of a specific interface.
// It implements stack.Transport.
type DHCP6Conn struct {
	conn *net.UDPConn
	pc   *ipv6.PacketConn
}

// ListenDHCP6 opens the DHCPv6 client socket on port 546.
func ListenDHCP6() (*DHCP6Conn, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: 546})
	if err != nil {
		return nil, fmt.Errorf("listen dhcpv6: %w", err)
	}
	pc := ipv6.NewPacketConn(conn)
	pc.SetControlMessage(ipv6.FlagInterface, true)
	return &DHCP6Conn{conn: conn, pc: pc}, nil
}

// Send implements stack.Transport. Multicast and link-local destinations are
// steered out of the client's interface.
func (d *DHCP6Conn) Send(ifc *stack.Interface, dst netip.AddrPort, payload []byte) error {
	var cm *ipv6.ControlMessage
	if dst.Addr().IsMulticast() || dst.Addr().IsLinkLocalUnicast() {
		cm = &ipv6.ControlMessage{IfIndex: ifc.Index}
	}
	udpDst := &net.UDPAddr{IP: dst.Addr().AsSlice(), Port: int(dst.Port())}
	_, err := d.pc.WriteTo(payload, cm, udpDst)
	return err
}

// Serve reads datagrams until the context is cancelled. The handler receives
// the inbound interface index and the payload.
func (d *DHCP6Conn) Serve(ctx context.Context, handler func(ifindex int, payload []byte)) {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, cm, _, err := d.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		ifindex := 0
		if cm != nil {
			ifindex = cm.IfIndex
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		handler(ifindex, pkt)
	}
}

// Close closes the socket.
func (d *DHCP6Conn) Close() error { return d.conn.Close() }

// MDNSConn carries multicast DNS over the v4 and v6 mDNS groups. It
// implements stack.Transport: the destination address picks the socket.
type MDNSConn struct {
	conn4 *net.UDPConn
	conn6 *net.UDPConn
	pc4   *ipv4.PacketConn
	pc6   *ipv6.PacketConn
}

// ListenMDNS opens the mDNS sockets on port 5353 and joins the mDNS groups
// on the given interface.
func ListenMDNS(ifi *net.Interface) (*MDNSConn, error) {
	conn4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 5353})
	if err != nil {
		return nil, fmt.Errorf("listen mdns v4: %w", err)
	}
	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: 5353})
	if err != nil {
		conn4.Close()
		return nil, fmt.Errorf("listen mdns v6: %w", err)
	}

	pc4 := ipv4.NewPacketConn(conn4)
	pc6 := ipv6.NewPacketConn(conn6)

	if err := pc4.JoinGroup(ifi, &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251)}); err != nil {
		conn4.Close()
		conn6.Close()
		return nil, fmt.Errorf("join mdns v4 group: %w", err)
	}
	if err := pc6.JoinGroup(ifi, &net.UDPAddr{IP: net.ParseIP("ff02::fb")}); err != nil {
		conn4.Close()
		conn6.Close()
		return nil, fmt.Errorf("join mdns v6 group: %w", err)
	}

	// mDNS requires TTL 255 on the local link.
	pc4.SetMulticastTTL(255)
	pc6.SetMulticastHopLimit(255)
	pc4.SetMulticastInterface(ifi)
	pc6.SetMulticastInterface(ifi)

	return &MDNSConn{conn4: conn4, conn6: conn6, pc4: pc4, pc6: pc6}, nil
}

// Send implements stack.Transport.
func (m *MDNSConn) Send(ifc *stack.Interface, dst netip.AddrPort, payload []byte) error {
	udpDst := &net.UDPAddr{IP: dst.Addr().AsSlice(), Port: int(dst.Port())}
	var err error
	if dst.Addr().Is4() {
		_, err = m.conn4.WriteToUDP(payload, udpDst)
	} else {
		_, err = m.conn6.WriteToUDP(payload, udpDst)
	}
	return err
}

// Serve reads from both sockets until the context is cancelled.
func (m *MDNSConn) Serve(ctx context.Context, handler func(src netip.AddrPort, payload []byte)) {
	go func() {
		<-ctx.Done()
		m.conn4.Close()
		m.conn6.Close()
	}()

	go m.readLoop(ctx, m.conn4, handler)
	m.readLoop(ctx, m.conn6, handler)
}

func (m *MDNSConn) readLoop(ctx context.Context, conn *net.UDPConn, handler func(src netip.AddrPort, payload []byte)) {
	buf := make([]byte, 9000)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		handler(src, pkt)
	}
}

// Close closes both sockets.
func (m *MDNSConn) Close() error {
	err4 := m.conn4.Close()
	err6 := m.conn6.Close()
	if err4 != nil {
		return err4
	}
	return err6
}

// NBNSConn is the UDP socket for NetBIOS name service queries on port 137.
// It implements stack.Transport.
type NBNSConn struct {
	conn *net.UDPConn
}

// ListenNBNS opens the NetBIOS name service socket.
func ListenNBNS() (*NBNSConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 137})
	if err != nil {
		return nil, fmt.Errorf("listen nbns: %w", err)
	}
	return &NBNSConn{conn: conn}, nil
}

// Send implements stack.Transport.
func (n *NBNSConn) Send(ifc *stack.Interface, dst netip.AddrPort, payload []byte) error {
	_, err := n.conn.WriteToUDPAddrPort(payload, dst)
	return err
}

// Serve reads queries until the context is cancelled.
func (n *NBNSConn) Serve(ctx context.Context, handler func(src netip.AddrPort, payload []byte)) {
	go func() {
		<-ctx.Done()
		n.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		cnt, src, err := n.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		pkt := make([]byte, cnt)
		copy(pkt, buf[:cnt])
		handler(src, pkt)
	}
}

// Close closes the socket.
func (n *NBNSConn) Close() error { return n.conn.Close() }
