package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv6"

	"github.com/psaab/ustack/pkg/stack"
)

// ICMP6Conn is a raw ICMPv6 socket used for neighbor discovery. It
// implements ndp.MessageSender.
type ICMP6Conn struct {
	conn net.PacketConn
	pc   *ipv6.PacketConn
}

// ListenICMP6 opens the ICMPv6 socket. The kernel computes the checksum at
// offset 2 of each outbound message.
func ListenICMP6() (*ICMP6Conn, error) {
	conn, err := net.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("listen icmpv6: %w", err)
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetChecksum(true, 2); err != nil {
		conn.Close()
		return nil, fmt.Errorf("icmpv6 checksum: %w", err)
	}
	pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagSrc, true)
	return &ICMP6Conn{conn: conn, pc: pc}, nil
}

// JoinGroup subscribes the socket to a multicast group on the interface.
// Used for the solicited-node groups of local addresses.
func (c *ICMP6Conn) JoinGroup(ifi *net.Interface, group netip.Addr) error {
	return c.pc.JoinGroup(ifi, &net.IPAddr{IP: group.AsSlice()})
}

// LeaveGroup drops a multicast group subscription.
func (c *ICMP6Conn) LeaveGroup(ifi *net.Interface, group netip.Addr) error {
	return c.pc.LeaveGroup(ifi, &net.IPAddr{IP: group.AsSlice()})
}

// SendNDP implements ndp.MessageSender. Neighbor discovery messages go out
// with hop limit 255; receivers drop anything else.
func (c *ICMP6Conn) SendNDP(ifc *stack.Interface, src, dst netip.Addr, msg []byte) error {
	cm := &ipv6.ControlMessage{IfIndex: ifc.Index, HopLimit: 255}
	if src.IsValid() && !src.IsUnspecified() {
		cm.Src = src.AsSlice()
	}
	_, err := c.pc.WriteTo(msg, cm, &net.IPAddr{IP: dst.AsSlice(), Zone: ifc.Name})
	return err
}

// Serve reads neighbor discovery messages until the context is cancelled.
// The handler receives the inbound interface index, the source address and
// the ICMPv6 message.
func (c *ICMP6Conn) Serve(ctx context.Context, handler func(ifindex int, src netip.Addr, msg []byte)) {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, cm, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		var src netip.Addr
		if ipAddr, ok := from.(*net.IPAddr); ok {
			if a, ok := netip.AddrFromSlice(ipAddr.IP.To16()); ok {
				src = a.Unmap()
			}
		}
		ifindex := 0
		if cm != nil {
			ifindex = cm.IfIndex
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		handler(ifindex, src, msg)
	}
}

// Close closes the socket.
func (c *ICMP6Conn) Close() error { return c.conn.Close() }
