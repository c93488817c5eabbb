// Package netio binds the protocol engines to real sockets: AF_PACKET for
// ARP frames, ICMPv6 for neighbor discovery and UDP for DHCPv6, mDNS and
// NetBIOS name service.
package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/psaab/ustack/pkg/stack"
)

// Ethernet header length.
const ethHdrLen = 14

// PacketSock is a raw AF_PACKET socket bound to one interface and
// ethertype. It implements stack.FrameSender.
type PacketSock struct {
	fd      int
	ifindex int
	proto   uint16
}

// OpenPacket opens a raw socket for the given ethertype, bound to the
// interface so the receive path only sees matching frames.
func OpenPacket(ifindex int, etherType uint16) (*PacketSock, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherType)))
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  ifindex,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind ifindex %d: %w", ifindex, err)
	}

	// Read timeout so Serve can notice context cancellation.
	tv := unix.Timeval{Sec: 1}
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	return &PacketSock{fd: fd, ifindex: ifindex, proto: etherType}, nil
}

// SendFrame implements stack.FrameSender.
func (p *PacketSock) SendFrame(ifc *stack.Interface, dst net.HardwareAddr, etherType uint16, payload []byte) error {
	frame := BuildFrame(dst, ifc.MAC, etherType, payload)

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  ifc.Index,
		Halen:    6,
	}
	copy(addr.Addr[:6], dst)

	if err := unix.Sendto(p.fd, frame, 0, addr); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

// Serve reads frames until the context is cancelled, passing the source MAC
// and the payload after the Ethernet header to the handler.
func (p *PacketSock) Serve(ctx context.Context, handler func(src net.HardwareAddr, payload []byte)) {
	buf := make([]byte, 1600)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			// Timeout: loop and check ctx.
			continue
		}
		if n < ethHdrLen {
			continue
		}
		_, src, etherType, payload, err := ParseFrame(buf[:n])
		if err != nil || etherType != p.proto {
			continue
		}
		handler(src, payload)
	}
}

// Close closes the socket.
func (p *PacketSock) Close() error {
	return unix.Close(p.fd)
}

// BuildFrame prepends an Ethernet header to payload.
func BuildFrame(dst, src net.HardwareAddr, etherType uint16, payload []byte) []byte {
	frame := make([]byte, ethHdrLen+len(payload))
	copy(frame[0:6], dst)
	copy(frame[6:12], src)
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[ethHdrLen:], payload)
	return frame
}

// ParseFrame splits an Ethernet frame into header fields and payload.
func ParseFrame(frame []byte) (dst, src net.HardwareAddr, etherType uint16, payload []byte, err error) {
	if len(frame) < ethHdrLen {
		return nil, nil, 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	dst = net.HardwareAddr(frame[0:6])
	src = net.HardwareAddr(frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	payload = frame[ethHdrLen:]
	return dst, src, etherType, payload, nil
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.NativeEndian.Uint16(b)
}
