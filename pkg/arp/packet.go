package arp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// ARP opcodes.
const (
	opRequest = 1
	opReply   = 2
)

const (
	hardwareTypeEthernet = 1
	protocolTypeIPv4     = 0x0800
	hardwareAddrLen      = 6
	protocolAddrLen      = 4

	// packetLen is the fixed ARP header size for Ethernet/IPv4.
	packetLen = 28
)

// packet is a decoded Ethernet/IPv4 ARP packet.
type packet struct {
	op        uint16
	senderMAC net.HardwareAddr
	senderIP  netip.Addr
	targetMAC net.HardwareAddr
	targetIP  netip.Addr
}

// marshal serializes the packet into the fixed 28-byte wire format.
func (p *packet) marshal() []byte {
	b := make([]byte, packetLen)
	binary.BigEndian.PutUint16(b[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], protocolTypeIPv4)
	b[4] = hardwareAddrLen
	b[5] = protocolAddrLen
	binary.BigEndian.PutUint16(b[6:8], p.op)
	copy(b[8:14], p.senderMAC)
	sip := p.senderIP.As4()
	copy(b[14:18], sip[:])
	copy(b[18:24], p.targetMAC)
	tip := p.targetIP.As4()
	copy(b[24:28], tip[:])
	return b
}

// parsePacket decodes and validates an ARP packet. The hardware/protocol
// type and address-length fields are checked before anything else.
func parsePacket(b []byte) (*packet, error) {
	if len(b) < packetLen {
		return nil, fmt.Errorf("arp: short packet (%d bytes)", len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != hardwareTypeEthernet {
		return nil, fmt.Errorf("arp: unsupported hardware type")
	}
	if binary.BigEndian.Uint16(b[2:4]) != protocolTypeIPv4 {
		return nil, fmt.Errorf("arp: unsupported protocol type")
	}
	if b[4] != hardwareAddrLen || b[5] != protocolAddrLen {
		return nil, fmt.Errorf("arp: bad address lengths %d/%d", b[4], b[5])
	}
	p := &packet{
		op:        binary.BigEndian.Uint16(b[6:8]),
		senderMAC: append(net.HardwareAddr(nil), b[8:14]...),
		senderIP:  netip.AddrFrom4([4]byte(b[14:18])),
		targetMAC: append(net.HardwareAddr(nil), b[18:24]...),
		targetIP:  netip.AddrFrom4([4]byte(b[24:28])),
	}
	return p, nil
}
