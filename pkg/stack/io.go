package stack

import (
	"net"
	"net/netip"
)

// Ethernet frame types used by the stack.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86dd
)

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// FrameSender transmits raw Ethernet frames. Implementations must not
// block; a failed send is reported to the caller and naturally retried by
// the next retransmission tick.
type FrameSender interface {
	SendFrame(ifc *Interface, dst net.HardwareAddr, etherType uint16, payload []byte) error
}

// Transport transmits UDP datagrams on behalf of a protocol client.
type Transport interface {
	Send(ifc *Interface, dst netip.AddrPort, payload []byte) error
}
