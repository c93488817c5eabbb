package ndp

import (
	"fmt"
	"net"
	"net/netip"
)

// ICMPv6 types used by neighbor discovery.
const (
	typeNeighborSolicit = 135
	typeNeighborAdvert  = 136
)

// Neighbor discovery option types.
const (
	optSourceLinkAddr = 1
	optTargetLinkAddr = 2
)

// Advertisement flag bits (first byte of the flags field).
const (
	flagRouter    = 0x80
	flagSolicited = 0x40
	flagOverride  = 0x20
)

// neighborMsg is a decoded Neighbor Solicitation or Advertisement. The
// checksum field is left zero on marshal; the sending socket computes it.
type neighborMsg struct {
	icmpType  byte
	flags     byte // advertisements only
	target    netip.Addr
	linkAddr  net.HardwareAddr // source (NS) or target (NA) link-layer option
	hasLLAddr bool
}

func (m *neighborMsg) marshal() []byte {
	n := 24
	if m.hasLLAddr {
		n += 8
	}
	b := make([]byte, n)
	b[0] = m.icmpType
	b[4] = m.flags
	t := m.target.As16()
	copy(b[8:24], t[:])
	if m.hasLLAddr {
		if m.icmpType == typeNeighborSolicit {
			b[24] = optSourceLinkAddr
		} else {
			b[24] = optTargetLinkAddr
		}
		b[25] = 1 // length in units of 8 octets
		copy(b[26:32], m.linkAddr)
	}
	return b
}

func parseNeighborMsg(b []byte) (*neighborMsg, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("ndp: short message (%d bytes)", len(b))
	}
	m := &neighborMsg{icmpType: b[0], flags: b[4]}
	switch m.icmpType {
	case typeNeighborSolicit, typeNeighborAdvert:
	default:
		return nil, fmt.Errorf("ndp: unexpected icmp type %d", m.icmpType)
	}
	m.target = netip.AddrFrom16([16]byte(b[8:24]))

	// Walk the options for a link-layer address; malformed option lengths
	// poison the whole message.
	opts := b[24:]
	for len(opts) > 0 {
		if len(opts) < 2 || opts[1] == 0 {
			return nil, fmt.Errorf("ndp: malformed option")
		}
		olen := int(opts[1]) * 8
		if olen > len(opts) {
			return nil, fmt.Errorf("ndp: truncated option")
		}
		switch {
		case opts[0] == optSourceLinkAddr && m.icmpType == typeNeighborSolicit,
			opts[0] == optTargetLinkAddr && m.icmpType == typeNeighborAdvert:
			if olen >= 8 {
				m.linkAddr = append(net.HardwareAddr(nil), opts[2:8]...)
				m.hasLLAddr = true
			}
		}
		opts = opts[olen:]
	}
	return m, nil
}

// solicitedNodeMulticast maps a target address to its solicited-node
// multicast group (RFC 4291 section 2.7.1).
func solicitedNodeMulticast(target netip.Addr) netip.Addr {
	t := target.As16()
	var g [16]byte
	g[0], g[1] = 0xff, 0x02
	g[11] = 0x01
	g[12] = 0xff
	g[13], g[14], g[15] = t[13], t[14], t[15]
	return netip.AddrFrom16(g)
}
