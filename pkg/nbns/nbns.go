// Package nbns implements a minimal NetBIOS Name Service responder
// (RFC 1002): positive name-query responses for the host's registered name
// over UDP port 137, with first-level name encoding.
package nbns

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/psaab/ustack/pkg/stack"
)

// Port is the NetBIOS name service UDP port.
const Port = 137

// Wire constants.
const (
	headerLen    = 12
	encodedLen   = 32
	questionType = 0x0020 // NB
	questionCls  = 0x0001 // IN
	responseTTL  = 300

	// Header flags for a positive name query response: response bit,
	// opcode query, authoritative answer, recursion desired.
	responseFlags = 0x8580
)

// Responder answers name queries for one registered name per interface.
type Responder struct {
	st   *stack.Stack
	ifc  *stack.Interface
	out  stack.Transport
	name string // uppercase, at most 15 characters
}

// New creates a responder registering name on ifc.
func New(st *stack.Stack, ifc *stack.Interface, out stack.Transport, name string) *Responder {
	if len(name) > 15 {
		name = name[:15]
	}
	return &Responder{st: st, ifc: ifc, out: out, name: strings.ToUpper(name)}
}

// Name returns the registered NetBIOS name.
func (r *Responder) Name() string { return r.name }

// ProcessPacket handles one received name service packet, answering
// matching name queries back to src.
func (r *Responder) ProcessPacket(src netip.AddrPort, b []byte) {
	if len(b) < headerLen {
		return
	}
	flags := binary.BigEndian.Uint16(b[2:4])
	qdcount := binary.BigEndian.Uint16(b[4:6])
	// Only plain name queries with one question are interesting.
	if flags&0x8000 != 0 || (flags>>11)&0xf != 0 || qdcount != 1 {
		return
	}

	name, rest, err := decodeName(b[headerLen:])
	if err != nil {
		slog.Debug("nbns: dropping query", "interface", r.ifc.Name, "err", err)
		return
	}
	if len(rest) < 4 {
		return
	}
	qtype := binary.BigEndian.Uint16(rest[0:2])
	qclass := binary.BigEndian.Uint16(rest[2:4])
	if qtype != questionType || qclass != questionCls {
		return
	}
	if name != r.name {
		return
	}

	r.st.Lock()
	addr := r.ifc.PrimaryAddr4()
	r.st.Unlock()
	if !addr.IsValid() {
		return
	}

	xid := binary.BigEndian.Uint16(b[0:2])
	resp := r.buildResponse(xid, addr)
	if err := r.out.Send(r.ifc, src, resp); err != nil {
		slog.Debug("nbns: send failed", "interface", r.ifc.Name, "to", src, "err", err)
	}
}

// buildResponse packs a positive name query response (RFC 1002 section
// 4.2.13).
func (r *Responder) buildResponse(xid uint16, addr netip.Addr) []byte {
	b := make([]byte, 0, headerLen+2+encodedLen+2+10+6)
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], xid)
	binary.BigEndian.PutUint16(hdr[2:4], responseFlags)
	binary.BigEndian.PutUint16(hdr[6:8], 1) // ANCOUNT
	b = append(b, hdr[:]...)

	b = appendEncodedName(b, r.name)

	var rr [10]byte
	binary.BigEndian.PutUint16(rr[0:2], questionType)
	binary.BigEndian.PutUint16(rr[2:4], questionCls)
	binary.BigEndian.PutUint32(rr[4:8], responseTTL)
	binary.BigEndian.PutUint16(rr[8:10], 6) // RDLENGTH
	b = append(b, rr[:]...)

	// NB_FLAGS: B-node, unique name.
	b = append(b, 0x00, 0x00)
	ip := addr.As4()
	return append(b, ip[:]...)
}

// appendEncodedName appends the first-level encoding of name: the name is
// space-padded to 15 characters plus a zero suffix byte, and each nibble
// becomes a letter in 'A'..'P'.
func appendEncodedName(b []byte, name string) []byte {
	b = append(b, encodedLen)
	raw := make([]byte, 16)
	copy(raw, []byte(name))
	for i := len(name); i < 15; i++ {
		raw[i] = ' '
	}
	for _, c := range raw {
		b = append(b, 'A'+(c>>4), 'A'+(c&0x0f))
	}
	return append(b, 0) // root label
}

// decodeName reverses the first-level encoding, returning the trimmed name
// and the bytes following the question name.
func decodeName(b []byte) (string, []byte, error) {
	if len(b) < 2+encodedLen {
		return "", nil, fmt.Errorf("nbns: short name")
	}
	if b[0] != encodedLen {
		return "", nil, fmt.Errorf("nbns: bad name length %d", b[0])
	}
	var raw [16]byte
	for i := 0; i < 16; i++ {
		hi, lo := b[1+2*i], b[2+2*i]
		if hi < 'A' || hi > 'P' || lo < 'A' || lo > 'P' {
			return "", nil, fmt.Errorf("nbns: bad name encoding")
		}
		raw[i] = (hi-'A')<<4 | (lo - 'A')
	}
	rest := b[1+encodedLen:]
	if len(rest) < 1 || rest[0] != 0 {
		return "", nil, fmt.Errorf("nbns: unterminated name")
	}
	// The 16th byte is the name suffix, not part of the name proper.
	name := strings.TrimRight(string(raw[:15]), " ")
	return name, rest[1:], nil
}
