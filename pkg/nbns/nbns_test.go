package nbns

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/psaab/ustack/pkg/stack"
)

type fakeClock struct{}

func (fakeClock) Now() stack.Millis { return 0 }

type fakeTransport struct {
	sent [][]byte
	to   []netip.AddrPort
}

func (t *fakeTransport) Send(_ *stack.Interface, dst netip.AddrPort, payload []byte) error {
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.to = append(t.to, dst)
	return nil
}

func newTestResponder(t *testing.T) (*Responder, *fakeTransport, *stack.Interface) {
	t.Helper()
	st := stack.New(fakeClock{})
	ifc := stack.NewInterface("eth0", 1, net.HardwareAddr{2, 0, 0, 0, 0, 1}, 1500)
	ifc.SetLinkUp(true)
	ifc.AddAddr(netip.MustParseAddr("192.0.2.1"), false, 0)
	st.AddInterface(ifc)
	tr := &fakeTransport{}
	return New(st, ifc, tr, "ustack"), tr, ifc
}

func query(xid uint16, name string) []byte {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], xid)
	binary.BigEndian.PutUint16(hdr[2:4], 0x0110) // query, RD, B flag
	binary.BigEndian.PutUint16(hdr[4:6], 1)      // QDCOUNT
	b := append([]byte(nil), hdr[:]...)
	b = appendEncodedName(b, name)
	var q [4]byte
	binary.BigEndian.PutUint16(q[0:2], questionType)
	binary.BigEndian.PutUint16(q[2:4], questionCls)
	return append(b, q[:]...)
}

var querier = netip.MustParseAddrPort("192.0.2.50:137")

func TestNameQueryAnswered(t *testing.T) {
	r, tr, _ := newTestResponder(t)
	r.ProcessPacket(querier, query(0x1234, "USTACK"))

	if len(tr.sent) != 1 {
		t.Fatalf("sent %d responses, want 1", len(tr.sent))
	}
	if tr.to[0] != querier {
		t.Errorf("response went to %v, want %v", tr.to[0], querier)
	}
	resp := tr.sent[0]
	if got := binary.BigEndian.Uint16(resp[0:2]); got != 0x1234 {
		t.Errorf("xid = 0x%04x, want 0x1234", got)
	}
	if binary.BigEndian.Uint16(resp[2:4])&0x8000 == 0 {
		t.Errorf("response bit not set")
	}
	if got := binary.BigEndian.Uint16(resp[6:8]); got != 1 {
		t.Errorf("ancount = %d, want 1", got)
	}
	// The answer ends with the IPv4 address.
	ip := resp[len(resp)-4:]
	if want := []byte{192, 0, 2, 1}; !bytes.Equal(ip, want) {
		t.Errorf("answer address = %v, want %v", ip, want)
	}
}

func TestCaseInsensitiveMatch(t *testing.T) {
	// Queries are matched against the uppercase registered name; the
	// encoding itself carries whatever case the querier sent.
	r, tr, _ := newTestResponder(t)
	r.ProcessPacket(querier, query(1, "USTACK"))
	if len(tr.sent) != 1 {
		t.Fatalf("uppercase query not answered")
	}
}

func TestForeignNameIgnored(t *testing.T) {
	r, tr, _ := newTestResponder(t)
	r.ProcessPacket(querier, query(1, "OTHERHOST"))
	if len(tr.sent) != 0 {
		t.Fatalf("answered a query for a foreign name")
	}
}

func TestResponsePacketIgnored(t *testing.T) {
	r, tr, _ := newTestResponder(t)
	q := query(1, "USTACK")
	binary.BigEndian.PutUint16(q[2:4], 0x8580) // response flags
	r.ProcessPacket(querier, q)
	if len(tr.sent) != 0 {
		t.Fatalf("responded to a response")
	}
}

func TestTruncatedAndMalformedDropped(t *testing.T) {
	r, tr, _ := newTestResponder(t)

	r.ProcessPacket(querier, query(1, "USTACK")[:8])

	bad := query(1, "USTACK")
	bad[headerLen+1] = 'z' // outside the 'A'..'P' alphabet
	r.ProcessPacket(querier, bad)

	if len(tr.sent) != 0 {
		t.Fatalf("malformed queries were answered")
	}
}

func TestNoIPv4AddressNoAnswer(t *testing.T) {
	r, tr, ifc := newTestResponder(t)
	ifc.RemoveAddr(netip.MustParseAddr("192.0.2.1"))
	r.ProcessPacket(querier, query(1, "USTACK"))
	if len(tr.sent) != 0 {
		t.Fatalf("answered without an address to offer")
	}
}

func TestNameEncodingRoundTrip(t *testing.T) {
	b := appendEncodedName(nil, "USTACK")
	name, rest, err := decodeName(b)
	if err != nil {
		t.Fatalf("decodeName: %v", err)
	}
	if name != "USTACK" {
		t.Errorf("name = %q, want USTACK", name)
	}
	if len(rest) != 0 {
		t.Errorf("trailing bytes: %v", rest)
	}
}
