package netio

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

func TestBuildParseFrame(t *testing.T) {
	dst := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	src := net.HardwareAddr{2, 0, 0, 0, 0, 1}
	payload := []byte{1, 2, 3, 4}

	frame := BuildFrame(dst, src, stack.EtherTypeARP, payload)
	if len(frame) != ethHdrLen+4 {
		t.Fatalf("frame length = %d", len(frame))
	}

	gotDst, gotSrc, etherType, gotPayload, err := ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotDst, dst) || !bytes.Equal(gotSrc, src) {
		t.Errorf("addresses: dst=%v src=%v", gotDst, gotSrc)
	}
	if etherType != stack.EtherTypeARP {
		t.Errorf("etherType = 0x%04x", etherType)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %v", gotPayload)
	}
}

func TestParseFrameTooShort(t *testing.T) {
	if _, _, _, _, err := ParseFrame(make([]byte, 13)); err == nil {
		t.Error("13-byte frame should be rejected")
	}
}

func TestHtons(t *testing.T) {
	if htons(htons(0x0806)) != 0x0806 {
		t.Error("htons applied twice should restore the value")
	}
}

func TestNBNSLoopback(t *testing.T) {
	// Bind to an ephemeral port instead of 137; the transport logic is the
	// same and the test needs no privileges.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	nb := &NBNSConn{conn: conn}
	defer nb.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 1)
	go nb.Serve(ctx, func(src netip.AddrPort, payload []byte) {
		got <- payload
	})

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	if _, err := peer.WriteToUDP([]byte("query"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort}); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-got:
		if string(payload) != "query" {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
	}

	// Send back through the transport.
	ifc := stack.NewInterface("lo", 1, net.HardwareAddr{0, 0, 0, 0, 0, 0}, 1500)
	peerPort := peer.LocalAddr().(*net.UDPAddr).Port
	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(peerPort))
	if err := nb.Send(ifc, dst, []byte("answer")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "answer" {
		t.Errorf("reply = %q", buf[:n])
	}
}
