package arp

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/psaab/ustack/pkg/stack"
)

type fakeClock struct {
	now stack.Millis
}

func (c *fakeClock) Now() stack.Millis { return c.now }

func (c *fakeClock) advance(d time.Duration) {
	c.now += stack.DurationToMillis(d)
}

type sentFrame struct {
	dst       net.HardwareAddr
	etherType uint16
	payload   []byte
}

type fakeSender struct {
	frames []sentFrame
}

func (s *fakeSender) SendFrame(_ *stack.Interface, dst net.HardwareAddr, et uint16, payload []byte) error {
	s.frames = append(s.frames, sentFrame{
		dst:       append(net.HardwareAddr(nil), dst...),
		etherType: et,
		payload:   append([]byte(nil), payload...),
	})
	return nil
}

var (
	ourMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	otherMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	ourIP    = netip.MustParseAddr("192.0.2.1")
	peerIP   = netip.MustParseAddr("192.0.2.2")
)

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *fakeSender, *stack.Interface) {
	t.Helper()
	clk := &fakeClock{now: 1000}
	st := stack.New(clk)
	ifc := stack.NewInterface("eth0", 1, ourMAC, 1500)
	ifc.SetLinkUp(true)
	ifc.AddAddr(ourIP, false, clk.now)
	st.AddInterface(ifc)
	snd := &fakeSender{}
	return New(st, ifc, snd), clk, snd, ifc
}

func replyFrom(ip netip.Addr, mac net.HardwareAddr) []byte {
	p := &packet{op: opReply, senderMAC: mac, senderIP: ip,
		targetMAC: ourMAC, targetIP: ourIP}
	return p.marshal()
}

func TestResolveSendsBroadcastRequest(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)

	if _, err := eng.Resolve(peerIP); !errors.Is(err, ErrInProgress) {
		t.Fatalf("Resolve err = %v, want ErrInProgress", err)
	}
	if len(snd.frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(snd.frames))
	}
	f := snd.frames[0]
	if !bytes.Equal(f.dst, stack.BroadcastMAC) {
		t.Errorf("dst = %v, want broadcast", f.dst)
	}
	if f.etherType != stack.EtherTypeARP {
		t.Errorf("etherType = 0x%04x, want 0x0806", f.etherType)
	}
	p, err := parsePacket(f.payload)
	if err != nil {
		t.Fatalf("parsePacket: %v", err)
	}
	if p.op != opRequest || p.targetIP != peerIP || p.senderIP != ourIP {
		t.Errorf("bad request: op=%d target=%v sender=%v", p.op, p.targetIP, p.senderIP)
	}

	// Second Resolve while outstanding sends nothing more.
	if _, err := eng.Resolve(peerIP); !errors.Is(err, ErrInProgress) {
		t.Fatalf("second Resolve err = %v, want ErrInProgress", err)
	}
	if len(snd.frames) != 1 {
		t.Fatalf("sent %d frames after duplicate Resolve, want 1", len(snd.frames))
	}
}

func TestReplyCompletesResolutionAndFlushesQueue(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)

	eng.Resolve(peerIP)
	if err := eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, []byte{1}); err != nil {
		t.Fatalf("EnqueueFrame: %v", err)
	}
	snd.frames = nil

	eng.ProcessPacket(replyFrom(peerIP, peerMAC))

	mac, err := eng.Resolve(peerIP)
	if err != nil {
		t.Fatalf("Resolve after reply: %v", err)
	}
	if !bytes.Equal(mac, peerMAC) {
		t.Errorf("mac = %v, want %v", mac, peerMAC)
	}
	if len(snd.frames) != 1 {
		t.Fatalf("flushed %d frames, want 1", len(snd.frames))
	}
	if !bytes.Equal(snd.frames[0].dst, peerMAC) || !bytes.Equal(snd.frames[0].payload, []byte{1}) {
		t.Errorf("queued frame delivered wrong: %+v", snd.frames[0])
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	snd.frames = nil

	for i := byte(0); i < maxQueuedFrames+1; i++ {
		if err := eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, []byte{i}); err != nil {
			t.Fatalf("EnqueueFrame %d: %v", i, err)
		}
	}

	eng.ProcessPacket(replyFrom(peerIP, peerMAC))

	// The oldest frame (payload 0) was evicted; frames 1..K delivered in
	// arrival order.
	if len(snd.frames) != maxQueuedFrames {
		t.Fatalf("flushed %d frames, want %d", len(snd.frames), maxQueuedFrames)
	}
	for i, f := range snd.frames {
		want := byte(i + 1)
		if !bytes.Equal(f.payload, []byte{want}) {
			t.Errorf("frame %d payload = %v, want [%d]", i, f.payload, want)
		}
	}
	if eng.Stats().QueueDrops != 1 {
		t.Errorf("QueueDrops = %d, want 1", eng.Stats().QueueDrops)
	}
}

func TestEnqueueWithoutResolutionFails(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	if err := eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, []byte{1}); !errors.Is(err, ErrNotResolving) {
		t.Fatalf("err = %v, want ErrNotResolving", err)
	}
}

func TestNonIPv4AddressRejected(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)
	v6 := netip.MustParseAddr("2001:db8::1")

	if _, err := eng.Resolve(v6); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Resolve err = %v, want ErrInvalidAddress", err)
	}
	if err := eng.AddStaticEntry(v6, peerMAC); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("AddStaticEntry err = %v, want ErrInvalidAddress", err)
	}
	if len(snd.frames) != 0 {
		t.Errorf("sent %d frames for a non-IPv4 address", len(snd.frames))
	}
}

func TestEnqueueCopiesPayload(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	snd.frames = nil

	buf := []byte{1}
	if err := eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, buf); err != nil {
		t.Fatalf("EnqueueFrame: %v", err)
	}
	buf[0] = 0xff

	eng.ProcessPacket(replyFrom(peerIP, peerMAC))
	if len(snd.frames) != 1 {
		t.Fatalf("flushed %d frames, want 1", len(snd.frames))
	}
	if !bytes.Equal(snd.frames[0].payload, []byte{1}) {
		t.Errorf("payload = %v, caller mutation leaked into the queue", snd.frames[0].payload)
	}
}

func TestResolutionGivesUpAfterMaxRequests(t *testing.T) {
	eng, clk, snd, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, []byte{1})

	for i := 0; i < maxRequests; i++ {
		clk.advance(requestTimeout)
		eng.Tick()
	}
	// Initial request plus maxRequests retransmissions.
	if got := len(snd.frames); got != 1+maxRequests {
		t.Fatalf("sent %d requests, want %d", got, 1+maxRequests)
	}

	clk.advance(requestTimeout)
	eng.Tick()
	if got := len(snd.frames); got != 1+maxRequests {
		t.Fatalf("sent %d requests after give-up tick, want %d", got, 1+maxRequests)
	}
	if len(eng.Entries()) != 0 {
		t.Errorf("entry not freed after give-up: %+v", eng.Entries())
	}
	if eng.Stats().FailedResolves != 1 {
		t.Errorf("FailedResolves = %d, want 1", eng.Stats().FailedResolves)
	}

	// A late frame for the abandoned resolution is rejected.
	if err := eng.EnqueueFrame(peerIP, stack.EtherTypeIPv4, []byte{2}); !errors.Is(err, ErrNotResolving) {
		t.Errorf("late EnqueueFrame err = %v, want ErrNotResolving", err)
	}
}

func TestStaleEntryAnswersAndReverifies(t *testing.T) {
	eng, clk, snd, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	eng.ProcessPacket(replyFrom(peerIP, peerMAC))

	clk.advance(reachableTime)
	eng.Tick()
	if got := eng.Entries()[0].State; got != StateStale {
		t.Fatalf("state = %v, want stale", got)
	}

	snd.frames = nil
	mac, err := eng.Resolve(peerIP)
	if err != nil {
		t.Fatalf("Resolve on stale: %v", err)
	}
	if !bytes.Equal(mac, peerMAC) {
		t.Errorf("mac = %v, want cached %v", mac, peerMAC)
	}
	if got := eng.Entries()[0].State; got != StateDelay {
		t.Fatalf("state = %v, want delay", got)
	}
	if len(snd.frames) != 0 {
		t.Fatalf("probe sent during delay, want none yet")
	}

	clk.advance(delayFirstProbeTime)
	eng.Tick()
	if got := eng.Entries()[0].State; got != StateProbe {
		t.Fatalf("state = %v, want probe", got)
	}
	if len(snd.frames) != 1 {
		t.Fatalf("sent %d probes, want 1", len(snd.frames))
	}
	// Probes are unicast to the cached MAC.
	if !bytes.Equal(snd.frames[0].dst, peerMAC) {
		t.Errorf("probe dst = %v, want %v", snd.frames[0].dst, peerMAC)
	}

	eng.ProcessPacket(replyFrom(peerIP, peerMAC))
	if got := eng.Entries()[0].State; got != StateReachable {
		t.Fatalf("state = %v, want reachable", got)
	}
}

func TestProbeGivesUpAndFreesEntry(t *testing.T) {
	eng, clk, _, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	eng.ProcessPacket(replyFrom(peerIP, peerMAC))

	clk.advance(reachableTime)
	eng.Tick()
	eng.Resolve(peerIP) // stale -> delay
	clk.advance(delayFirstProbeTime)
	eng.Tick() // delay -> probe, first probe sent

	for i := 0; i < maxProbes; i++ {
		clk.advance(probeTimeout)
		eng.Tick()
	}
	clk.advance(probeTimeout)
	eng.Tick()
	if len(eng.Entries()) != 0 {
		t.Fatalf("entry not freed after probes exhausted: %+v", eng.Entries())
	}
}

func TestReplyWithNewMACDemotesToStale(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.Resolve(peerIP)
	eng.ProcessPacket(replyFrom(peerIP, peerMAC))

	eng.ProcessPacket(replyFrom(peerIP, otherMAC))
	e := eng.Entries()[0]
	if e.State != StateStale {
		t.Fatalf("state = %v, want stale", e.State)
	}
	// The old MAC is kept until re-verification.
	if !bytes.Equal(e.MAC, peerMAC) {
		t.Errorf("mac = %v, want old %v", e.MAC, peerMAC)
	}
}

func TestStaticEntryIdempotentAndUnexpiring(t *testing.T) {
	eng, clk, _, _ := newTestEngine(t)

	if err := eng.AddStaticEntry(peerIP, peerMAC); err != nil {
		t.Fatalf("AddStaticEntry: %v", err)
	}
	if err := eng.AddStaticEntry(peerIP, otherMAC); err != nil {
		t.Fatalf("repeat AddStaticEntry: %v", err)
	}
	if n := len(eng.Entries()); n != 1 {
		t.Fatalf("have %d entries, want 1", n)
	}
	mac, err := eng.Resolve(peerIP)
	if err != nil {
		t.Fatalf("Resolve static: %v", err)
	}
	if !bytes.Equal(mac, otherMAC) {
		t.Errorf("mac = %v, want updated %v", mac, otherMAC)
	}

	clk.advance(24 * time.Hour)
	eng.Tick()
	if got := eng.Entries()[0].State; got != StatePermanent {
		t.Errorf("state = %v after a day, want permanent", got)
	}

	eng.Flush()
	if n := len(eng.Entries()); n != 1 {
		t.Errorf("flush removed static entry, have %d", n)
	}

	if err := eng.RemoveStaticEntry(peerIP); err != nil {
		t.Fatalf("RemoveStaticEntry: %v", err)
	}
	if n := len(eng.Entries()); n != 0 {
		t.Errorf("have %d entries after remove, want 0", n)
	}
}

func TestEvictionPrefersStale(t *testing.T) {
	eng, clk, _, _ := newTestEngine(t)

	// Fill the cache: one entry goes stale, the rest stay reachable.
	for i := 0; i < cacheSize; i++ {
		ip := netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		mac := net.HardwareAddr{0x02, 0, 0, 0, 1, byte(i + 1)}
		eng.Resolve(ip)
		p := &packet{op: opReply, senderMAC: mac, senderIP: ip,
			targetMAC: ourMAC, targetIP: ourIP}
		eng.ProcessPacket(p.marshal())
		clk.advance(time.Millisecond)
	}
	staleIP := netip.AddrFrom4([4]byte{10, 0, 0, 5})
	eng.st.Lock()
	e := eng.findEntry(staleIP)
	eng.changeState(e, StateStale, 0)
	eng.st.Unlock()

	newIP := netip.AddrFrom4([4]byte{10, 0, 0, 100})
	if _, err := eng.Resolve(newIP); !errors.Is(err, ErrInProgress) {
		t.Fatalf("Resolve err = %v, want ErrInProgress", err)
	}
	for _, info := range eng.Entries() {
		if info.IP == staleIP {
			t.Fatalf("stale entry survived eviction")
		}
	}
}

func TestCacheFullOfPermanents(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	for i := 0; i < cacheSize; i++ {
		ip := netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		if err := eng.AddStaticEntry(ip, peerMAC); err != nil {
			t.Fatalf("AddStaticEntry %d: %v", i, err)
		}
	}
	if _, err := eng.Resolve(netip.AddrFrom4([4]byte{10, 0, 0, 100})); !errors.Is(err, ErrCacheFull) {
		t.Fatalf("err = %v, want ErrCacheFull", err)
	}
}

func TestRequestAnswered(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)

	req := &packet{op: opRequest, senderMAC: peerMAC, senderIP: peerIP,
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, targetIP: ourIP}
	eng.ProcessPacket(req.marshal())

	if len(snd.frames) != 1 {
		t.Fatalf("sent %d frames, want 1 reply", len(snd.frames))
	}
	p, err := parsePacket(snd.frames[0].payload)
	if err != nil {
		t.Fatalf("parsePacket: %v", err)
	}
	if p.op != opReply || p.senderIP != ourIP || p.targetIP != peerIP {
		t.Errorf("bad reply: op=%d sender=%v target=%v", p.op, p.senderIP, p.targetIP)
	}
	if !bytes.Equal(snd.frames[0].dst, peerMAC) {
		t.Errorf("reply dst = %v, want %v", snd.frames[0].dst, peerMAC)
	}
}

func TestRequestForTentativeAddressNotAnswered(t *testing.T) {
	eng, clk, snd, ifc := newTestEngine(t)
	tent := netip.MustParseAddr("192.0.2.9")
	ifc.AddAddr(tent, true, clk.now)

	req := &packet{op: opRequest, senderMAC: peerMAC, senderIP: peerIP,
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, targetIP: tent}
	eng.ProcessPacket(req.marshal())
	if len(snd.frames) != 0 {
		t.Fatalf("answered request for tentative address")
	}
}

func TestProbeConflictFlagsTentativeAddress(t *testing.T) {
	eng, clk, _, ifc := newTestEngine(t)
	tent := netip.MustParseAddr("192.0.2.9")
	ifc.AddAddr(tent, true, clk.now)

	// RFC 5227 probe from another station for our tentative address.
	probe := &packet{op: opRequest, senderMAC: peerMAC,
		senderIP:  netip.AddrFrom4([4]byte{}),
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, targetIP: tent}
	eng.ProcessPacket(probe.marshal())

	if !ifc.ConflictOn(tent) {
		t.Fatalf("conflict not flagged")
	}
	clk.advance(2 * stack.DefaultDADDuration)
	ifc.Tick(clk.Now())
	if got := ifc.AddrStateOf(tent); got != stack.AddrTentative {
		t.Errorf("conflicted address promoted to %v", got)
	}
}

func TestSenderConflictFlagsTentativeAddress(t *testing.T) {
	eng, clk, _, ifc := newTestEngine(t)
	tent := netip.MustParseAddr("192.0.2.9")
	ifc.AddAddr(tent, true, clk.now)

	req := &packet{op: opRequest, senderMAC: peerMAC, senderIP: tent,
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		targetIP:  netip.MustParseAddr("192.0.2.50")}
	eng.ProcessPacket(req.marshal())
	if !ifc.ConflictOn(tent) {
		t.Fatalf("conflict not flagged for contested sender address")
	}
}

func TestOwnProbeDoesNotFlagConflict(t *testing.T) {
	eng, clk, _, ifc := newTestEngine(t)
	tent := netip.MustParseAddr("192.0.2.9")
	ifc.AddAddr(tent, true, clk.now)

	probe := &packet{op: opRequest, senderMAC: ourMAC,
		senderIP:  netip.AddrFrom4([4]byte{}),
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, targetIP: tent}
	eng.ProcessPacket(probe.marshal())
	if ifc.ConflictOn(tent) {
		t.Fatalf("own probe flagged a conflict")
	}
}

func TestBogusRepliesIgnored(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.Resolve(peerIP)

	for _, p := range []*packet{
		{op: opReply, senderMAC: peerMAC, senderIP: netip.AddrFrom4([4]byte{}), targetMAC: ourMAC, targetIP: ourIP},
		{op: opReply, senderMAC: peerMAC, senderIP: netip.MustParseAddr("224.0.0.1"), targetMAC: ourMAC, targetIP: ourIP},
		{op: opReply, senderMAC: peerMAC, senderIP: netip.MustParseAddr("255.255.255.255"), targetMAC: ourMAC, targetIP: ourIP},
		{op: opReply, senderMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, senderIP: peerIP, targetMAC: ourMAC, targetIP: ourIP},
		{op: opReply, senderMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, senderIP: peerIP, targetMAC: ourMAC, targetIP: ourIP},
	} {
		eng.ProcessPacket(p.marshal())
	}
	if got := eng.Entries()[0].State; got != StateIncomplete {
		t.Fatalf("state = %v after bogus replies, want incomplete", got)
	}
}

func TestDisabledEngineFallsBackToStatics(t *testing.T) {
	eng, _, snd, _ := newTestEngine(t)
	eng.SetEnabled(false)
	eng.AddStaticEntry(peerIP, peerMAC)

	mac, err := eng.Resolve(peerIP)
	if err != nil || !bytes.Equal(mac, peerMAC) {
		t.Fatalf("static resolve: mac=%v err=%v", mac, err)
	}
	if _, err := eng.Resolve(netip.MustParseAddr("192.0.2.77")); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}

	// Disabled engine answers no requests either.
	snd.frames = nil
	req := &packet{op: opRequest, senderMAC: peerMAC, senderIP: peerIP,
		targetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0}, targetIP: ourIP}
	eng.ProcessPacket(req.marshal())
	if len(snd.frames) != 0 {
		t.Fatalf("disabled engine answered a request")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := &packet{op: opRequest, senderMAC: ourMAC, senderIP: ourIP,
		targetMAC: peerMAC, targetIP: peerIP}
	got, err := parsePacket(p.marshal())
	if err != nil {
		t.Fatalf("parsePacket: %v", err)
	}
	if got.op != p.op || got.senderIP != p.senderIP || got.targetIP != p.targetIP ||
		!bytes.Equal(got.senderMAC, p.senderMAC) || !bytes.Equal(got.targetMAC, p.targetMAC) {
		t.Errorf("round trip mismatch: %+v vs %+v", got, p)
	}
}

func TestPacketValidation(t *testing.T) {
	good := (&packet{op: opRequest, senderMAC: ourMAC, senderIP: ourIP,
		targetMAC: peerMAC, targetIP: peerIP}).marshal()

	for name, mut := range map[string]func([]byte){
		"short":         func(b []byte) {}, // truncated below
		"hardware type": func(b []byte) { b[0] = 0xff },
		"protocol type": func(b []byte) { b[2] = 0xff },
		"hlen":          func(b []byte) { b[4] = 8 },
		"plen":          func(b []byte) { b[5] = 16 },
	} {
		b := append([]byte(nil), good...)
		mut(b)
		if name == "short" {
			b = b[:packetLen-1]
		}
		if _, err := parsePacket(b); err == nil {
			t.Errorf("%s: parse succeeded, want error", name)
		}
	}
}
