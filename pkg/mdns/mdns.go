// Package mdns implements an mDNS responder (RFC 6762) for claiming the
// host name on .local: three probes at 250 ms intervals, simultaneous-probe
// tie-breaking by lexicographic record comparison, announcements, and
// steady-state query answering.
package mdns

import (
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/psaab/ustack/pkg/stack"
)

// RFC 6762 timing.
const (
	probeInterval    = 250 * time.Millisecond
	probeCount       = 3
	announceInterval = 1 * time.Second
	announceCount    = 2
	conflictBackoff  = 1 * time.Second
	recordTTL        = 120
)

// Multicast destinations.
var (
	GroupV4 = netip.AddrPortFrom(netip.MustParseAddr("224.0.0.251"), 5353)
	GroupV6 = netip.AddrPortFrom(netip.MustParseAddr("ff02::fb"), 5353)
)

// names the responder's position in the claim cycle
type phase int

const (
	phaseIdle phase = iota
	phaseProbing
	phaseAnnouncing
	phaseEstablished
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseProbing:
		return "probing"
	case phaseAnnouncing:
		return "announcing"
	case phaseEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Settings configures a Responder.
type Settings struct {
	Interface *stack.Interface
	Transport stack.Transport
	// Hostname is the name to claim, without the .local suffix.
	Hostname string
}

// Responder claims and defends one host name per interface.
type Responder struct {
	st    *stack.Stack
	set   Settings
	name  string // fully qualified, "host.local."
	phase phase
	timer stack.RetransTimer
}

// New creates a responder. Start begins the probe cycle.
func New(st *stack.Stack, set Settings) *Responder {
	return &Responder{
		st:   st,
		set:  set,
		name: dns.Fqdn(set.Hostname + ".local"),
	}
}

// Name returns the fully qualified claimed name.
func (r *Responder) Name() string { return r.name }

// Established reports whether the name has been claimed.
func (r *Responder) Established() bool {
	r.st.Lock()
	defer r.st.Unlock()
	return r.phase == phaseEstablished
}

// Start begins probing for the name.
func (r *Responder) Start() {
	r.st.Lock()
	defer r.st.Unlock()
	r.phase = phaseProbing
	r.timer.Reset(r.st.Now(), 0)
}

// Tick drives the probe/announce cycle.
func (r *Responder) Tick() {
	r.st.Lock()
	defer r.st.Unlock()

	now := r.st.Now()
	if !r.timer.Expired(now) {
		return
	}
	switch r.phase {
	case phaseProbing:
		if r.timer.Count < probeCount {
			r.sendProbe()
			r.timer.Rearm(now, probeInterval)
			return
		}
		r.phase = phaseAnnouncing
		r.timer.Reset(now, 0)
	case phaseAnnouncing:
		if r.timer.Count < announceCount {
			r.sendAnnouncement()
			r.timer.Rearm(now, announceInterval)
			return
		}
		r.phase = phaseEstablished
		slog.Info("mdns: name established", "name", r.name, "interface", r.set.Interface.Name)
	}
}

// ProcessMessage feeds one received mDNS packet to the responder.
func (r *Responder) ProcessMessage(b []byte) {
	var msg dns.Msg
	if err := msg.Unpack(b); err != nil {
		slog.Debug("mdns: dropping packet", "interface", r.set.Interface.Name, "err", err)
		return
	}

	r.st.Lock()
	defer r.st.Unlock()

	if msg.Response {
		r.processResponse(&msg)
	} else {
		r.processQuery(&msg)
	}
}

// processQuery answers established names and tie-breaks racing probes.
func (r *Responder) processQuery(msg *dns.Msg) {
	ours := false
	for _, q := range msg.Question {
		if strings.EqualFold(q.Name, r.name) {
			ours = true
		}
	}
	if !ours {
		return
	}

	// A query carrying authority records for our name is another host
	// probing for it (RFC 6762 section 8.2).
	var theirs []dns.RR
	for _, rr := range msg.Ns {
		if strings.EqualFold(rr.Header().Name, r.name) {
			theirs = append(theirs, rr)
		}
	}
	if len(theirs) > 0 && r.phase == phaseProbing {
		if compareRecordSets(theirs, r.records()) > 0 {
			// The other host wins the tie-break; back off and re-probe.
			slog.Info("mdns: lost probe tie-break, backing off", "name", r.name)
			r.phase = phaseProbing
			r.timer.Reset(r.st.Now(), conflictBackoff)
		}
		return
	}

	if r.phase == phaseEstablished {
		r.sendAnnouncement()
	}
}

// processResponse watches for another host answering with our name, which
// after establishment means the name is contested and must be re-probed.
func (r *Responder) processResponse(msg *dns.Msg) {
	if r.phase != phaseEstablished {
		return
	}
	mine := r.records()
	for _, rr := range msg.Answer {
		if !strings.EqualFold(rr.Header().Name, r.name) {
			continue
		}
		if !recordInSet(rr, mine) {
			slog.Warn("mdns: name conflict detected, re-probing", "name", r.name)
			r.phase = phaseProbing
			r.timer.Reset(r.st.Now(), conflictBackoff)
			return
		}
	}
}

// records builds the address records currently backing the name.
func (r *Responder) records() []dns.RR {
	var rrs []dns.RR
	hdr := func(t uint16) dns.RR_Header {
		return dns.RR_Header{
			Name: r.name, Rrtype: t,
			Class: dns.ClassINET | 1<<15, // cache-flush bit
			Ttl:   recordTTL,
		}
	}
	for _, a := range r.set.Interface.Addrs() {
		if a.State == stack.AddrTentative {
			continue
		}
		if a.Addr.Is4() {
			rrs = append(rrs, &dns.A{Hdr: hdr(dns.TypeA), A: net.IP(a.Addr.AsSlice())})
		} else {
			rrs = append(rrs, &dns.AAAA{Hdr: hdr(dns.TypeAAAA), AAAA: net.IP(a.Addr.AsSlice())})
		}
	}
	return rrs
}

// sendProbe transmits a probe query: question for the name, proposed
// records in the authority section (RFC 6762 section 8.1).
func (r *Responder) sendProbe() {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{
		Name: r.name, Qtype: dns.TypeANY, Qclass: dns.ClassINET,
	}}
	msg.Ns = r.records()
	r.send(msg)
}

// sendAnnouncement transmits an unsolicited response carrying the claimed
// records.
func (r *Responder) sendAnnouncement() {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = r.records()
	r.send(msg)
}

func (r *Responder) send(msg *dns.Msg) {
	payload, err := msg.Pack()
	if err != nil {
		slog.Debug("mdns: pack failed", "name", r.name, "err", err)
		return
	}
	for _, a := range r.set.Interface.Addrs() {
		if a.Addr.Is4() {
			if err := r.set.Transport.Send(r.set.Interface, GroupV4, payload); err != nil {
				slog.Debug("mdns: send failed", "group", GroupV4, "err", err)
			}
			break
		}
	}
	if err := r.set.Transport.Send(r.set.Interface, GroupV6, payload); err != nil {
		slog.Debug("mdns: send failed", "group", GroupV6, "err", err)
	}
}

// compareRecordSets implements the RFC 6762 section 8.2.1 lexicographic
// tie-break: both sets sorted, then compared pairwise by (class, type,
// rdata); the longer set wins a shared prefix. Positive means a wins.
func compareRecordSets(a, b []dns.RR) int {
	ka, kb := recordKeys(a), recordKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(ka) > len(kb):
		return 1
	case len(ka) < len(kb):
		return -1
	}
	return 0
}

// recordKeys derives sorted comparison keys. The key is the raw class,
// type, and rdata bytes of the packed record, the order RFC 6762 compares
// fields in.
func recordKeys(rrs []dns.RR) []string {
	keys := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		buf := make([]byte, dns.Len(rr)+64)
		nameLen, err := dns.PackDomainName(rr.Header().Name, buf, 0, nil, false)
		if err != nil {
			continue
		}
		off, err := dns.PackRR(rr, buf, 0, nil, false)
		if err != nil {
			continue
		}
		// Layout after the name: type(2) class(2) ttl(4) rdlength(2) rdata.
		// The tie-break ignores the cache-flush bit in the class.
		typ := buf[nameLen : nameLen+2]
		class := []byte{buf[nameLen+2] &^ 0x80, buf[nameLen+3]}
		rdata := buf[nameLen+10 : off]
		keys = append(keys, string(class)+string(typ)+string(rdata))
	}
	sort.Strings(keys)
	return keys
}

func recordInSet(rr dns.RR, set []dns.RR) bool {
	k := recordKeys([]dns.RR{rr})
	if len(k) == 0 {
		return false
	}
	for _, s := range recordKeys(set) {
		if s == k[0] {
			return true
		}
	}
	return false
}
