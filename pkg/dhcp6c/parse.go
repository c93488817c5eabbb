package dhcp6c

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// Per-IA parse outcomes, consumed immediately by parseReply to pick the
// next transition. Nothing here escapes the state machine.
var (
	errWrongIAID = errors.New("iaid mismatch")
	errNoAddrs   = errors.New("no addresses available")
	errNoBinding = errors.New("no binding")
	errNotOnLink = errors.New("not on link")
	errIAFailure = errors.New("ia status failure")
)

// ProcessMessage feeds one received DHCPv6 message to the client. Malformed
// or mismatched messages are dropped without any state change.
func (c *Client) ProcessMessage(b []byte) {
	msg, err := dhcpv6.MessageFromBytes(b)
	if err != nil {
		slog.Debug("dhcp6c: dropping message", "interface", c.set.Interface.Name, "err", err)
		return
	}

	c.st.Lock()
	defer c.st.Unlock()

	switch msg.MessageType {
	case dhcpv6.MessageTypeAdvertise:
		c.parseAdvertise(msg)
	case dhcpv6.MessageTypeReply:
		c.parseReply(msg)
	}
}

// checkIdentity enforces the transaction and identity rules shared by
// Advertise and Reply: matching transaction ID, a Client Identifier equal
// to ours, and a well-formed Server Identifier. Returns the server DUID
// bytes, or nil to drop the message.
func (c *Client) checkIdentity(msg *dhcpv6.Message) []byte {
	if msg.TransactionID != c.xid {
		return nil
	}
	cid := msg.Options.ClientID()
	if cid == nil || !bytes.Equal(cid.ToBytes(), c.clientID.ToBytes()) {
		return nil
	}
	sid := msg.Options.ServerID()
	if sid == nil {
		return nil
	}
	raw := sid.ToBytes()
	if len(raw) == 0 || len(raw) > maxDUIDLen {
		return nil
	}
	return raw
}

// parseAdvertise handles server offers during Solicit. The client collects
// offers, keeping only the best-preference server's addresses, and commits
// to a Request on preference 255 or once the first retransmission interval
// has passed.
func (c *Client) parseAdvertise(msg *dhcpv6.Message) {
	if c.state != StateSolicit {
		return
	}
	sid := c.checkIdentity(msg)
	if sid == nil {
		return
	}
	if st := statusOf(msg.Options.Options); st != nil && st.StatusCode != iana.StatusSuccess {
		return
	}

	// RFC 8415 section 18.2.9: an IA_NA for us reporting NoAddrsAvail
	// disqualifies the whole Advertise.
	ourID := c.iaid()
	for _, opt := range msg.Options.Options {
		o, ok := opt.(*dhcpv6.OptIANA)
		if !ok || o.IaId != ourID {
			continue
		}
		if st := statusOf(o.Options.Options); st != nil && st.StatusCode == iana.StatusNoAddrsAvail {
			return
		}
	}

	pref := 0
	if o := msg.GetOneOption(dhcpv6.OptionPreference); o != nil {
		if b := o.ToBytes(); len(b) >= 1 {
			pref = int(b[0])
		}
	}

	// A strictly better offer displaces the stored server and its
	// addresses; equal or worse offers are only counted, not parsed.
	if pref > c.serverPreference {
		c.serverPreference = pref
		c.serverID = sid
		c.flushAddrList()
		for _, opt := range msg.Options.Options {
			if o, ok := opt.(*dhcpv6.OptIANA); ok {
				if err := c.parseIANA(o); err != nil {
					slog.Debug("dhcp6c: skipping IA_NA in advertise",
						"interface", c.set.Interface.Name, "err", err)
				}
			}
		}
	}

	if c.serverPreference < 0 {
		return
	}
	// Commit immediately on the maximum preference, or once the solicit
	// has been retransmitted (the collection window has passed).
	if pref == 255 || c.timer.Count > 1 {
		c.changeState(StateRequest, 0)
	}
}

// parseReply handles server replies in every state that expects one.
func (c *Client) parseReply(msg *dhcpv6.Message) {
	switch c.state {
	case StateSolicit, StateRequest, StateConfirm, StateRenew,
		StateRebind, StateRelease, StateDecline:
	default:
		return
	}
	sid := c.checkIdentity(msg)
	if sid == nil {
		return
	}

	switch c.state {
	case StateSolicit:
		// Only a rapid-commit Reply is acceptable here. The Rapid Commit
		// option carries no data; a non-empty one is malformed.
		rc := msg.GetOneOption(dhcpv6.OptionRapidCommit)
		if !c.set.RapidCommit || rc == nil || len(rc.ToBytes()) != 0 {
			return
		}
	case StateRequest, StateRenew, StateRelease, StateDecline:
		// These exchanges are bound to one server.
		if !bytes.Equal(sid, c.serverID) {
			return
		}
	}

	// Release and Decline complete on any valid Reply, whatever the
	// status codes say.
	switch c.state {
	case StateRelease:
		c.running = false
		c.flushAddrList()
		c.changeState(StateInit, 0)
		return
	case StateDecline:
		c.declining = nil
		c.changeState(StateInit, 0)
		return
	}

	if st := statusOf(msg.Options.Options); st != nil {
		switch st.StatusCode {
		case iana.StatusNotOnLink:
			if c.state == StateConfirm {
				c.flushAddrList()
				c.changeState(StateInit, 0)
			}
			return
		case iana.StatusUseMulticast, iana.StatusUnspecFail:
			return
		}
	}

	if c.set.ParseOptions != nil {
		c.set.ParseOptions(msg)
	}

	if !c.set.ManualDNS {
		c.dns = c.dns[:0]
		for _, ip := range msg.Options.DNS() {
			if len(c.dns) >= maxDNSServers {
				break
			}
			if a, ok := netip.AddrFromSlice(ip.To16()); ok {
				c.dns = append(c.dns, a)
			}
		}
	}

	parsed := 0
	for _, opt := range msg.Options.Options {
		o, ok := opt.(*dhcpv6.OptIANA)
		if !ok {
			continue
		}
		switch err := c.parseIANA(o); {
		case err == nil:
			parsed++
		case errors.Is(err, errNotOnLink):
			c.flushAddrList()
			c.changeState(StateInit, 0)
			return
		case errors.Is(err, errNoBinding):
			c.changeState(StateRequest, 0)
			return
		default:
			// Skip the bad IA, keep whatever else the Reply carries.
			slog.Debug("dhcp6c: skipping IA_NA in reply",
				"interface", c.set.Interface.Name, "err", err)
		}
	}

	if parsed == 0 {
		switch c.state {
		case StateRenew, StateRebind:
			// The retransmission timer will simply try again.
			return
		}
		c.flushAddrList()
		c.changeState(StateInit, 0)
		return
	}

	now := c.st.Now()
	tentative := c.state == StateSolicit || c.state == StateRequest
	c.serverID = sid
	c.commitAddrs(now, tentative)
}

// parseIANA folds one IA_NA option into the address table. The error
// return tells the caller which transition, if any, the IA's status
// demands.
func (c *Client) parseIANA(o *dhcpv6.OptIANA) error {
	if o.IaId != c.iaid() {
		return errWrongIAID
	}
	if o.T1 != 0 && o.T2 != 0 && o.T1 > o.T2 {
		return errIAFailure
	}

	if st := statusOf(o.Options.Options); st != nil {
		switch st.StatusCode {
		case iana.StatusSuccess:
		case iana.StatusNoAddrsAvail:
			return errNoAddrs
		case iana.StatusNoBinding:
			return errNoBinding
		case iana.StatusNotOnLink:
			return errNotOnLink
		default:
			return errIAFailure
		}
	}

	n := 0
	for _, sub := range o.Options.Options {
		a, ok := sub.(*dhcpv6.OptIAAddress)
		if !ok {
			continue
		}
		if err := c.parseIAAddr(a); err != nil {
			slog.Debug("dhcp6c: ignoring IA address",
				"interface", c.set.Interface.Name, "err", err)
			continue
		}
		n++
	}
	if n == 0 {
		return errNoAddrs
	}

	c.t1 = o.T1
	c.t2 = o.T2
	return nil
}

// parseIAAddr folds one IA Address sub-option into the table. A zero valid
// lifetime withdraws the address.
func (c *Client) parseIAAddr(o *dhcpv6.OptIAAddress) error {
	if o.PreferredLifetime > o.ValidLifetime {
		return errors.New("preferred lifetime exceeds valid lifetime")
	}
	if st := statusOf(o.Options.Options); st != nil && st.StatusCode != iana.StatusSuccess {
		return errIAFailure
	}
	addr, ok := netip.AddrFromSlice(o.IPv6Addr.To16())
	if !ok || !addr.Is6() || addr.IsUnspecified() {
		return errors.New("bad address")
	}

	if o.ValidLifetime == 0 {
		c.removeAddr(addr)
		return nil
	}
	c.addAddr(addr, o.PreferredLifetime, o.ValidLifetime)
	return nil
}

// statusOf extracts the first Status Code option from an option list.
func statusOf(opts []dhcpv6.Option) *dhcpv6.OptStatusCode {
	for _, opt := range opts {
		if st, ok := opt.(*dhcpv6.OptStatusCode); ok {
			return st
		}
	}
	return nil
}
