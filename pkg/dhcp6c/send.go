package dhcp6c

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/psaab/ustack/pkg/stack"
)

// allServersDst is the All_DHCP_Relay_Agents_and_Servers multicast
// destination for every client-originated message.
var allServersDst = func() netip.AddrPort {
	a, _ := netip.AddrFromSlice(dhcpv6.AllDHCPRelayAgentsAndServers.To16())
	return netip.AddrPortFrom(a, dhcpv6.DefaultServerPort)
}()

// newTransaction begins a fresh message exchange: new transaction ID, new
// elapsed-time epoch. Retransmissions of the same exchange keep both.
func (c *Client) newTransaction(now stack.Millis) {
	xid, err := dhcpv6.GenerateTransactionID()
	if err == nil {
		c.xid = xid
	}
	c.exchangeStart = now
}

// sendMessage builds and transmits one client message. Retransmission
// accounting belongs to the tick handlers, not here.
func (c *Client) sendMessage(mt dhcpv6.MessageType) {
	msg := &dhcpv6.Message{MessageType: mt, TransactionID: c.xid}
	msg.AddOption(dhcpv6.OptClientID(c.clientID))

	// RFC 8415 section 16: the Server Identifier is present only in
	// messages directed at one particular server.
	switch mt {
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew,
		dhcpv6.MessageTypeRelease, dhcpv6.MessageTypeDecline:
		if sid, err := dhcpv6.DUIDFromBytes(c.serverID); err == nil {
			msg.AddOption(dhcpv6.OptServerID(sid))
		}
	}

	if mt == dhcpv6.MessageTypeSolicit && c.set.RapidCommit {
		msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	}

	msg.AddOption(c.buildIANA(mt))
	msg.AddOption(dhcpv6.OptElapsedTime(c.elapsedTime()))

	if c.set.AddOptions != nil {
		c.set.AddOptions(msg)
	}
	// The caller's options win: only add our Option Request if the
	// callback did not supply one.
	if msg.GetOneOption(dhcpv6.OptionORO) == nil {
		msg.AddOption(dhcpv6.OptRequestedOption(
			dhcpv6.OptionDNSRecursiveNameServer,
			dhcpv6.OptionDomainSearchList,
		))
	}

	if err := c.set.Transport.Send(c.set.Interface, allServersDst, msg.ToBytes()); err != nil {
		// The retransmission timer retries naturally.
		slog.Debug("dhcp6c: send failed",
			"interface", c.set.Interface.Name, "type", mt.String(), "err", err)
	}
}

// buildIANA assembles the single IA_NA option carried by every message.
// Solicit, Request, and Confirm leave T1/T2 to the server; address
// sub-options name the current binding where the message type calls for
// it, with Confirm zeroing the lifetimes.
func (c *Client) buildIANA(mt dhcpv6.MessageType) *dhcpv6.OptIANA {
	opt := &dhcpv6.OptIANA{IaId: c.iaid()}

	switch mt {
	case dhcpv6.MessageTypeSolicit, dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeConfirm:
	default:
		opt.T1 = c.t1
		opt.T2 = c.t2
	}

	addSub := func(e *addrEntry, zeroLifetimes bool) {
		sub := &dhcpv6.OptIAAddress{IPv6Addr: e.addr.AsSlice()}
		if !zeroLifetimes {
			sub.PreferredLifetime = e.preferred
			sub.ValidLifetime = e.valid
		}
		opt.Options.Add(sub)
	}

	switch mt {
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeConfirm,
		dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind,
		dhcpv6.MessageTypeRelease:
		for i := range c.addrs {
			if c.addrs[i].inUse() {
				addSub(&c.addrs[i], mt == dhcpv6.MessageTypeConfirm)
			}
		}
	case dhcpv6.MessageTypeDecline:
		for i := range c.declining {
			addSub(&c.declining[i], false)
		}
	}
	return opt
}

// elapsedTime is the time since the first transmission of the current
// exchange, zero on the first transmission itself, saturating at the
// option's 16-bit hundredths-of-a-second range.
func (c *Client) elapsedTime() time.Duration {
	if c.timer.Count == 0 {
		return 0
	}
	hundredths := stack.Millis(c.st.Now()-c.exchangeStart) / 10
	if hundredths > 0xffff {
		hundredths = 0xffff
	}
	return time.Duration(hundredths) * 10 * time.Millisecond
}
