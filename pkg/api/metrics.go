package api

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ustackCollector implements prometheus.Collector, snapshotting the
// protocol engines on each scrape.
type ustackCollector struct {
	srv *Server

	// Neighbor cache gauges
	neighborEntries *prometheus.Desc

	// ARP engine counters
	arpRequestsTotal        *prometheus.Desc
	arpRepliesSentTotal     *prometheus.Desc
	arpRepliesReceivedTotal *prometheus.Desc
	arpQueueDropsTotal      *prometheus.Desc
	arpFailedResolvesTotal  *prometheus.Desc
	arpConflictsTotal       *prometheus.Desc

	// DHCPv6 client gauges
	dhcp6Bound      *prometheus.Desc
	dhcp6LeaseAddrs *prometheus.Desc
	dhcp6T1Seconds  *prometheus.Desc
	dhcp6T2Seconds  *prometheus.Desc

	// Interface gauges
	ifaceLinkUp    *prometheus.Desc
	ifaceAddresses *prometheus.Desc
}

func newCollector(srv *Server) *ustackCollector {
	return &ustackCollector{
		srv: srv,

		neighborEntries: prometheus.NewDesc(
			"ustack_neighbor_entries",
			"Current neighbor cache entries.",
			[]string{"interface", "protocol", "state"}, nil,
		),
		arpRequestsTotal: prometheus.NewDesc(
			"ustack_arp_requests_sent_total",
			"Total ARP requests transmitted.",
			[]string{"interface"}, nil,
		),
		arpRepliesSentTotal: prometheus.NewDesc(
			"ustack_arp_replies_sent_total",
			"Total ARP replies transmitted.",
			[]string{"interface"}, nil,
		),
		arpRepliesReceivedTotal: prometheus.NewDesc(
			"ustack_arp_replies_received_total",
			"Total ARP replies accepted.",
			[]string{"interface"}, nil,
		),
		arpQueueDropsTotal: prometheus.NewDesc(
			"ustack_arp_queue_drops_total",
			"Total pending frames dropped from resolution queues.",
			[]string{"interface"}, nil,
		),
		arpFailedResolvesTotal: prometheus.NewDesc(
			"ustack_arp_failed_resolves_total",
			"Total address resolutions that exhausted retries.",
			[]string{"interface"}, nil,
		),
		arpConflictsTotal: prometheus.NewDesc(
			"ustack_arp_conflicts_total",
			"Total address conflicts detected on tentative addresses.",
			[]string{"interface"}, nil,
		),
		dhcp6Bound: prometheus.NewDesc(
			"ustack_dhcp6_bound",
			"Whether the DHCPv6 client holds a lease (1 = bound/renewing/rebinding).",
			[]string{"interface"}, nil,
		),
		dhcp6LeaseAddrs: prometheus.NewDesc(
			"ustack_dhcp6_lease_addresses",
			"Number of addresses in the current DHCPv6 lease.",
			[]string{"interface"}, nil,
		),
		dhcp6T1Seconds: prometheus.NewDesc(
			"ustack_dhcp6_t1_seconds",
			"Renew timer T1 in seconds (2^32-1 = infinity).",
			[]string{"interface"}, nil,
		),
		dhcp6T2Seconds: prometheus.NewDesc(
			"ustack_dhcp6_t2_seconds",
			"Rebind timer T2 in seconds.",
			[]string{"interface"}, nil,
		),
		ifaceLinkUp: prometheus.NewDesc(
			"ustack_interface_link_up",
			"Interface link state (1 = up).",
			[]string{"interface"}, nil,
		),
		ifaceAddresses: prometheus.NewDesc(
			"ustack_interface_addresses",
			"Assigned addresses by lifecycle state.",
			[]string{"interface", "state"}, nil,
		),
	}
}

func (c *ustackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.neighborEntries
	ch <- c.arpRequestsTotal
	ch <- c.arpRepliesSentTotal
	ch <- c.arpRepliesReceivedTotal
	ch <- c.arpQueueDropsTotal
	ch <- c.arpFailedResolvesTotal
	ch <- c.arpConflictsTotal
	ch <- c.dhcp6Bound
	ch <- c.dhcp6LeaseAddrs
	ch <- c.dhcp6T1Seconds
	ch <- c.dhcp6T2Seconds
	ch <- c.ifaceLinkUp
	ch <- c.ifaceAddresses
}

func (c *ustackCollector) Collect(ch chan<- prometheus.Metric) {
	for _, svc := range c.srv.services {
		name := svc.Iface.Name
		c.collectNeighbors(ch, svc)
		c.collectInterface(ch, svc)

		if svc.ARP != nil {
			st := svc.ARP.Stats()
			ch <- prometheus.MustNewConstMetric(c.arpRequestsTotal, prometheus.CounterValue,
				float64(st.RequestsSent), name)
			ch <- prometheus.MustNewConstMetric(c.arpRepliesSentTotal, prometheus.CounterValue,
				float64(st.RepliesSent), name)
			ch <- prometheus.MustNewConstMetric(c.arpRepliesReceivedTotal, prometheus.CounterValue,
				float64(st.RepliesReceived), name)
			ch <- prometheus.MustNewConstMetric(c.arpQueueDropsTotal, prometheus.CounterValue,
				float64(st.QueueDrops), name)
			ch <- prometheus.MustNewConstMetric(c.arpFailedResolvesTotal, prometheus.CounterValue,
				float64(st.FailedResolves), name)
			ch <- prometheus.MustNewConstMetric(c.arpConflictsTotal, prometheus.CounterValue,
				float64(st.ConflictsFlagged), name)
		}

		if svc.DHCP6 != nil {
			b := svc.DHCP6.Binding()
			var bound float64
			if len(b.Addrs) > 0 {
				bound = 1
			}
			ch <- prometheus.MustNewConstMetric(c.dhcp6Bound, prometheus.GaugeValue, bound, name)
			ch <- prometheus.MustNewConstMetric(c.dhcp6LeaseAddrs, prometheus.GaugeValue,
				float64(len(b.Addrs)), name)
			ch <- prometheus.MustNewConstMetric(c.dhcp6T1Seconds, prometheus.GaugeValue,
				lifetimeSeconds(b.T1), name)
			ch <- prometheus.MustNewConstMetric(c.dhcp6T2Seconds, prometheus.GaugeValue,
				lifetimeSeconds(b.T2), name)
		}
	}
}

func (c *ustackCollector) collectNeighbors(ch chan<- prometheus.Metric, svc *Service) {
	name := svc.Iface.Name
	if svc.ARP != nil {
		byState := make(map[string]int)
		for _, e := range svc.ARP.Entries() {
			byState[e.State.String()]++
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(c.neighborEntries, prometheus.GaugeValue,
				float64(n), name, "arp", state)
		}
	}
	if svc.NDP != nil {
		byState := make(map[string]int)
		for _, e := range svc.NDP.Entries() {
			byState[e.State.String()]++
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(c.neighborEntries, prometheus.GaugeValue,
				float64(n), name, "ndp", state)
		}
	}
}

func (c *ustackCollector) collectInterface(ch chan<- prometheus.Metric, svc *Service) {
	st := c.srv.st
	name := svc.Iface.Name

	st.Lock()
	var up float64
	if svc.Iface.LinkUp() {
		up = 1
	}
	byState := make(map[string]int)
	for _, a := range svc.Iface.Addrs() {
		byState[a.State.String()]++
	}
	st.Unlock()

	ch <- prometheus.MustNewConstMetric(c.ifaceLinkUp, prometheus.GaugeValue, up, name)
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.ifaceAddresses, prometheus.GaugeValue,
			float64(n), name, state)
	}
}

// lifetimeSeconds converts a lease duration to seconds for export,
// clamping the RFC 8415 infinity value.
func lifetimeSeconds(d time.Duration) float64 {
	if d >= time.Duration(math.MaxUint32)*time.Second {
		return float64(math.MaxUint32)
	}
	return d.Seconds()
}
