// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime         string `json:"uptime"`
	InterfaceCount int    `json:"interface_count"`
	NeighborCount  int    `json:"neighbor_count"`
	LeaseCount     int    `json:"lease_count"`
}

// AddressInfo holds one interface address with its lifecycle state.
type AddressInfo struct {
	Address  string `json:"address"`
	State    string `json:"state"`
	Conflict bool   `json:"conflict,omitempty"`
}

// InterfaceInfo holds interface identity and address table.
type InterfaceInfo struct {
	Name      string        `json:"name"`
	Ifindex   int           `json:"ifindex"`
	MAC       string        `json:"mac"`
	MTU       int           `json:"mtu"`
	LinkUp    bool          `json:"link_up"`
	Addresses []AddressInfo `json:"addresses"`
}

// NeighborEntry holds one neighbor cache entry.
type NeighborEntry struct {
	Interface string `json:"interface"`
	Protocol  string `json:"protocol"` // "arp" or "ndp"
	Address   string `json:"address"`
	MAC       string `json:"mac,omitempty"`
	State     string `json:"state"`
}

// ARPStatsInfo holds per-interface ARP engine counters.
type ARPStatsInfo struct {
	Interface        string `json:"interface"`
	RequestsSent     uint64 `json:"requests_sent"`
	RepliesSent      uint64 `json:"replies_sent"`
	RepliesReceived  uint64 `json:"replies_received"`
	QueueDrops       uint64 `json:"queue_drops"`
	FailedResolves   uint64 `json:"failed_resolves"`
	ConflictsFlagged uint64 `json:"conflicts_flagged"`
}

// LeasedAddrInfo holds one DHCPv6-leased address.
type LeasedAddrInfo struct {
	Address   string `json:"address"`
	Preferred string `json:"preferred_lifetime"`
	Valid     string `json:"valid_lifetime"`
	State     string `json:"state"`
}

// DHCP6BindingInfo holds one interface's DHCPv6 client lease snapshot.
type DHCP6BindingInfo struct {
	Interface string           `json:"interface"`
	State     string           `json:"state"`
	ServerID  string           `json:"server_id,omitempty"`
	T1        string           `json:"t1"`
	T2        string           `json:"t2"`
	Addresses []LeasedAddrInfo `json:"addresses"`
	DNS       []string         `json:"dns"`
}

// EventEntry holds a single event record.
type EventEntry struct {
	Time      string `json:"time"`
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	Interface string `json:"interface,omitempty"`
	Address   string `json:"address,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// FlushResult reports how many cache entries a flush removed.
type FlushResult struct {
	Flushed int `json:"flushed"`
}

// ReleaseResult reports the outcome of a DHCPv6 release request.
type ReleaseResult struct {
	Interface string `json:"interface"`
	Released  bool   `json:"released"`
}
