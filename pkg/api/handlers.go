package api

import (
	"encoding/hex"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/psaab/ustack/pkg/dhcp6c"
	"github.com/psaab/ustack/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:         time.Since(s.startTime).Truncate(time.Second).String(),
		InterfaceCount: len(s.services),
	}
	for _, svc := range s.services {
		if svc.ARP != nil {
			resp.NeighborCount += len(svc.ARP.Entries())
		}
		if svc.NDP != nil {
			resp.NeighborCount += len(svc.NDP.Entries())
		}
		if svc.DHCP6 != nil {
			resp.LeaseCount += len(svc.DHCP6.Binding().Addrs)
		}
	}
	writeOK(w, resp)
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	var result []InterfaceInfo
	s.st.Lock()
	for _, svc := range s.services {
		ifc := svc.Iface
		ii := InterfaceInfo{
			Name:      ifc.Name,
			Ifindex:   ifc.Index,
			MAC:       ifc.MAC.String(),
			MTU:       ifc.MTU,
			LinkUp:    ifc.LinkUp(),
			Addresses: []AddressInfo{},
		}
		for _, a := range ifc.Addrs() {
			ii.Addresses = append(ii.Addresses, AddressInfo{
				Address:  a.Addr.String(),
				State:    a.State.String(),
				Conflict: a.Conflict,
			})
		}
		result = append(result, ii)
	}
	s.st.Unlock()
	if result == nil {
		result = []InterfaceInfo{}
	}
	writeOK(w, result)
}

// neighborsHandler lists the merged ARP and NDP caches.
// Supports ?interface= and ?protocol= filters.
func (s *Server) neighborsHandler(w http.ResponseWriter, r *http.Request) {
	ifFilter := r.URL.Query().Get("interface")
	protoFilter := r.URL.Query().Get("protocol")

	result := []NeighborEntry{}
	for _, svc := range s.services {
		if ifFilter != "" && svc.Iface.Name != ifFilter {
			continue
		}
		if svc.ARP != nil && protoFilter != "ndp" {
			for _, e := range svc.ARP.Entries() {
				ne := NeighborEntry{
					Interface: svc.Iface.Name,
					Protocol:  "arp",
					Address:   e.IP.String(),
					State:     e.State.String(),
				}
				if len(e.MAC) > 0 {
					ne.MAC = e.MAC.String()
				}
				result = append(result, ne)
			}
		}
		if svc.NDP != nil && protoFilter != "arp" {
			for _, e := range svc.NDP.Entries() {
				ne := NeighborEntry{
					Interface: svc.Iface.Name,
					Protocol:  "ndp",
					Address:   e.IP.String(),
					State:     e.State.String(),
				}
				if len(e.MAC) > 0 {
					ne.MAC = e.MAC.String()
				}
				result = append(result, ne)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Interface != result[j].Interface {
			return result[i].Interface < result[j].Interface
		}
		return result[i].Address < result[j].Address
	})
	writeOK(w, result)
}

func (s *Server) arpStatsHandler(w http.ResponseWriter, _ *http.Request) {
	result := []ARPStatsInfo{}
	for _, svc := range s.services {
		if svc.ARP == nil {
			continue
		}
		st := svc.ARP.Stats()
		result = append(result, ARPStatsInfo{
			Interface:        svc.Iface.Name,
			RequestsSent:     st.RequestsSent,
			RepliesSent:      st.RepliesSent,
			RepliesReceived:  st.RepliesReceived,
			QueueDrops:       st.QueueDrops,
			FailedResolves:   st.FailedResolves,
			ConflictsFlagged: st.ConflictsFlagged,
		})
	}
	writeOK(w, result)
}

func (s *Server) dhcp6Handler(w http.ResponseWriter, _ *http.Request) {
	result := []DHCP6BindingInfo{}
	for _, svc := range s.services {
		if svc.DHCP6 == nil {
			continue
		}
		result = append(result, bindingInfo(svc.Iface.Name, svc.DHCP6.Binding()))
	}
	writeOK(w, result)
}

func bindingInfo(ifName string, b dhcp6c.Binding) DHCP6BindingInfo {
	bi := DHCP6BindingInfo{
		Interface: ifName,
		State:     b.State.String(),
		T1:        lifetimeString(b.T1),
		T2:        lifetimeString(b.T2),
		Addresses: []LeasedAddrInfo{},
		DNS:       []string{},
	}
	if len(b.ServerID) > 0 {
		bi.ServerID = hex.EncodeToString(b.ServerID)
	}
	for _, a := range b.Addrs {
		bi.Addresses = append(bi.Addresses, LeasedAddrInfo{
			Address:   a.Addr.String(),
			Preferred: lifetimeString(a.Preferred),
			Valid:     lifetimeString(a.Valid),
			State:     a.AddrState.String(),
		})
	}
	for _, d := range b.DNS {
		bi.DNS = append(bi.DNS, d.String())
	}
	return bi
}

// lifetimeString renders a lease duration, naming the RFC 8415 infinity
// value explicitly.
func lifetimeString(d time.Duration) string {
	if d >= time.Duration(math.MaxUint32)*time.Second {
		return "infinity"
	}
	return d.Truncate(time.Second).String()
}

// eventsHandler returns the most recent events, newest first.
// Supports ?limit=, ?interface= and ?type= filters.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	filter := logging.EventFilter{
		Interface: r.URL.Query().Get("interface"),
		Type:      r.URL.Query().Get("type"),
	}

	recs := s.eventBuf.LatestFiltered(limit, filter)
	result := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		result = append(result, eventEntryFromRecord(rec))
	}
	writeOK(w, result)
}

func (s *Server) arpFlushHandler(w http.ResponseWriter, r *http.Request) {
	ifFilter := r.URL.Query().Get("interface")
	var flushed int
	for _, svc := range s.services {
		if svc.ARP == nil {
			continue
		}
		if ifFilter != "" && svc.Iface.Name != ifFilter {
			continue
		}
		before := len(svc.ARP.Entries())
		svc.ARP.Flush()
		flushed += before - len(svc.ARP.Entries())
	}
	writeOK(w, FlushResult{Flushed: flushed})
}

func (s *Server) ndpFlushHandler(w http.ResponseWriter, r *http.Request) {
	ifFilter := r.URL.Query().Get("interface")
	var flushed int
	for _, svc := range s.services {
		if svc.NDP == nil {
			continue
		}
		if ifFilter != "" && svc.Iface.Name != ifFilter {
			continue
		}
		before := len(svc.NDP.Entries())
		svc.NDP.Flush()
		flushed += before - len(svc.NDP.Entries())
	}
	writeOK(w, FlushResult{Flushed: flushed})
}

func (s *Server) dhcp6ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	ifName := r.URL.Query().Get("interface")
	if ifName == "" {
		writeError(w, http.StatusBadRequest, "interface parameter required")
		return
	}
	svc := s.service(ifName)
	if svc == nil || svc.DHCP6 == nil {
		writeError(w, http.StatusNotFound, "no DHCPv6 client on interface")
		return
	}
	writeOK(w, ReleaseResult{
		Interface: ifName,
		Released:  svc.DHCP6.Release(),
	})
}
