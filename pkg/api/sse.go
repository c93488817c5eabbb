package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psaab/ustack/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams neighbor and lease events via SSE.
// Supports ?interface= and ?type= filters.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	filter := logging.EventFilter{
		Interface: r.URL.Query().Get("interface"),
		Type:      r.URL.Query().Get("type"),
	}

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if !filter.Matches(&rec) {
				continue
			}
			data, err := json.Marshal(eventEntryFromRecord(rec))
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), rec.Type, string(data))
		}
	}
}

// logStreamHandler streams events formatted as log messages via SSE.
// Supports ?severity= and ?interface= filters.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	severityFilter := logging.ParseSeverity(r.URL.Query().Get("severity"))
	filter := logging.EventFilter{Interface: r.URL.Query().Get("interface")}

	setSSEHeaders(w)

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			severity := eventRecordSeverity(rec.Type)
			if severityFilter != 0 && severity > severityFilter {
				continue
			}
			if !filter.Matches(&rec) {
				continue
			}
			logEntry := LogStreamEntry{
				Time:     rec.Time.Format(time.RFC3339),
				Severity: severityName(severity),
				Message:  formatLogMessage(rec),
			}
			data, err := json.Marshal(logEntry)
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", rec.Seq), "log", string(data))
		}
	}
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Seq:       rec.Seq,
		Type:      rec.Type,
		Interface: rec.Interface,
		Address:   rec.Addr,
		MAC:       rec.MAC,
		Detail:    rec.Detail,
	}
}

// eventRecordSeverity maps event type names to syslog severity.
func eventRecordSeverity(eventType string) int {
	switch eventType {
	case logging.EventDADFailed, logging.EventDHCP6Timeout:
		return logging.SyslogError
	case logging.EventARPConflict, logging.EventNDPConflict,
		logging.EventMDNSConflict, logging.EventNeighborFail:
		return logging.SyslogWarning
	default:
		return logging.SyslogInfo
	}
}

func severityName(s int) string {
	switch s {
	case logging.SyslogError:
		return "error"
	case logging.SyslogWarning:
		return "warning"
	default:
		return "info"
	}
}

func formatLogMessage(rec logging.EventRecord) string {
	var b strings.Builder
	b.WriteString(rec.Type)
	if rec.Interface != "" {
		fmt.Fprintf(&b, " ifc=%s", rec.Interface)
	}
	if rec.Addr != "" {
		fmt.Fprintf(&b, " addr=%s", rec.Addr)
	}
	if rec.MAC != "" {
		fmt.Fprintf(&b, " mac=%s", rec.MAC)
	}
	if rec.Detail != "" {
		b.WriteByte(' ')
		b.WriteString(rec.Detail)
	}
	return b.String()
}
