package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/ustack/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "test_event", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: test_event\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestWriteSSEEventNoEventType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when empty, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("missing id line")
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

func TestEventStreamHandler(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for subscription to be set up
	time.Sleep(50 * time.Millisecond)

	buf.Add(logging.EventRecord{
		Type:      logging.EventDHCP6Bound,
		Interface: "eth0",
		Addr:      "2001:db8::10",
		Detail:    "t1=30m t2=48m",
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: DHCP6_BOUND") {
		t.Errorf("expected DHCP6_BOUND event in response, got %q", body)
	}
	if !strings.Contains(body, "2001:db8::10") {
		t.Errorf("expected leased addr in event data, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestEventStreamInterfaceFilter(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/events/stream?interface=eth1", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	// eth0 event should be filtered out
	buf.Add(logging.EventRecord{
		Type: logging.EventNeighborAdd, Interface: "eth0", Addr: "192.0.2.5",
	})
	// eth1 event should pass
	buf.Add(logging.EventRecord{
		Type: logging.EventARPConflict, Interface: "eth1", Addr: "192.0.2.7",
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if strings.Contains(body, "192.0.2.5") {
		t.Errorf("eth0 event should be filtered out, got %q", body)
	}
	if !strings.Contains(body, "ARP_CONFLICT") {
		t.Errorf("eth1 event should pass filter, got %q", body)
	}
}

func TestLogStreamHandler(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/logs/stream", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.logStreamHandler(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	buf.Add(logging.EventRecord{
		Type: logging.EventARPConflict, Interface: "eth0",
		Addr: "192.0.2.1", MAC: "02:00:00:00:00:99",
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: log") {
		t.Errorf("expected 'event: log' in response, got %q", body)
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var entry LogStreamEntry
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entry); err != nil {
				t.Fatalf("unmarshal log entry: %v", err)
			}
			if entry.Severity != "warning" {
				t.Errorf("severity = %q, want warning", entry.Severity)
			}
			if !strings.Contains(entry.Message, "ARP_CONFLICT") {
				t.Errorf("message missing ARP_CONFLICT: %q", entry.Message)
			}
			if !strings.Contains(entry.Message, "mac=02:00:00:00:00:99") {
				t.Errorf("message missing mac field: %q", entry.Message)
			}
			break
		}
	}
}

func TestLogStreamSeverityFilter(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Only error severity
	req := httptest.NewRequest("GET", "/api/v1/logs/stream?severity=error", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.logStreamHandler(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	// Info event (should be filtered)
	buf.Add(logging.EventRecord{
		Type: logging.EventNeighborAdd, Interface: "eth0", Addr: "192.0.2.5",
	})
	// Error event (should pass)
	buf.Add(logging.EventRecord{
		Type: logging.EventDADFailed, Interface: "eth0", Addr: "2001:db8::10",
	})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if strings.Contains(body, "NEIGHBOR_ADD") {
		t.Errorf("info event should be filtered with severity=error, got %q", body)
	}
	if !strings.Contains(body, "DAD_FAILED") {
		t.Errorf("error event should pass severity=error filter, got %q", body)
	}
}

func TestEventStreamNoBuffer(t *testing.T) {
	s := &Server{eventBuf: nil}
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil)
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestEventRecordSeverity(t *testing.T) {
	tests := []struct {
		eventType string
		want      int
	}{
		{logging.EventDADFailed, logging.SyslogError},
		{logging.EventDHCP6Timeout, logging.SyslogError},
		{logging.EventARPConflict, logging.SyslogWarning},
		{logging.EventNDPConflict, logging.SyslogWarning},
		{logging.EventMDNSConflict, logging.SyslogWarning},
		{logging.EventNeighborFail, logging.SyslogWarning},
		{logging.EventDHCP6Bound, logging.SyslogInfo},
		{logging.EventLinkChange, logging.SyslogInfo},
	}

	for _, tt := range tests {
		if got := eventRecordSeverity(tt.eventType); got != tt.want {
			t.Errorf("eventRecordSeverity(%q) = %d, want %d", tt.eventType, got, tt.want)
		}
	}
}

func TestFormatLogMessage(t *testing.T) {
	msg := formatLogMessage(logging.EventRecord{
		Type:      logging.EventDHCP6State,
		Interface: "eth0",
		Detail:    "solicit -> request",
	})
	if msg != "DHCP6_STATE ifc=eth0 solicit -> request" {
		t.Errorf("message = %q", msg)
	}
}
