package logging

import (
	"testing"
	"time"
)

func TestEventBufferLatest(t *testing.T) {
	eb := NewEventBuffer(4)
	for i := 0; i < 3; i++ {
		eb.Add(EventRecord{Type: EventNeighborAdd, Addr: string(rune('a' + i))})
	}

	latest := eb.Latest(10)
	if len(latest) != 3 {
		t.Fatalf("Latest = %d events, want 3", len(latest))
	}
	if latest[0].Addr != "c" || latest[2].Addr != "a" {
		t.Errorf("events not newest first: %v", latest)
	}
	if latest[0].Seq != 3 {
		t.Errorf("seq = %d, want 3", latest[0].Seq)
	}
}

func TestEventBufferWrapsAround(t *testing.T) {
	eb := NewEventBuffer(4)
	for i := 0; i < 10; i++ {
		eb.Add(EventRecord{Type: EventDHCP6State, Detail: string(rune('0' + i))})
	}

	latest := eb.Latest(10)
	if len(latest) != 4 {
		t.Fatalf("buffer should cap at 4 events, got %d", len(latest))
	}
	if latest[0].Detail != "9" || latest[3].Detail != "6" {
		t.Errorf("oldest events not overwritten: %v", latest)
	}
}

func TestEventBufferFilter(t *testing.T) {
	eb := NewEventBuffer(16)
	eb.Add(EventRecord{Type: EventARPConflict, Interface: "eth0"})
	eb.Add(EventRecord{Type: EventDHCP6Bound, Interface: "eth0"})
	eb.Add(EventRecord{Type: EventARPConflict, Interface: "eth1"})

	got := eb.LatestFiltered(10, EventFilter{Interface: "eth0"})
	if len(got) != 2 {
		t.Fatalf("interface filter: %d events, want 2", len(got))
	}

	got = eb.LatestFiltered(10, EventFilter{Type: "conflict"})
	if len(got) != 2 {
		t.Fatalf("type filter: %d events, want 2", len(got))
	}

	got = eb.LatestFiltered(10, EventFilter{Interface: "eth1", Type: "dhcp6"})
	if len(got) != 0 {
		t.Fatalf("combined filter should match nothing, got %d", len(got))
	}
}

func TestEventBufferSubscription(t *testing.T) {
	eb := NewEventBuffer(8)
	sub := eb.Subscribe(4)
	defer sub.Close()

	eb.Add(EventRecord{Type: EventDADFailed, Addr: "fe80::1"})

	select {
	case rec := <-sub.C:
		if rec.Type != EventDADFailed || rec.Addr != "fe80::1" {
			t.Errorf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestEventBufferSlowSubscriberDropped(t *testing.T) {
	eb := NewEventBuffer(8)
	sub := eb.Subscribe(1)
	defer sub.Close()

	// Second add must not block even though the subscriber never reads.
	done := make(chan struct{})
	go func() {
		eb.Add(EventRecord{Type: EventNeighborAdd})
		eb.Add(EventRecord{Type: EventNeighborAdd})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked on slow subscriber")
	}
}

func TestEventBufferTimestampDefaulted(t *testing.T) {
	eb := NewEventBuffer(2)
	eb.Add(EventRecord{Type: EventLinkChange})
	if eb.Latest(1)[0].Time.IsZero() {
		t.Error("Add should stamp records without a time")
	}
}
