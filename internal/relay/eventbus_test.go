package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{})
		defer cancel()

		eb.Publish("status_update", "venue-1", "Northside", map[string]string{"streaming": "true"})

		select {
		case evt := <-ch:
			if evt.Type != "status_update" {
				t.Errorf("Type = %q, want status_update", evt.Type)
			}
			if evt.VenueID != "venue-1" || evt.VenueName != "Northside" {
				t.Errorf("venue = %q/%q", evt.VenueID, evt.VenueName)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["streaming"] != "true" {
				t.Errorf("payload = %v", payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{Types: []string{"alert"}})
		defer cancel()

		eb.Publish("status_update", "venue-1", "", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})

	t.Run("venue_filter", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{Venues: []string{"venue-2"}})
		defer cancel()

		eb.Publish("alert", "venue-1", "", "a")
		eb.Publish("alert", "venue-2", "", "b")

		select {
		case evt := <-ch:
			if evt.VenueID != "venue-2" {
				t.Errorf("VenueID = %q, want venue-2", evt.VenueID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
		select {
		case evt := <-ch:
			t.Fatalf("unexpected second event %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(EventFilter{})
		cancel()

		eb.Publish("alert", "venue-1", "", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event after cancel, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})
}

func TestEventBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("alert", "v1", "", "a")
		eb.Publish("status_update", "v1", "", "b")

		events := eb.ReplaySince("", EventFilter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("alert", "v1", "", "a")

		all := eb.ReplaySince("", EventFilter{})
		if len(all) != 1 {
			t.Fatalf("expected 1 event, got %d", len(all))
		}
		firstID := all[0].ID

		eb.Publish("status_update", "v1", "", "b")

		events := eb.ReplaySince(firstID, EventFilter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != "status_update" {
			t.Errorf("Type = %q, want status_update", events[0].Type)
		}
	})

	t.Run("replay_with_filter", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("alert", "v1", "", "a")
		eb.Publish("alert", "v2", "", "b")

		events := eb.ReplaySince("", EventFilter{Venues: []string{"v2"}})
		if len(events) != 1 || events[0].VenueID != "v2" {
			t.Fatalf("filtered replay = %+v", events)
		}
	})
}
