package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubFiltersByRoom(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	roomA, cancelA := hub.Subscribe("room_a")
	defer cancelA()
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()

	_ = hub.Publish(ctx, New(EventPhaseChange, "room_b", 0, nil))
	_ = hub.Publish(ctx, New(EventJournalSealed, "room_a", 0, map[string]any{"hash": "abc"}))

	if got := receive(t, roomA); got.Type != EventJournalSealed {
		t.Fatalf("room_a got %s, want journal_sealed", got.Type)
	}
	if got := receive(t, all); got.RoomID != "room_b" {
		t.Fatalf("wildcard got %s first, want room_b", got.RoomID)
	}
	if got := receive(t, all); got.RoomID != "room_a" {
		t.Fatalf("wildcard got %s second, want room_a", got.RoomID)
	}
}

func TestHubCancelReleasesSubscription(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("room_a")
	if hub.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", hub.Subscribers())
	}
	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d after cancel, want 0", hub.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
	_ = hub.Publish(context.Background(), New(EventHeartbeat, "room_a", 0, nil))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	hub.bufferSize = 1
	_, cancel := hub.Subscribe("room_a")
	defer cancel()

	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), New(EventVoteRecorded, "room_a", 0, nil))
	}
	if hub.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", hub.Dropped())
	}
}

func TestRedisBusRelaysAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBus := func() *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		bus := NewRedisBus(client, "")
		if err := bus.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return bus
	}
	publisher := newBus()
	listener := newBus()

	ch, unsubscribe := listener.Subscribe("room_a")
	defer unsubscribe()

	if err := publisher.Publish(ctx, New(EventVerdictRecorded, "room_a", 2, map[string]any{"choice": "pro"})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := receive(t, ch)
	if got.Type != EventVerdictRecorded || got.Idx != 2 || got.Data["choice"] != "pro" {
		t.Fatalf("unexpected event %+v", got)
	}
}
