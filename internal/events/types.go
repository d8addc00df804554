// Package events fans room events out to live subscribers, either within
// one process or across replicas over Redis pub/sub.
package events

import (
	"context"
	"time"
)

// EventType names a live room event.
type EventType string

const (
	EventHeartbeat       EventType = "heartbeat"
	EventPhaseChange     EventType = "phase_change"
	EventJournalSealed   EventType = "journal_sealed"
	EventVerdictRecorded EventType = "verdict_recorded"
	EventVoteRecorded    EventType = "vote_recorded"
)

// Event is one message on a room's stream.
type Event struct {
	Type      EventType      `json:"type"`
	RoomID    string         `json:"room_id"`
	Idx       int            `json:"idx"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus publishes events and hands out per-room subscriptions. The cancel
// function returned by Subscribe must be called on every exit path; it
// closes the channel.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(roomID string) (<-chan Event, func())
}

// New fills in the timestamp of an event.
func New(eventType EventType, roomID string, idx int, data map[string]any) Event {
	return Event{
		Type:      eventType,
		RoomID:    roomID,
		Idx:       idx,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
