package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannelPrefix is the Redis channel prefix; each room publishes on
// "<prefix>:<room_id>".
const DefaultChannelPrefix = "roundtable:events"

// RedisBus publishes to Redis and relays every room channel into a local
// Hub, so subscribers on any replica see events from every replica.
type RedisBus struct {
	client *redis.Client
	prefix string
	hub    *Hub
	pubsub *redis.PubSub
}

func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix, hub: NewHub()}
}

func (b *RedisBus) channel(roomID string) string {
	return b.prefix + ":" + roomID
}

// Start subscribes to the room channels and relays messages until ctx is
// done. It returns once the subscription is confirmed.
func (b *RedisBus) Start(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to events: %w", err)
	}
	b.pubsub = pubsub

	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithError(err).WithField("channel", msg.Channel).Warn("Discarding malformed event")
					continue
				}
				if event.RoomID == "" {
					event.RoomID = strings.TrimPrefix(msg.Channel, b.prefix+":")
				}
				b.hub.deliver(event)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(roomID string) (<-chan Event, func()) {
	return b.hub.Subscribe(roomID)
}

func (b *RedisBus) Close() error {
	if b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}
