// Package session keeps outstanding auth challenges in Redis so that
// several API replicas share one nonce space.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"roundtable/api/internal/fault"
	"roundtable/api/internal/store"
)

// challengeData is the JSON stored under each challenge key.
type challengeData struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RedisStore implements auth.ChallengeStore on Redis keys with a TTL
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed challenge store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "challenge:",
	}
}

func (s *RedisStore) key(nonce string) string {
	return s.prefix + nonce
}

// SaveChallenge stores the challenge until its expiry
func (s *RedisStore) SaveChallenge(ctx context.Context, challenge store.AuthChallenge) error {
	data, err := json.Marshal(challengeData{
		RoomID:        challenge.RoomID,
		ParticipantID: challenge.ParticipantID,
		ExpiresAt:     challenge.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}

	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fault.New(fault.KindValidation, "challenge already expired")
	}
	if err := s.client.Set(ctx, s.key(challenge.Nonce), data, ttl).Err(); err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

// LookupChallenge reads a challenge without consuming it
func (s *RedisStore) LookupChallenge(ctx context.Context, nonce string) (store.AuthChallenge, error) {
	raw, err := s.client.Get(ctx, s.key(nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.AuthChallenge{}, fault.New(fault.KindChallengeNotFound, "challenge not found")
	}
	if err != nil {
		return store.AuthChallenge{}, fmt.Errorf("lookup challenge: %w", err)
	}
	return decodeChallenge(nonce, raw)
}

// ConsumeChallenge removes the challenge with GETDEL, so exactly one
// concurrent caller observes it.
func (s *RedisStore) ConsumeChallenge(ctx context.Context, nonce string) error {
	err := s.client.GetDel(ctx, s.key(nonce)).Err()
	if errors.Is(err, redis.Nil) {
		return fault.New(fault.KindChallengeNotFound, "challenge already consumed")
	}
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	return nil
}

func decodeChallenge(nonce string, raw []byte) (store.AuthChallenge, error) {
	var data challengeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return store.AuthChallenge{}, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return store.AuthChallenge{
		Nonce:         nonce,
		RoomID:        data.RoomID,
		ParticipantID: data.ParticipantID,
		ExpiresAt:     data.ExpiresAt,
	}, nil
}

// Client exposes the underlying connection for components that share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
