// Package deadletter holds operations that failed for reasons other than
// validation, so an operator can replay them later.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"roundtable/api/internal/util"
)

const DefaultKey = "roundtable:dlq"

// Entry is one failed operation. Payload is the original request body.
type Entry struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
	Attempts int             `json:"attempts"`
}

// Queue is FIFO: Pop returns the oldest entry first.
type Queue interface {
	Push(ctx context.Context, entry Entry) error
	Pop(ctx context.Context) (Entry, bool, error)
	Len(ctx context.Context) (int, error)
}

// NewEntry stamps an id and failure time on a payload.
func NewEntry(kind string, payload any, cause error) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal dead letter payload: %w", err)
	}
	entry := Entry{
		ID:       util.NewID("dlq"),
		Kind:     kind,
		Payload:  raw,
		FailedAt: time.Now().UTC(),
		Attempts: 1,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry, nil
}

type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false, nil
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// RedisQueue keeps entries in a Redis list: LPUSH on failure, RPOP on
// replay.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Entry, bool, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("pop dead letter: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return entry, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dead letter length: %w", err)
	}
	return int(n), nil
}
