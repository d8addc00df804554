package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := q.Pop(ctx); err != nil || ok {
		t.Fatalf("Pop() on empty queue = %v, %v", ok, err)
	}

	for _, kind := range []string{"submission", "vote"} {
		entry, err := NewEntry(kind, map[string]string{"kind": kind}, errors.New("boom"))
		if err != nil {
			t.Fatalf("NewEntry() error = %v", err)
		}
		if err := q.Push(ctx, entry); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}

	first, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop() = %v, %v", ok, err)
	}
	if first.Kind != "submission" || first.Error != "boom" || first.Attempts != 1 {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if string(first.Payload) != `{"kind":"submission"}` {
		t.Fatalf("payload = %s", first.Payload)
	}
	second, _, _ := q.Pop(ctx)
	if second.Kind != "vote" {
		t.Fatalf("expected FIFO order, got %s", second.Kind)
	}
}

func TestMemoryQueue(t *testing.T) {
	exerciseQueue(t, NewMemoryQueue())
}

func TestRedisQueue(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "")
	exerciseQueue(t, q)
	if s.Exists(DefaultKey) {
		t.Fatal("expected drained list to be removed")
	}
}
