package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeFallback struct {
	results []Result
	err     error
	got     Query
}

func (f *fakeFallback) Search(_ context.Context, q Query) ([]Result, error) {
	f.got = q
	return f.results, f.err
}

func TestSearchUsesFallbackWithoutMeili(t *testing.T) {
	fb := &fakeFallback{results: []Result{{ID: "sub_1", RoomID: "room_1", Snippet: "tariffs"}}}
	svc := NewService(nil, fb)

	resp := svc.Search(context.Background(), Query{Text: "tariffs", RoomID: "room_1", Limit: 5})
	if resp.Backend != BackendFallback || resp.Total != 1 || resp.Results[0].ID != "sub_1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fb.got.RoomID != "room_1" || fb.got.Limit != 5 {
		t.Fatalf("fallback got %+v", fb.got)
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	svc := NewService(nil, &fakeFallback{err: errors.New("db down")})
	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", resp.Results)
	}
}

func TestHitToResultPrefersHighlightedContent(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"sub_1"`),
		"roomId":     json.RawMessage(`"room_1"`),
		"authorId":   json.RawMessage(`"alice"`),
		"content":    json.RawMessage(`"raise tariffs"`),
		"_formatted": json.RawMessage(`{"content":"raise <mark>tariffs</mark>","claims":["a"]}`),
	}
	got := hitToResult(hit)
	if got.ID != "sub_1" || got.AuthorID != "alice" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Snippet != "raise <mark>tariffs</mark>" {
		t.Fatalf("Snippet = %q", got.Snippet)
	}
}
