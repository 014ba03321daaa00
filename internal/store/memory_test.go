package store

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestMemoryPutBatchAndQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	evt := &nostr.Event{ID: "e1", PubKey: "p1", Kind: 1, CreatedAt: 100, Content: "hi"}
	if err := m.PutBatch(ctx, []*nostr.Event{evt}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	results, err := m.Query(ctx, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "e1" {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestMemoryReplaceableUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := &nostr.Event{ID: "old", PubKey: "P", Kind: 0, CreatedAt: 100, Content: "old"}
	newer := &nostr.Event{ID: "new", PubKey: "P", Kind: 0, CreatedAt: 200, Content: "new"}
	older := &nostr.Event{ID: "older", PubKey: "P", Kind: 0, CreatedAt: 50, Content: "older"}

	m.PutBatch(ctx, []*nostr.Event{old})
	m.PutBatch(ctx, []*nostr.Event{newer})
	m.PutBatch(ctx, []*nostr.Event{older})

	results, err := m.Query(ctx, nostr.Filter{Kinds: []int{0}, Authors: []string{"P"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(results))
	}
	if results[0].Content != "new" {
		t.Fatalf("expected winner content 'new', got %q", results[0].Content)
	}
}

func TestMemoryAddressableUniquenessByDTag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a1 := &nostr.Event{ID: "a1", PubKey: "P", Kind: 30023, CreatedAt: 100,
		Tags: nostr.Tags{{"d", "article-1"}}, Content: "v1"}
	a2 := &nostr.Event{ID: "a2", PubKey: "P", Kind: 30023, CreatedAt: 200,
		Tags: nostr.Tags{{"d", "article-1"}}, Content: "v2"}
	b1 := &nostr.Event{ID: "b1", PubKey: "P", Kind: 30023, CreatedAt: 50,
		Tags: nostr.Tags{{"d", "article-2"}}, Content: "other-article"}

	m.PutBatch(ctx, []*nostr.Event{a1, a2, b1})

	results, err := m.Query(ctx, nostr.Filter{Kinds: []int{30023}, Authors: []string{"P"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (one per d-value), got %d", len(results))
	}
}

func TestMemoryEphemeralNeverStored(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	evt := &nostr.Event{ID: "e1", Kind: 20001, CreatedAt: 100}
	m.PutBatch(ctx, []*nostr.Event{evt})

	results, err := m.Query(ctx, nostr.Filter{Kinds: []int{20001}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected ephemeral event to never be stored, got %v", results)
	}
}

func TestMemoryQueryOrderingNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutBatch(ctx, []*nostr.Event{
		{ID: "e1", Kind: 1, CreatedAt: 100},
		{ID: "e2", Kind: 1, CreatedAt: 300},
		{ID: "e3", Kind: 1, CreatedAt: 200},
	})
	results, _ := m.Query(ctx, nostr.Filter{Kinds: []int{1}})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].CreatedAt < results[i].CreatedAt {
			t.Fatalf("results not newest-first: %v", results)
		}
	}
}

func TestMemoryRemove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutBatch(ctx, []*nostr.Event{{ID: "e1", PubKey: "P", Kind: 1, CreatedAt: 100}})
	if err := m.Remove(ctx, nostr.Filter{IDs: []string{"e1"}}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	results, _ := m.Query(ctx, nostr.Filter{})
	if len(results) != 0 {
		t.Fatalf("expected removal to take effect, got %v", results)
	}
}

func TestMemoryQueryRespectsLimitZero(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PutBatch(ctx, []*nostr.Event{{ID: "e1", Kind: 1, CreatedAt: 100}})
	results, err := m.Query(ctx, nostr.Filter{Kinds: []int{1}, LimitZero: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("LimitZero should yield no historical results, got %v", results)
	}
}
