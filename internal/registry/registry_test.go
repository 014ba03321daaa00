package registry

import (
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestSubscribeAndCandidates(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{Kinds: []int{1}}})

	evt := &nostr.Event{ID: "abc", PubKey: "p1", Kind: 1}
	candidates := r.Candidates(evt)
	if _, ok := candidates[ConnSub{ConnID: "c1", SubID: "s1"}]; !ok {
		t.Fatalf("expected c1/s1 to be a candidate, got %v", candidates)
	}

	other := &nostr.Event{ID: "def", PubKey: "p1", Kind: 7}
	if _, ok := r.Candidates(other)[ConnSub{ConnID: "c1", SubID: "s1"}]; ok {
		t.Fatalf("kind 7 event should not index-match a kind:1 subscription")
	}
}

func TestSubscribeReplacesPreviousAtomically(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{Kinds: []int{1}}})
	r.Subscribe("c1", "s1", []nostr.Filter{{Kinds: []int{2}}})

	evt1 := &nostr.Event{Kind: 1}
	if _, ok := r.Candidates(evt1)[ConnSub{ConnID: "c1", SubID: "s1"}]; ok {
		t.Fatalf("old kind:1 index entry should have been removed on replace")
	}
	evt2 := &nostr.Event{Kind: 2}
	if _, ok := r.Candidates(evt2)[ConnSub{ConnID: "c1", SubID: "s1"}]; !ok {
		t.Fatalf("new kind:2 index entry should be present after replace")
	}
	filters := r.Filters("c1", "s1")
	if len(filters) != 1 || len(filters[0].Kinds) != 1 || filters[0].Kinds[0] != 2 {
		t.Fatalf("unexpected filters after replace: %v", filters)
	}
}

func TestUnsubscribeRemovesIndexEntries(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{}})
	r.Unsubscribe("c1", "s1")

	evt := &nostr.Event{Kind: 1}
	candidates := r.Candidates(evt)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates after unsubscribe, got %v", candidates)
	}
	if r.Filters("c1", "s1") != nil {
		t.Fatalf("expected nil filters after unsubscribe")
	}
}

func TestDetachRemovesAllSubscriptionsForConnection(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{Kinds: []int{1}}})
	r.Subscribe("c1", "s2", []nostr.Filter{{Kinds: []int{2}}})
	r.Subscribe("c2", "s1", []nostr.Filter{{Kinds: []int{1}}})

	r.Detach("c1")

	evt1 := &nostr.Event{Kind: 1}
	candidates := r.Candidates(evt1)
	if _, ok := candidates[ConnSub{ConnID: "c1", SubID: "s1"}]; ok {
		t.Fatalf("c1/s1 should be gone after detach")
	}
	if _, ok := candidates[ConnSub{ConnID: "c2", SubID: "s1"}]; !ok {
		t.Fatalf("c2/s1 should be unaffected by c1's detach")
	}
	if r.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", r.ConnectionCount())
	}
}

func TestEmptyFilterMatchesAllViaSentinel(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{}})
	evt := &nostr.Event{Kind: 9999, PubKey: "whatever"}
	if _, ok := r.Candidates(evt)[ConnSub{ConnID: "c1", SubID: "s1"}]; !ok {
		t.Fatalf("empty filter subscription should be a candidate for any event")
	}
}

func TestTagIndexKeys(t *testing.T) {
	r := New()
	r.Subscribe("c1", "s1", []nostr.Filter{{Tags: nostr.TagMap{"e": []string{"abc"}}}})

	matching := &nostr.Event{Tags: nostr.Tags{{"e", "abc"}}}
	if _, ok := r.Candidates(matching)[ConnSub{ConnID: "c1", SubID: "s1"}]; !ok {
		t.Fatalf("expected tag-indexed candidate")
	}
	notMatching := &nostr.Event{Tags: nostr.Tags{{"e", "def"}}}
	if _, ok := r.Candidates(notMatching)[ConnSub{ConnID: "c1", SubID: "s1"}]; ok {
		t.Fatalf("unrelated tag value should not be a candidate")
	}
}

// TestConcurrentSubscribeUnsubscribeCandidates is a stress test for
// index symmetry: after every goroutine finishes, candidates() must
// reflect exactly the surviving subscriptions.
func TestConcurrentSubscribeUnsubscribeCandidates(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := "conn"
			subID := "sub"
			r.Subscribe(connID, subID, []nostr.Filter{{Kinds: []int{1}}})
			_ = r.Candidates(&nostr.Event{Kind: 1})
			r.Unsubscribe(connID, subID)
		}(i)
	}
	wg.Wait()

	if got := r.Candidates(&nostr.Event{Kind: 1}); len(got) != 0 {
		t.Fatalf("expected no surviving candidates, got %v", got)
	}
}
