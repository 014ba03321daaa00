package filtermatch

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func TestMatchesEmptyFilterMatchesEverything(t *testing.T) {
	evt := &nostr.Event{ID: "abc123", Kind: 1, CreatedAt: 100}
	if !Matches(evt, nostr.Filter{}) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestMatchesConjunctiveFields(t *testing.T) {
	evt := &nostr.Event{ID: "abcdef", PubKey: "ffaa00", Kind: 1, CreatedAt: 100,
		Tags: nostr.Tags{{"e", "abc"}}}

	tests := []struct {
		name string
		f    nostr.Filter
		want bool
	}{
		{"id prefix", nostr.Filter{IDs: []string{"abcd"}}, true},
		{"id prefix miss", nostr.Filter{IDs: []string{"zzzz"}}, false},
		{"author prefix", nostr.Filter{Authors: []string{"ffaa"}}, true},
		{"kind match", nostr.Filter{Kinds: []int{1, 7}}, true},
		{"kind miss", nostr.Filter{Kinds: []int{7}}, false},
		{"since match", nostr.Filter{Since: ts(50)}, true},
		{"since miss", nostr.Filter{Since: ts(150)}, false},
		{"until match", nostr.Filter{Until: ts(150)}, true},
		{"until miss", nostr.Filter{Until: ts(50)}, false},
		{"tag match", nostr.Filter{Tags: nostr.TagMap{"e": []string{"abc"}}}, true},
		{"tag miss", nostr.Filter{Tags: nostr.TagMap{"e": []string{"def"}}}, false},
		{"conjunctive fail", nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"e": []string{"def"}}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(evt, tc.f); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSearchSupportedDirectiveStripped(t *testing.T) {
	evt := &nostr.Event{Content: "hello world"}
	if !Matches(evt, nostr.Filter{Search: "sort:top world"}) {
		t.Errorf("supported directive should strip and substring-match")
	}
}

func TestSearchUnsupportedDirectiveMatchesNothing(t *testing.T) {
	evt := &nostr.Event{Content: "hello world"}
	if Matches(evt, nostr.Filter{Search: "sort:bogus world"}) {
		t.Errorf("unsupported directive should deterministically match nothing")
	}
}

func TestSearchPlainSubstringCaseInsensitive(t *testing.T) {
	evt := &nostr.Event{Content: "Hello World"}
	if !Matches(evt, nostr.Filter{Search: "world"}) {
		t.Errorf("expected case-insensitive substring match")
	}
	if Matches(evt, nostr.Filter{Search: "galaxy"}) {
		t.Errorf("expected no match for absent substring")
	}
}

func TestEffectiveLimit(t *testing.T) {
	if got := EffectiveLimit(nostr.Filter{}, 500, 5000); got != 500 {
		t.Errorf("default limit = %d, want 500", got)
	}
	if got := EffectiveLimit(nostr.Filter{Limit: 10}, 500, 5000); got != 10 {
		t.Errorf("explicit limit = %d, want 10", got)
	}
	if got := EffectiveLimit(nostr.Filter{Limit: 99999}, 500, 5000); got != 5000 {
		t.Errorf("capped limit = %d, want 5000", got)
	}
	if got := EffectiveLimit(nostr.Filter{LimitZero: true}, 500, 5000); got != 0 {
		t.Errorf("explicit zero limit = %d, want 0", got)
	}
}

func TestTagPairs(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"e", "abc", "wss://relay"}, {"p", "def"}, {"x"}}}
	pairs := TagPairs(evt)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs (short tags skipped), got %d", len(pairs))
	}
	if pairs[0] != [2]string{"e", "abc"} || pairs[1] != [2]string{"p", "def"} {
		t.Errorf("unexpected pairs: %v", pairs)
	}
}
