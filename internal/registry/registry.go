// Package registry implements the subscription registry: the
// per-connection subscription table plus the inverted index keyed by
// kind/author/id/tag/wildcard that drives the broadcast engine's
// candidate lookup.
package registry

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/filtermatch"
)

// ConnSub identifies a subscription by its owning connection and sub-id.
type ConnSub struct {
	ConnID string
	SubID  string
}

// shardCount bounds lock contention on candidates() under high fan-in.
const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	entries map[string]map[ConnSub]struct{}
}

// Registry owns all subscription and index state for the relay.
type Registry struct {
	connsMu sync.RWMutex
	conns   map[string]map[string][]nostr.Filter

	shards [shardCount]*shard
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{conns: make(map[string]map[string][]nostr.Filter)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]map[ConnSub]struct{})}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[fnv32(key)%shardCount]
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Subscribe installs filters for (connID, subID), replacing any previous
// subscription of the same sub-id on that connection atomically. Index
// writes follow the subscription write so that a reader who observes an
// index entry is guaranteed the conns table already carries the filters.
func (r *Registry) Subscribe(connID, subID string, filters []nostr.Filter) {
	r.unindex(connID, subID)

	r.connsMu.Lock()
	subs, ok := r.conns[connID]
	if !ok {
		subs = make(map[string][]nostr.Filter)
		r.conns[connID] = subs
	}
	subs[subID] = filters
	r.connsMu.Unlock()

	for _, key := range indexKeys(filters) {
		s := r.shardFor(key)
		s.mu.Lock()
		set, ok := s.entries[key]
		if !ok {
			set = make(map[ConnSub]struct{})
			s.entries[key] = set
		}
		set[ConnSub{ConnID: connID, SubID: subID}] = struct{}{}
		s.mu.Unlock()
	}
}

// Unsubscribe removes (connID, subID) and its index entries. Index entries
// are removed before the conns entry so a reader who no longer observes an
// index entry never sees a stale conns row for it once the call returns.
func (r *Registry) Unsubscribe(connID, subID string) {
	r.unindex(connID, subID)

	r.connsMu.Lock()
	if subs, ok := r.conns[connID]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.conns, connID)
		}
	}
	r.connsMu.Unlock()
}

// unindex removes every index entry for (connID, subID), looking up its
// current filters first so it knows which keys it wrote.
func (r *Registry) unindex(connID, subID string) {
	r.connsMu.RLock()
	filters := r.conns[connID][subID]
	r.connsMu.RUnlock()
	if filters == nil {
		return
	}
	cs := ConnSub{ConnID: connID, SubID: subID}
	for _, key := range indexKeys(filters) {
		s := r.shardFor(key)
		s.mu.Lock()
		if set, ok := s.entries[key]; ok {
			delete(set, cs)
			if len(set) == 0 {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// Detach removes every subscription owned by connID, releasing all of its
// index entries. Called on connection close.
func (r *Registry) Detach(connID string) {
	r.connsMu.RLock()
	subs := r.conns[connID]
	subIDs := make([]string, 0, len(subs))
	for subID := range subs {
		subIDs = append(subIDs, subID)
	}
	r.connsMu.RUnlock()

	for _, subID := range subIDs {
		r.Unsubscribe(connID, subID)
	}
}

// Filters returns the current filters installed for (connID, subID), or
// nil if no such subscription exists.
func (r *Registry) Filters(connID, subID string) []nostr.Filter {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return r.conns[connID][subID]
}

// Candidates returns the superset of (connID, subID) pairs that might
// match evt, per the registry's index-key union rule. The broadcast
// engine must verify each candidate against its full filter set.
func (r *Registry) Candidates(evt *nostr.Event) map[ConnSub]struct{} {
	result := make(map[ConnSub]struct{})
	keys := []string{"all", fmt.Sprintf("kind:%d", evt.Kind), "kind:*",
		fmt.Sprintf("author:%s", evt.PubKey), "author:*", fmt.Sprintf("id:%s", evt.ID)}
	for _, pair := range filtermatch.TagPairs(evt) {
		keys = append(keys, fmt.Sprintf("tag:%s:%s", pair[0], pair[1]))
	}

	for _, key := range keys {
		s := r.shardFor(key)
		s.mu.RLock()
		for cs := range s.entries[key] {
			result[cs] = struct{}{}
		}
		s.mu.RUnlock()
	}
	return result
}

// ConnectionCount reports the number of distinct connections holding at
// least one subscription, for diagnostics.
func (r *Registry) ConnectionCount() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}

// indexKeys computes every index key a subscription's filters must be
// written to (or looked up from), per the §4.3 maintenance rules.
func indexKeys(filters []nostr.Filter) []string {
	var keys []string
	for _, f := range filters {
		if filtermatch.FilterIsEmpty(f) {
			keys = append(keys, "all")
			continue
		}
		switch {
		case len(f.Kinds) > 0:
			for _, k := range f.Kinds {
				keys = append(keys, fmt.Sprintf("kind:%d", k))
			}
		default:
			keys = append(keys, "kind:*")
		}
		switch {
		case len(f.Authors) > 0:
			for _, a := range f.Authors {
				keys = append(keys, fmt.Sprintf("author:%s", a))
			}
		default:
			keys = append(keys, "author:*")
		}
		for _, id := range f.IDs {
			keys = append(keys, fmt.Sprintf("id:%s", id))
		}
		for name, values := range f.Tags {
			for _, v := range values {
				keys = append(keys, fmt.Sprintf("tag:%s:%s", name, v))
			}
		}
	}
	return dedup(keys)
}

func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
