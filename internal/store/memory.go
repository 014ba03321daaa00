package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/filtermatch"
	"github.com/eventrelay/relay/internal/relayevent"
)

// Memory is an in-process Store, used by pipeline tests and small
// deployments that do not need durability across restarts.
type Memory struct {
	mu sync.RWMutex

	byID          map[string]*nostr.Event
	byReplaceable map[relayevent.ReplaceableKey]string
	byAddressable map[relayevent.AddressableKey]string
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:          make(map[string]*nostr.Event),
		byReplaceable: make(map[relayevent.ReplaceableKey]string),
		byAddressable: make(map[relayevent.AddressableKey]string),
	}
}

// PutBatch inserts events, applying the replaceable/addressable tie-break
// at write time: an incoming event overwrites its slot's current id only
// if it wins the §3 tie-break.
func (m *Memory) PutBatch(ctx context.Context, events []*nostr.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range events {
		m.putLocked(evt)
	}
	return nil
}

func (m *Memory) putLocked(evt *nostr.Event) {
	replKey, addrKey, class := relayevent.Key(evt)
	switch class {
	case relayevent.Replaceable:
		if incumbentID, ok := m.byReplaceable[replKey]; ok {
			if incumbent := m.byID[incumbentID]; incumbent != nil && !relayevent.Wins(evt, incumbent) {
				return
			}
			delete(m.byID, incumbentID)
		}
		m.byReplaceable[replKey] = evt.ID
		m.byID[evt.ID] = evt
	case relayevent.Addressable:
		if incumbentID, ok := m.byAddressable[addrKey]; ok {
			if incumbent := m.byID[incumbentID]; incumbent != nil && !relayevent.Wins(evt, incumbent) {
				return
			}
			delete(m.byID, incumbentID)
		}
		m.byAddressable[addrKey] = evt.ID
		m.byID[evt.ID] = evt
	case relayevent.Ephemeral:
		// never persisted
	default:
		m.byID[evt.ID] = evt
	}
}

// Query returns events matching filter, newest-first, capped at
// filter.Limit (or the store default of 500 when unset).
func (m *Memory) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	m.mu.RLock()
	matches := make([]*nostr.Event, 0, len(m.byID))
	for _, evt := range m.byID {
		if filtermatch.Matches(evt, filter) {
			matches = append(matches, evt)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID < matches[j].ID
	})

	limit := filtermatch.EffectiveLimit(filter, 500, 5000)
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of events matching filter.
func (m *Memory) Count(ctx context.Context, filter nostr.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, evt := range m.byID {
		if filtermatch.Matches(evt, filter) {
			n++
		}
	}
	return n, nil
}

// Remove deletes every event matching filter.
func (m *Memory) Remove(ctx context.Context, filter nostr.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, evt := range m.byID {
		if !filtermatch.Matches(evt, filter) {
			continue
		}
		delete(m.byID, id)
		if replKey, ok := replaceableKeyOf(evt); ok {
			if m.byReplaceable[replKey] == id {
				delete(m.byReplaceable, replKey)
			}
		}
		if addrKey, ok := addressableKeyOf(evt); ok {
			if m.byAddressable[addrKey] == id {
				delete(m.byAddressable, addrKey)
			}
		}
	}
	return nil
}

func replaceableKeyOf(evt *nostr.Event) (relayevent.ReplaceableKey, bool) {
	key, _, class := relayevent.Key(evt)
	return key, class == relayevent.Replaceable
}

func addressableKeyOf(evt *nostr.Event) (relayevent.AddressableKey, bool) {
	_, key, class := relayevent.Key(evt)
	return key, class == relayevent.Addressable
}
