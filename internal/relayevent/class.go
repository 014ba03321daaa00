// Package relayevent derives relay-side policy from nostr events: the
// regular/replaceable/ephemeral/addressable class of a kind, the
// replaceable/addressable storage key, and the tie-break rule used to
// pick a winner when more than one event shares a key.
package relayevent

import (
	"github.com/nbd-wtf/go-nostr"
)

// Class categorizes an event's storage and broadcast treatment by kind.
type Class int

const (
	// Regular events are retained independently by id.
	Regular Class = iota
	// Replaceable events keep at most one per (pubkey, kind).
	Replaceable
	// Ephemeral events are never stored, only broadcast.
	Ephemeral
	// Addressable events keep at most one per (pubkey, kind, d-value).
	Addressable
)

func (c Class) String() string {
	switch c {
	case Replaceable:
		return "replaceable"
	case Ephemeral:
		return "ephemeral"
	case Addressable:
		return "addressable"
	default:
		return "regular"
	}
}

// ClassOf returns the storage/broadcast class for the given kind, per the
// kind ranges fixed by the wire protocol.
func ClassOf(kind int) Class {
	switch {
	case kind == 0 || kind == 3:
		return Replaceable
	case kind >= 10000 && kind < 20000:
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return Addressable
	default:
		return Regular
	}
}

// Persisted reports whether events of this class are ever handed to the
// document store.
func (c Class) Persisted() bool {
	return c != Ephemeral
}

// ReplaceableKey identifies the slot a replaceable event occupies.
type ReplaceableKey struct {
	PubKey string
	Kind   int
}

// AddressableKey identifies the slot an addressable event occupies.
type AddressableKey struct {
	PubKey string
	Kind   int
	D      string
}

// DValue returns the primary value of the event's first "d" tag, or the
// empty string if none is present.
func DValue(evt *nostr.Event) string {
	if evt == nil {
		return ""
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 1 && tag[0] == "d" {
			if len(tag) >= 2 {
				return tag[1]
			}
			return ""
		}
	}
	return ""
}

// Key returns the replaceable or addressable slot key for evt together
// with its class; for regular/ephemeral events both keys are zero values.
func Key(evt *nostr.Event) (replaceable ReplaceableKey, addressable AddressableKey, class Class) {
	class = ClassOf(evt.Kind)
	switch class {
	case Replaceable:
		replaceable = ReplaceableKey{PubKey: evt.PubKey, Kind: evt.Kind}
	case Addressable:
		addressable = AddressableKey{PubKey: evt.PubKey, Kind: evt.Kind, D: DValue(evt)}
	}
	return replaceable, addressable, class
}

// Wins reports whether candidate beats incumbent under the tie-break rule:
// higher created_at wins; on equality, the lexicographically lower id wins.
func Wins(candidate, incumbent *nostr.Event) bool {
	if incumbent == nil {
		return true
	}
	if candidate.CreatedAt != incumbent.CreatedAt {
		return candidate.CreatedAt > incumbent.CreatedAt
	}
	return candidate.ID < incumbent.ID
}
