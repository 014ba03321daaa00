// Package store defines the document-store contract the relay treats as
// an external dependency, plus two implementations: an in-process Memory
// store for tests and small deployments, and a SQLite-backed store for
// durable single-node persistence.
package store

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Store is the dependency-injected persistence contract. Implementations
// must apply replaceable/addressable de-duplication on write or query.
type Store interface {
	// PutBatch persists a batch of non-ephemeral events.
	PutBatch(ctx context.Context, events []*nostr.Event) error
	// Query returns events matching filter, newest-first, respecting
	// filter.Limit. Implementations must apply the replaceable/addressable
	// tie-break so at most one event per key is returned.
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	// Count returns the number of events matching filter without
	// materializing them.
	Count(ctx context.Context, filter nostr.Filter) (int64, error)
	// Remove deletes every event matching filter. Used only by the
	// administrative surface (policy-driven removal), never by the core
	// pipeline.
	Remove(ctx context.Context, filter nostr.Filter) error
}
