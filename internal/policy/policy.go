// Package policy defines the relay's policy-store contract (bans,
// allowlists, and relay metadata) plus a TTL-caching decorator and a
// static in-memory implementation for tests and single-operator
// deployments.
package policy

import "context"

// RelayInfo carries the relay metadata a policy store exposes for display
// (e.g. on a NIP-11-style information document).
type RelayInfo struct {
	Name        string
	Description string
	Icon        string
}

// Store is the dependency-injected policy contract. Writes come only from
// the administrative surface, which is out of scope for this package.
type Store interface {
	// PubKeyBanned reports whether pubkey is banned from publishing.
	PubKeyBanned(ctx context.Context, pubkey string) (bool, error)
	// PubKeyAllowed reports whether pubkey is on the allowlist. Callers
	// must treat an empty allowlist as "no allowlist configured".
	PubKeyAllowed(ctx context.Context, pubkey string) (bool, error)
	// HasAllowlist reports whether any pubkey allowlist is configured.
	HasAllowlist(ctx context.Context) (bool, error)
	// EventBanned reports whether a specific event id is banned.
	EventBanned(ctx context.Context, eventID string) (bool, error)
	// KindAllowed reports whether kind is permitted. Callers must treat an
	// empty kind-allowlist as "no restriction".
	KindAllowed(ctx context.Context, kind int) (bool, error)
	// HasKindAllowlist reports whether any kind allowlist is configured.
	HasKindAllowlist(ctx context.Context) (bool, error)
	// IPBlocked reports whether ip is blocked at the connection gate.
	IPBlocked(ctx context.Context, ip string) (bool, error)
	// Info returns relay metadata.
	Info(ctx context.Context) (RelayInfo, error)
}
