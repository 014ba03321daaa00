package policy

import (
	"context"
	"sync"
	"time"
)

// Cached wraps a Store with a short-TTL read cache so hot-path validator
// workers never round-trip to the backing store per event. The clock is
// injectable (WithClock) so tests can control expiry deterministically.
type Cached struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu               sync.Mutex
	pubKeyBanned     map[string]cacheEntry[bool]
	pubKeyAllowed    map[string]cacheEntry[bool]
	hasAllowlist     *cacheEntry[bool]
	eventBanned      map[string]cacheEntry[bool]
	kindAllowed      map[int]cacheEntry[bool]
	hasKindAllowlist *cacheEntry[bool]
	ipBlocked        map[string]cacheEntry[bool]
	info             *cacheEntry[RelayInfo]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewCached constructs a Cached decorator around inner with the given TTL.
func NewCached(inner Store, ttl time.Duration) *Cached {
	return &Cached{
		inner:         inner,
		ttl:           ttl,
		now:           time.Now,
		pubKeyBanned:  make(map[string]cacheEntry[bool]),
		pubKeyAllowed: make(map[string]cacheEntry[bool]),
		eventBanned:   make(map[string]cacheEntry[bool]),
		kindAllowed:   make(map[int]cacheEntry[bool]),
		ipBlocked:     make(map[string]cacheEntry[bool]),
	}
}

// WithClock overrides the cache clock, enabling deterministic TTL tests.
func (c *Cached) WithClock(clock func() time.Time) *Cached {
	if clock != nil {
		c.now = clock
	}
	return c
}

func (c *Cached) fresh(expiresAt time.Time) bool {
	return c.now().Before(expiresAt)
}

func (c *Cached) PubKeyBanned(ctx context.Context, pubkey string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.pubKeyBanned[pubkey]; ok && c.fresh(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.PubKeyBanned(ctx, pubkey)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.pubKeyBanned[pubkey] = cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) PubKeyAllowed(ctx context.Context, pubkey string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.pubKeyAllowed[pubkey]; ok && c.fresh(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.PubKeyAllowed(ctx, pubkey)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.pubKeyAllowed[pubkey] = cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) HasAllowlist(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.hasAllowlist != nil && c.fresh(c.hasAllowlist.expiresAt) {
		v := c.hasAllowlist.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	value, err := c.inner.HasAllowlist(ctx)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.hasAllowlist = &cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) EventBanned(ctx context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.eventBanned[eventID]; ok && c.fresh(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.EventBanned(ctx, eventID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.eventBanned[eventID] = cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) KindAllowed(ctx context.Context, kind int) (bool, error) {
	c.mu.Lock()
	if e, ok := c.kindAllowed[kind]; ok && c.fresh(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.KindAllowed(ctx, kind)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.kindAllowed[kind] = cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) HasKindAllowlist(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.hasKindAllowlist != nil && c.fresh(c.hasKindAllowlist.expiresAt) {
		v := c.hasKindAllowlist.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	value, err := c.inner.HasKindAllowlist(ctx)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.hasKindAllowlist = &cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) IPBlocked(ctx context.Context, ip string) (bool, error) {
	c.mu.Lock()
	if e, ok := c.ipBlocked[ip]; ok && c.fresh(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.IPBlocked(ctx, ip)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.ipBlocked[ip] = cacheEntry[bool]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

func (c *Cached) Info(ctx context.Context) (RelayInfo, error) {
	c.mu.Lock()
	if c.info != nil && c.fresh(c.info.expiresAt) {
		v := c.info.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	value, err := c.inner.Info(ctx)
	if err != nil {
		return RelayInfo{}, err
	}
	c.mu.Lock()
	c.info = &cacheEntry[RelayInfo]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}
