// Package broadcast implements the broadcast engine: a pool of workers
// that consumes accepted events, computes the candidate set
// from the subscription registry's inverted index, prunes it down to the
// true matches via the full filter-match rule, and dispatches deliveries
// to the response router.
package broadcast

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/filtermatch"
	"github.com/eventrelay/relay/internal/metrics"
	"github.com/eventrelay/relay/internal/registry"
)

// Responder is the subset of the response router's API the broadcast
// engine needs to deliver matched events.
type Responder interface {
	Send(connID string, message any) bool
}

// Engine fans accepted events out to every subscription whose filters
// match, per the registry's candidate superset pruned by full match.
type Engine struct {
	registry  *registry.Registry
	responder Responder
	metrics   *metrics.Registry

	events chan *nostr.Event
	done   chan struct{}
}

// New constructs an Engine with a bounded intake channel of the given
// depth; Submit blocks once the channel is full, applying natural
// backpressure back to the validator pool that feeds it.
func New(reg *registry.Registry, responder Responder, m *metrics.Registry, queueDepth int) *Engine {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Engine{
		registry:  reg,
		responder: responder,
		metrics:   m,
		events:    make(chan *nostr.Event, queueDepth),
		done:      make(chan struct{}),
	}
}

// Submit hands an accepted event to the broadcast engine.
func (e *Engine) Submit(evt *nostr.Event) {
	e.events <- evt
}

// Run starts workers consuming the intake channel until Stop is called.
func (e *Engine) Run(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
}

// Stop signals all workers to exit; events still queued in the intake
// channel are not delivered.
func (e *Engine) Stop() {
	close(e.done)
}

func (e *Engine) worker() {
	for {
		select {
		case <-e.done:
			return
		case evt := <-e.events:
			e.deliver(evt)
		}
	}
}

func (e *Engine) deliver(evt *nostr.Event) {
	candidates := e.registry.Candidates(evt)
	for cs := range candidates {
		filters := e.registry.Filters(cs.ConnID, cs.SubID)
		if !matchesAny(evt, filters) {
			continue
		}
		if !e.responder.Send(cs.ConnID, []any{"EVENT", cs.SubID, evt}) {
			if e.metrics != nil {
				e.metrics.BroadcastDropped.WithLabelValues("outbound full").Inc()
			}
		}
	}
}

func matchesAny(evt *nostr.Event, filters []nostr.Filter) bool {
	for _, f := range filters {
		if filtermatch.Matches(evt, f) {
			return true
		}
	}
	return false
}
