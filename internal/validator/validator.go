// Package validator implements the event validator: a horizontally
// parallel worker pool that drains the ingress queue, dispatches frames
// by their envelope type, structurally validates and classifies EVENT
// submissions, and routes REQ/CLOSE commands to the subscription
// registry and historical query engine.
package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/metrics"
	"github.com/eventrelay/relay/internal/policy"
	"github.com/eventrelay/relay/internal/relayevent"
)

// Broadcaster hands an accepted event to the broadcast engine.
type Broadcaster interface {
	Submit(evt *nostr.Event)
}

// StorageEnqueuer hands a non-ephemeral event to the storage batcher.
// It returns false when the batcher's buffer is full.
type StorageEnqueuer interface {
	Enqueue(evt *nostr.Event) bool
}

// Responder is the subset of the response router's API the validator
// needs to deliver acks, notices, and subscription-lifecycle frames.
type Responder interface {
	Send(connID string, frame any) bool
}

// SubscriptionRegistry is the subset of the registry's API the validator
// needs to install and tear down subscriptions.
type SubscriptionRegistry interface {
	Subscribe(connID, subID string, filters []nostr.Filter)
	Unsubscribe(connID, subID string)
}

// HistoricalStreamer streams stored matches for a freshly installed
// subscription.
type HistoricalStreamer interface {
	Stream(ctx context.Context, connID, subID string, filters []nostr.Filter)
}

// Config carries the validator's tunables.
type Config struct {
	Workers            int
	MaxEventBytes       int
	BroadcastMaxAgeSecs int
	MaxFiltersPerReq    int
	PolicyCacheTTL      time.Duration
}

// Validator drains the ingress queue and dispatches each frame.
type Validator struct {
	cfg Config

	queue      *ingress.Queue
	policy     policy.Store
	broadcast  Broadcaster
	storage    StorageEnqueuer
	responder  Responder
	registry   SubscriptionRegistry
	historical HistoricalStreamer
	metrics    *metrics.Registry
	now        func() time.Time
}

// New constructs a Validator wired to its collaborators.
func New(cfg Config, queue *ingress.Queue, policyStore policy.Store, broadcast Broadcaster,
	storage StorageEnqueuer, responder Responder, registry SubscriptionRegistry,
	historical HistoricalStreamer, m *metrics.Registry) *Validator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Validator{
		cfg: cfg, queue: queue, policy: policyStore, broadcast: broadcast,
		storage: storage, responder: responder, registry: registry,
		historical: historical, metrics: m, now: time.Now,
	}
}

// Run starts cfg.Workers worker goroutines, each draining the ingress
// queue until ctx is cancelled. Run blocks until every worker exits.
func (v *Validator) Run(ctx context.Context) {
	done := make(chan struct{}, v.cfg.Workers)
	for i := 0; i < v.cfg.Workers; i++ {
		go func() {
			v.worker(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < v.cfg.Workers; i++ {
		<-done
	}
}

func (v *Validator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := v.queue.Pop(32, v.now().Add(200*time.Millisecond))
		for _, item := range batch {
			v.handle(ctx, item)
		}
	}
}

func (v *Validator) handle(ctx context.Context, item ingress.Item) {
	envelope, err := nostr.ParseMessage(item.Frame)
	if err != nil {
		v.responder.Send(item.ConnID, []any{"NOTICE", "error: malformed frame"})
		return
	}

	switch e := envelope.(type) {
	case *nostr.EventEnvelope:
		v.handleEvent(ctx, item.ConnID, &e.Event)
	case *nostr.ReqEnvelope:
		v.handleReq(ctx, item.ConnID, e.SubscriptionID, e.Filters)
	case *nostr.CloseEnvelope:
		v.handleClose(item.ConnID, string(*e))
	default:
		v.responder.Send(item.ConnID, []any{"NOTICE", fmt.Sprintf("error: unsupported frame type %T", envelope)})
	}
}

func (v *Validator) handleReq(ctx context.Context, connID string, subID string, filters nostr.Filters) {
	if len(filters) > v.cfg.MaxFiltersPerReq {
		filters = filters[:v.cfg.MaxFiltersPerReq]
	}
	v.registry.Subscribe(connID, subID, filters)
	v.historical.Stream(ctx, connID, subID, filters)
}

func (v *Validator) handleClose(connID, subID string) {
	v.registry.Unsubscribe(connID, subID)
}

func (v *Validator) ack(connID, eventID string, ok bool, message string) {
	v.responder.Send(connID, []any{"OK", eventID, ok, message})
}

func (v *Validator) reject(connID string, evt *nostr.Event, kind string, message string) {
	if v.metrics != nil {
		v.metrics.EventsRejected.WithLabelValues(kind).Inc()
	}
	v.ack(connID, evt.ID, false, message)
	if evt.ID != "" {
		logging.L().With(logging.String("event_id", evt.ID), logging.String("error_kind", kind)).
			Debug("event rejected: " + message)
	}
}

// handleEvent runs the §4.2 validation pipeline for a single submitted
// event.
func (v *Validator) handleEvent(ctx context.Context, connID string, evt *nostr.Event) {
	// Step 2: structural check.
	if err := structuralCheck(evt); err != nil {
		v.reject(connID, evt, "invalid", "invalid: "+err.Error())
		return
	}

	// Step 3: size check.
	if size := estimateSize(evt); size > v.cfg.MaxEventBytes {
		v.reject(connID, evt, "rejected", "rejected: event too large")
		return
	}

	// Step 4: policy checks, in order.
	if banned, err := v.policy.PubKeyBanned(ctx, evt.PubKey); err != nil {
		v.reject(connID, evt, "error", "error: policy store unavailable")
		return
	} else if banned {
		v.reject(connID, evt, "blocked", "blocked: author is banned")
		return
	}
	if hasAllow, err := v.policy.HasAllowlist(ctx); err != nil {
		v.reject(connID, evt, "error", "error: policy store unavailable")
		return
	} else if hasAllow {
		allowed, err := v.policy.PubKeyAllowed(ctx, evt.PubKey)
		if err != nil {
			v.reject(connID, evt, "error", "error: policy store unavailable")
			return
		}
		if !allowed {
			v.reject(connID, evt, "blocked", "blocked: author not on allowlist")
			return
		}
	}
	if banned, err := v.policy.EventBanned(ctx, evt.ID); err != nil {
		v.reject(connID, evt, "error", "error: policy store unavailable")
		return
	} else if banned {
		v.reject(connID, evt, "blocked", "blocked: event id is banned")
		return
	}
	if hasKindAllow, err := v.policy.HasKindAllowlist(ctx); err != nil {
		v.reject(connID, evt, "error", "error: policy store unavailable")
		return
	} else if hasKindAllow {
		allowed, err := v.policy.KindAllowed(ctx, evt.Kind)
		if err != nil {
			v.reject(connID, evt, "error", "error: policy store unavailable")
			return
		}
		if !allowed {
			v.reject(connID, evt, "blocked", "blocked: kind not allowed")
			return
		}
	}

	// Step 5: signature verification.
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		v.reject(connID, evt, "invalid", "invalid: signature verification failed")
		return
	}

	// Step 6: age classification.
	class := relayevent.ClassOf(evt.Kind)
	tooOld := false
	if v.cfg.BroadcastMaxAgeSecs > 0 {
		age := v.now().Unix() - int64(evt.CreatedAt)
		tooOld = age > int64(v.cfg.BroadcastMaxAgeSecs)
	}
	if tooOld && class == relayevent.Ephemeral {
		v.reject(connID, evt, "rejected", "rejected: event too old")
		return
	}

	// Step 7: acceptance.
	if v.metrics != nil {
		v.metrics.EventsAccepted.Inc()
	}
	v.ack(connID, evt.ID, true, "")

	if !tooOld {
		v.broadcast.Submit(evt)
	}
	if class.Persisted() {
		// The batcher counts and logs its own drops.
		v.storage.Enqueue(evt)
	}
}

func estimateSize(evt *nostr.Event) int {
	b, err := evt.MarshalJSON()
	if err != nil {
		return 0
	}
	return len(b)
}

func structuralCheck(evt *nostr.Event) error {
	if len(evt.ID) != 64 {
		return fmt.Errorf("malformed event: id must be 64 hex characters")
	}
	if len(evt.PubKey) != 64 {
		return fmt.Errorf("malformed event: pubkey must be 64 hex characters")
	}
	if len(evt.Sig) != 128 {
		return fmt.Errorf("malformed event: sig must be 128 hex characters")
	}
	if !isHex(evt.ID) || !isHex(evt.PubKey) || !isHex(evt.Sig) {
		return fmt.Errorf("malformed event: id/pubkey/sig must be hex-encoded")
	}
	if evt.Kind < 0 {
		return fmt.Errorf("malformed event: kind must be non-negative")
	}
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("malformed event: tags must be non-empty sequences")
		}
	}
	computed := evt.GetID()
	if computed != evt.ID {
		return fmt.Errorf("malformed event: id does not match event hash")
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
