// Package storagebatch implements the storage batcher: it coalesces
// non-ephemeral accepted events into batches and hands them to
// the document store, retrying transient failures at the head with
// exponential backoff and splitting on permanent per-document failures.
// Enqueue never blocks the broadcast engine: the intake buffer is bounded
// and degrades to drop-with-warning once full.
package storagebatch

import (
	"context"
	"errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/metrics"
	"github.com/eventrelay/relay/internal/store"
)

// PermanentError marks a per-document failure that retrying the whole
// batch cannot fix (e.g. schema rejection); the batcher splits the batch
// and isolates the failing document instead of retrying it forever.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Config carries the storage batcher's tunables.
type Config struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Batcher coalesces events into batches and writes them to a Store.
type Batcher struct {
	cfg     Config
	store   store.Store
	metrics *metrics.Registry

	buffer chan *nostr.Event
	done   chan struct{}
}

// New constructs a Batcher. Enqueue degrades to drop-with-warning once
// BufferSize events are pending.
func New(cfg Config, s store.Store, m *metrics.Registry) *Batcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = cfg.BatchSize * cfg.Workers * 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Batcher{
		cfg:     cfg,
		store:   s,
		metrics: m,
		buffer:  make(chan *nostr.Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// Enqueue hands evt to the batcher. It never blocks: when the buffer is
// full the event is dropped and counted, since it was already broadcast
// and acked — its loss here is a metrics event, not a protocol violation.
func (b *Batcher) Enqueue(evt *nostr.Event) bool {
	select {
	case b.buffer <- evt:
		return true
	default:
		if b.metrics != nil {
			b.metrics.StorageDropped.Inc()
		}
		logging.L().With(logging.String("event_id", evt.ID)).
			Warn("storage buffer full, dropping event")
		return false
	}
}

// Run starts cfg.Workers batching workers. Each drains the shared buffer,
// accumulating up to BatchSize events or until FlushInterval elapses,
// whichever comes first.
func (b *Batcher) Run(ctx context.Context) {
	for i := 0; i < b.cfg.Workers; i++ {
		go b.worker(ctx)
	}
}

// Stop signals all workers to exit after their current flush completes.
func (b *Batcher) Stop() {
	close(b.done)
}

func (b *Batcher) worker(ctx context.Context) {
	batch := make([]*nostr.Event, 0, b.cfg.BatchSize)
	timer := time.NewTimer(b.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.writeWithRetry(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-b.done:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		case evt := <-b.buffer:
			batch = append(batch, evt)
			if len(batch) >= b.cfg.BatchSize {
				flush()
				timer.Reset(b.cfg.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(b.cfg.FlushInterval)
		}
	}
}

// writeWithRetry writes batch to the store, retrying transient failures
// at the head with exponential backoff; a permanent per-document failure
// causes the batch to be split in halves and each half retried, down to
// the single failing document, which is dropped.
func (b *Batcher) writeWithRetry(ctx context.Context, batch []*nostr.Event) {
	backoff := b.cfg.InitialBackoff
	pending := append([]*nostr.Event(nil), batch...)

	for len(pending) > 0 {
		err := b.store.PutBatch(ctx, pending)
		if err == nil {
			return
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			if len(pending) == 1 {
				logging.L().With(logging.String("event_id", pending[0].ID), logging.Error(err)).
					Error("storage write permanently failed for event")
				if b.metrics != nil {
					b.metrics.StorageDropped.Inc()
				}
				return
			}
			b.splitAndRetry(ctx, pending)
			return
		}

		if b.metrics != nil {
			b.metrics.StorageRetries.Inc()
		}
		logging.L().With(logging.Int("batch_size", len(pending)), logging.Error(err)).
			Warn("transient storage failure, retrying batch")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}
}

func (b *Batcher) splitAndRetry(ctx context.Context, pending []*nostr.Event) {
	mid := len(pending) / 2
	b.writeWithRetry(ctx, pending[:mid])
	b.writeWithRetry(ctx, pending[mid:])
}
