// Package historical implements the historical query engine: for a
// freshly installed subscription, it translates each filter into a
// document-store query, streams newest-first results to the connection,
// and emits the end-of-stored-events sentinel once every filter has
// drained or the query budget elapses.
package historical

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eventrelay/relay/internal/filtermatch"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/store"
)

// Responder is the subset of the response router's API the historical
// engine needs to stream results and the end-of-stored-events sentinel.
type Responder interface {
	Send(connID string, message any) bool
}

// Config carries the historical engine's tunables.
type Config struct {
	MaxFiltersPerReq  int
	MaxHistoricalLimit int
	DefaultLimit      int
	QueryDeadline     time.Duration
}

// Engine streams stored matches for newly installed subscriptions.
type Engine struct {
	cfg       Config
	store     store.Store
	responder Responder
}

// New constructs an Engine.
func New(cfg Config, s store.Store, responder Responder) *Engine {
	if cfg.MaxFiltersPerReq < 1 {
		cfg.MaxFiltersPerReq = 10
	}
	if cfg.MaxHistoricalLimit < 1 {
		cfg.MaxHistoricalLimit = 5000
	}
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = 500
	}
	if cfg.QueryDeadline <= 0 {
		cfg.QueryDeadline = 10 * time.Second
	}
	return &Engine{cfg: cfg, store: s, responder: responder}
}

// Stream runs a bounded query for each of filters (truncated to
// MaxFiltersPerReq) and emits results newest-first, followed by a single
// end-of-stored-events sentinel for subID once every filter has drained
// or the query budget elapses.
func (e *Engine) Stream(ctx context.Context, connID, subID string, filters []nostr.Filter) {
	if len(filters) > e.cfg.MaxFiltersPerReq {
		filters = filters[:e.cfg.MaxFiltersPerReq]
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryDeadline)
	defer cancel()

	for _, f := range filters {
		select {
		case <-ctx.Done():
			e.responder.Send(connID, []any{"EOSE", subID})
			return
		default:
		}
		if f.LimitZero {
			continue
		}
		f.Limit = filtermatch.EffectiveLimit(f, e.cfg.DefaultLimit, e.cfg.MaxHistoricalLimit)

		events, err := e.store.Query(ctx, f)
		if err != nil {
			logging.L().With(logging.String("conn_id", connID), logging.String("sub_id", subID), logging.Error(err)).
				Warn("historical query failed")
			continue
		}
		for _, evt := range events {
			select {
			case <-ctx.Done():
				e.responder.Send(connID, []any{"EOSE", subID})
				return
			default:
			}
			e.responder.Send(connID, []any{"EVENT", subID, evt})
		}
	}

	e.responder.Send(connID, []any{"EOSE", subID})
}
