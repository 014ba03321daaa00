// Package router implements the response router: one bounded outbound
// queue per connection, drained by a per-connection dispatch task that
// coalesces frames into a short batching window before handing them to
// the transport adapter.
package router

import (
	"sync"
	"time"

	"github.com/eventrelay/relay/internal/logging"
)

// Writer is the transport-side sink for outbound frames. Implementations
// must be safe to call from the router's dispatch goroutine only; the
// router never calls Write concurrently for the same connection.
type Writer interface {
	Write(connID string, frames []any) error
}

// Detacher is notified when a connection's outbound path has failed and
// must be torn down.
type Detacher interface {
	Detach(connID string)
}

const coalesceWindow = 10 * time.Millisecond

type outbound struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   []any
	closed   bool
	soft     int
	hard     int
	consecutiveDrops int
}

func newOutbound(soft, hard int) *outbound {
	o := &outbound{soft: soft, hard: hard}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Router owns the per-connection outbound queues.
type Router struct {
	mu    sync.Mutex
	conns map[string]*outbound

	softLimit int
	hardLimit int
	maxConsecutiveDrops int

	writer   Writer
	detacher Detacher
}

// New constructs a Router with the given per-connection queue watermarks.
// writer may be nil and supplied later via SetWriter, which is useful when
// the writer itself (e.g. a transport adapter) needs a reference to the
// Router it will be installed into.
func New(softLimit, hardLimit, maxConsecutiveDrops int, writer Writer, detacher Detacher) *Router {
	return &Router{
		conns:               make(map[string]*outbound),
		softLimit:           softLimit,
		hardLimit:           hardLimit,
		maxConsecutiveDrops: maxConsecutiveDrops,
		writer:              writer,
		detacher:            detacher,
	}
}

// SetWriter installs the transport writer. Must be called before any
// connection is Registered.
func (r *Router) SetWriter(writer Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer = writer
}

func (r *Router) currentWriter() Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer
}

// Register opens an outbound queue for connID and starts its dispatch task.
func (r *Router) Register(connID string) {
	r.mu.Lock()
	o, ok := r.conns[connID]
	if !ok {
		o = newOutbound(r.softLimit, r.hardLimit)
		r.conns[connID] = o
	}
	r.mu.Unlock()
	go r.dispatch(connID, o)
}

// Send enqueues message for delivery to connID. Returns false when the
// queue is at its hard-full threshold; the caller must treat that as a
// dropped delivery.
func (r *Router) Send(connID string, message any) bool {
	r.mu.Lock()
	o, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.frames) >= o.hard {
		o.consecutiveDrops++
		drops := o.consecutiveDrops
		o.mu.Unlock()
		if r.maxConsecutiveDrops > 0 && drops >= r.maxConsecutiveDrops {
			r.Close(connID, "slow consumer")
		}
		return false
	}
	o.consecutiveDrops = 0
	o.frames = append(o.frames, message)
	o.cond.Signal()
	o.mu.Unlock()
	return true
}

// Close closes connID's outbound queue, discarding any pending frames, and
// asks the detacher to tear the connection down. Idempotent.
func (r *Router) Close(connID string, reason string) {
	r.mu.Lock()
	o, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	o.mu.Lock()
	already := o.closed
	o.closed = true
	o.frames = nil
	o.cond.Broadcast()
	o.mu.Unlock()

	if !already {
		logging.L().With(logging.String("conn_id", connID), logging.String("reason", reason)).
			Debug("response router closing connection")
		if r.detacher != nil {
			r.detacher.Detach(connID)
		}
	}
}

// dispatch drains o until it is closed, coalescing pending frames within a
// short batching window before handing them to the writer.
func (r *Router) dispatch(connID string, o *outbound) {
	for {
		o.mu.Lock()
		for len(o.frames) == 0 && !o.closed {
			o.cond.Wait()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		time.Sleep(coalesceWindow)

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		batch := o.frames
		o.frames = nil
		o.mu.Unlock()

		if len(batch) == 0 {
			continue
		}
		if err := r.currentWriter().Write(connID, batch); err != nil {
			r.Close(connID, "write failure")
			return
		}
	}
}
