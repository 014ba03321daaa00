package transport

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/logging"
	"github.com/eventrelay/relay/internal/router"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier  = 2
)

// Config carries the transport adapter's tunables.
type Config struct {
	PingInterval          time.Duration
	MaxPayloadBytes       int64
	MaxConsecutiveDrops   int
	AllowedOrigins        []string
}

// Adapter upgrades HTTP requests to WebSocket connections, decodes frames
// into the ingress queue, and registers an outbound writer with the
// response router for each connection.
type Adapter struct {
	cfg      Config
	gate     *Gate
	queue    *ingress.Queue
	rtr      *router.Router
	upgrader websocket.Upgrader

	writers sync.Map // connID string -> *connWriter
}

// NewAdapter constructs an Adapter. The Adapter itself implements
// router.Writer (Write) and router.Detacher (Detach); the caller installs
// it on rtr with rtr.SetWriter before serving connections.
func NewAdapter(cfg Config, gate *Gate, queue *ingress.Queue, rtr *router.Router) *Adapter {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 256 * 1024
	}
	if cfg.MaxConsecutiveDrops <= 0 {
		cfg.MaxConsecutiveDrops = 10
	}
	a := &Adapter{cfg: cfg, gate: gate, queue: queue, rtr: rtr}
	a.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return a
}

func (a *Adapter) nextConnID() string {
	return "conn-" + uuid.NewString()
}

// ServeHTTP handles the WebSocket upgrade for one connection end to end:
// gate check, upgrade, keepalive setup, and the read/write pump pair.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.gate != nil && !a.gate.Allow(r.Context(), r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().With(logging.Error(err)).Warn("websocket upgrade failed")
		return
	}

	connID := a.nextConnID()
	log := logging.L().With(logging.String("conn_id", connID))

	conn.SetReadLimit(a.cfg.MaxPayloadBytes)
	waitDuration := time.Duration(pongWaitMultiplier) * a.cfg.PingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		log.Error("failed to set initial read deadline", logging.Error(err))
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	a.rtr.Register(connID)
	a.registerWriter(connID, conn)

	go a.writePump(connID, conn, log)
	a.readPump(connID, conn, log, waitDuration)
}

// readPump decodes text frames into (connID, frame) items for the
// ingress queue until the socket errors or closes.
func (a *Adapter) readPump(connID string, conn *websocket.Conn, log *logging.Logger, waitDuration time.Duration) {
	consecutiveDrops := 0
	defer func() {
		a.rtr.Close(connID, "read pump exited")
		_ = conn.Close()
	}()

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				log.Debug("read pump exiting", logging.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		accepted, _ := a.queue.Push(ingress.Item{ConnID: connID, Frame: append([]byte(nil), msg...)})
		if !accepted {
			consecutiveDrops++
			a.rtr.Send(connID, []any{"NOTICE", "error: server overloaded, frame dropped"})
			if consecutiveDrops >= a.cfg.MaxConsecutiveDrops {
				log.Warn("closing connection after repeated ingress drops")
				return
			}
			continue
		}
		consecutiveDrops = 0
	}
}

// writePump sends periodic pings; frame writes themselves are driven by
// the response router's dispatch goroutine through the registered Writer.
func (a *Adapter) writePump(connID string, conn *websocket.Conn, log *logging.Logger) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
			log.Warn("ping failure", logging.Error(err))
			a.rtr.Close(connID, "ping failure")
			return
		}
	}
}

type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (a *Adapter) registerWriter(connID string, conn *websocket.Conn) {
	a.writers.Store(connID, &connWriter{conn: conn})
}

// Write implements router.Writer, serializing each coalesced batch of
// frames as one JSON text message per frame.
func (a *Adapter) Write(connID string, frames []any) error {
	v, ok := a.writers.Load(connID)
	if !ok {
		return errors.New("unknown connection")
	}
	cw := v.(*connWriter)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, frame := range frames {
		if err := cw.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := cw.conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

// Detach implements router.Detacher, removing the connection's writer
// binding and closing its socket once the router has closed its outbound
// queue.
func (a *Adapter) Detach(connID string) {
	if v, ok := a.writers.LoadAndDelete(connID); ok {
		_ = v.(*connWriter).conn.Close()
	}
}
