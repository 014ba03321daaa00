// Package relay wires the core pipeline components (ingress queue,
// validator, subscription registry, broadcast engine, storage batcher,
// response router) together with the ambient transport, admin HTTP, and
// policy/store dependencies into one runnable server built from
// independently testable collaborators.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventrelay/relay/internal/adminhttp"
	"github.com/eventrelay/relay/internal/auth"
	"github.com/eventrelay/relay/internal/broadcast"
	"github.com/eventrelay/relay/internal/config"
	"github.com/eventrelay/relay/internal/historical"
	"github.com/eventrelay/relay/internal/ingress"
	"github.com/eventrelay/relay/internal/metrics"
	"github.com/eventrelay/relay/internal/policy"
	"github.com/eventrelay/relay/internal/registry"
	"github.com/eventrelay/relay/internal/router"
	"github.com/eventrelay/relay/internal/storagebatch"
	"github.com/eventrelay/relay/internal/store"
	"github.com/eventrelay/relay/internal/transport"
	"github.com/eventrelay/relay/internal/validator"
)

// Server bundles every collaborator needed to run the relay end to end.
type Server struct {
	cfg *config.Config

	Registry   *registry.Registry
	Store      store.Store
	Policy     policy.Store
	Metrics    *metrics.Registry
	Queue      *ingress.Queue
	Broadcast  *broadcast.Engine
	Batcher    *storagebatch.Batcher
	Router     *router.Router
	Historical *historical.Engine
	Validator  *validator.Validator
	Adapter    *transport.Adapter
	Admin      *adminhttp.Server

	httpSrv  *http.Server
	adminSrv *http.Server
}

// compositeDetacher tears down both the registry's subscription state and
// the transport adapter's writer binding when a connection closes; the
// response router only knows about one Detacher, so this composes both
// teardown concerns a closed connection needs handled.
type compositeDetacher struct {
	registry *registry.Registry
	adapter  *transport.Adapter
}

func (d *compositeDetacher) Detach(connID string) {
	d.registry.Detach(connID)
	if d.adapter != nil {
		d.adapter.Detach(connID)
	}
}

// New constructs a fully wired Server from cfg. The document store backend
// is selected by cfg.StorageDriver ("memory" or "sqlite").
func New(cfg *config.Config) (*Server, error) {
	docStore, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	reg := registry.New()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	var policyStore policy.Store = policy.NewStatic(policy.RelayInfo{
		Name:        cfg.RelayName,
		Description: cfg.RelayDescription,
	})
	policyStore = policy.NewCached(policyStore, cfg.PolicyCacheTTL)

	queue := ingress.New(cfg.IngressSoftLimit, cfg.IngressHardLimit)

	detacher := &compositeDetacher{registry: reg}
	rtr := router.New(cfg.OutboundSoftLimit, cfg.OutboundHardLimit, cfg.MaxConsecutiveDrops, nil, detacher)

	bc := broadcast.New(reg, rtr, m, cfg.OutboundSoftLimit)

	batcher := storagebatch.New(storagebatch.Config{
		Workers:       cfg.StorageWorkers,
		BatchSize:     cfg.StorageBatchSize,
		FlushInterval: time.Duration(cfg.StorageFlushMS) * time.Millisecond,
	}, docStore, m)

	hist := historical.New(historical.Config{
		MaxFiltersPerReq:   cfg.MaxFiltersPerReq,
		MaxHistoricalLimit: cfg.MaxHistoricalLimit,
		DefaultLimit:       config.DefaultHistoricalLimit,
		QueryDeadline:      time.Duration(cfg.QueryDeadlineMS) * time.Millisecond,
	}, docStore, rtr)

	v := validator.New(validator.Config{
		Workers:             cfg.ValidationWorkers,
		MaxEventBytes:       cfg.MaxEventBytes,
		BroadcastMaxAgeSecs: cfg.BroadcastMaxAgeSeconds,
		MaxFiltersPerReq:    cfg.MaxFiltersPerReq,
		PolicyCacheTTL:      cfg.PolicyCacheTTL,
	}, queue, policyStore, bc, batcher, rtr, reg, hist, m)

	gate := transport.NewGate(policyStore, cfg.AllowedOrigins)
	adapter := transport.NewAdapter(transport.Config{
		PingInterval:        cfg.PingInterval,
		MaxPayloadBytes:     int64(cfg.MaxEventBytes) * 2,
		MaxConsecutiveDrops: cfg.MaxConsecutiveDrops,
		AllowedOrigins:      cfg.AllowedOrigins,
	}, gate, queue, rtr)
	detacher.adapter = adapter
	rtr.SetWriter(adapter)

	var tokenVerifier *auth.ServiceTokenVerifier
	if cfg.AdminToken != "" {
		tokenVerifier, err = auth.NewServiceTokenVerifier(cfg.AdminToken, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("configure admin token verifier: %w", err)
		}
	}
	admin := adminhttp.New(tokenVerifier, reg, promReg)

	return &Server{
		cfg:        cfg,
		Registry:   reg,
		Store:      docStore,
		Policy:     policyStore,
		Metrics:    m,
		Queue:      queue,
		Broadcast:  bc,
		Batcher:    batcher,
		Router:     rtr,
		Historical: hist,
		Validator:  v,
		Adapter:    adapter,
		Admin:      admin,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		return store.OpenSQLite(cfg.StoragePath)
	default:
		return store.NewMemory(), nil
	}
}

// Run starts every worker pool and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.Batcher.Run(ctx)
	s.Broadcast.Run(s.cfg.BroadcastWorkers)
	s.Validator.Run(ctx)
}

// Stop halts the broadcast engine and storage batcher. The validator pool
// exits on its own once ctx (passed to Run) is cancelled.
func (s *Server) Stop() {
	s.Broadcast.Stop()
	s.Batcher.Stop()
}

// ListenAndServe starts the public WebSocket listener on cfg.Address. It
// blocks until the listener is closed by Shutdown or fails.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{Addr: s.cfg.Address, Handler: s.Adapter}
	return s.httpSrv.ListenAndServe()
}

// ListenAndServeAdmin starts the admin HTTP surface on cfg.AdminAddress. It
// blocks until the listener is closed by Shutdown or fails.
func (s *Server) ListenAndServeAdmin() error {
	s.adminSrv = &http.Server{Addr: s.cfg.AdminAddress, Handler: s.Admin.Handler()}
	return s.adminSrv.ListenAndServe()
}

// Shutdown gracefully closes the public and admin HTTP listeners, letting
// in-flight requests finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.adminSrv != nil {
		_ = s.adminSrv.Shutdown(ctx)
	}
}
