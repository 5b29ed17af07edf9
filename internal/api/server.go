// Package api is the supervisor's HTTP surface: health, portfolio,
// approvals, rules, the kill switch, Prometheus metrics, and two live
// streams (SSE and WebSocket) fed from the event bus.
//
// Mutating endpoints require the owner header (X-Owner-Id). Binding retries
// the next four ports when the configured one is taken; the active port is
// observable at /env.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinwarden/internal/engine"
	"coinwarden/internal/metrics"
)

// portAttempts is how many consecutive ports Run tries before giving up.
const portAttempts = 5

// Server runs the HTTP API.
type Server struct {
	engine     *engine.Engine
	hub        *Hub
	logger     *slog.Logger
	httpServer *http.Server
	activePort atomic.Int32
}

// NewServer wires the router and the stream hub.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		hub:    NewHub(logger),
		logger: logger.With("component", "api"),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	collector := metrics.New(reg, eng.Bus())
	go collector.Run(context.Background(), eng.Bus())

	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/full", s.handleHealthFull).Methods(http.MethodGet)
	r.HandleFunc("/env", s.handleEnv).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/portfolio/current", s.handlePortfolio).Methods(http.MethodGet)
	r.HandleFunc("/portfolio/snapshot/force", s.owner(s.handleForceSnapshot)).Methods(http.MethodPost)

	r.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	r.HandleFunc("/approvals", s.owner(s.handleCreateApproval)).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}", s.handleGetApproval).Methods(http.MethodGet)
	r.HandleFunc("/approvals/{id}", s.owner(s.handlePatchApproval)).Methods(http.MethodPatch)
	r.HandleFunc("/approvals/{id}/approve", s.owner(s.handleApprove)).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/decline", s.owner(s.handleDecline)).Methods(http.MethodPost)
	r.HandleFunc("/approvals/{id}/execute", s.owner(s.handleExecute)).Methods(http.MethodPost)

	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.owner(s.handleUpsertRule)).Methods(http.MethodPost)
	r.HandleFunc("/rules/evaluate", s.owner(s.handleEvaluate)).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id}/activate", s.owner(s.handleActivateRule)).Methods(http.MethodPost)

	r.HandleFunc("/kill-switch", s.handleKillSwitchGet).Methods(http.MethodGet)
	r.HandleFunc("/kill-switch", s.owner(s.handleKillSwitchSet)).Methods(http.MethodPost)

	r.HandleFunc("/executions", s.handleExecutions).Methods(http.MethodGet)
	r.HandleFunc("/preferences", s.handlePreferences).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	// CORS wraps the whole router so preflight works on every path.
	s.httpServer = &http.Server{
		Handler:      s.cors(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own lifetime
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run binds and serves. When the configured port is taken it walks up
// through the next four; only after all five fail does it return an error.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()
	go s.pumpBusToHub(ctx)

	base := s.engine.Config().Server.Port
	var ln net.Listener
	var err error
	for i := 0; i < portAttempts; i++ {
		port := base + i
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			s.activePort.Store(int32(port))
			if i > 0 {
				s.logger.Warn("configured port taken, bound fallback", "configured", base, "active", port)
			}
			break
		}
		s.logger.Warn("port bind failed", "port", port, "error", err)
	}
	if ln == nil {
		return fmt.Errorf("api: no free port in %d..%d: %w", base, base+portAttempts-1, err)
	}

	s.logger.Info("api listening", "port", s.ActivePort())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// ActivePort reports the port actually bound (zero before Run).
func (s *Server) ActivePort() int { return int(s.activePort.Load()) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// pumpBusToHub forwards every bus event to connected WebSocket clients.
func (s *Server) pumpBusToHub(ctx context.Context) {
	sub := s.engine.Bus().Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
