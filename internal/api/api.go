// Package api provides the HTTP surface for LedgerPipe.
//
// It exposes the Twilio inbound webhook, a health endpoint, and read access
// to the per-flow audit trail.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/FinBridge/LedgerPipe/internal/audit"
	"github.com/FinBridge/LedgerPipe/internal/messaging"
	"github.com/FinBridge/LedgerPipe/internal/models"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Twilio *messaging.TwilioService
	Audits *audit.Log
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioService mounts the Twilio inbound webhook.
func WithTwilioService(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// WithAuditLog exposes the audit trail read endpoint.
func WithAuditLog(audits *audit.Log) Option {
	return func(o *Opts) { o.Audits = audits }
}

// Server is the LedgerPipe HTTP server.
type Server struct {
	addr       string
	audits     *audit.Log
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{addr: cfg.Addr, audits: cfg.Audits}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/audit", s.auditHandler)
	if cfg.Twilio != nil {
		mux.HandleFunc("/webhook/twilio", cfg.Twilio.WebhookHandler)
		slog.Debug("Server mounted Twilio webhook", "path", "/webhook/twilio")
	}

	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("LedgerPipe API listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		slog.Info("LedgerPipe API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auditHandler returns the audit trail for one flow, ordered by append time.
func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.auditHandler: processing audit request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.audits == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Audit log not configured"))
		return
	}

	flowID := r.URL.Query().Get("flow_id")
	if flowID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: flow_id"))
		return
	}

	events, err := s.audits.Events(flowID)
	if err != nil {
		slog.Error("Server.auditHandler: failed to read audit events", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read audit events"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
