// Package api serves the inbound webhook the chat gateway posts events
// to, plus a health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/qqbot-ha/internal/buildinfo"
	"github.com/nugget/qqbot-ha/internal/connwatch"
	"github.com/nugget/qqbot-ha/internal/onebot"
)

// MaxEventBytes caps the webhook request body.
const MaxEventBytes = 1 << 20

// routeTimeout bounds one routing pass: the assistant call plus reply
// delivery with retries.
const routeTimeout = 60 * time.Second

// EventHandler routes one parsed inbound event. The real implementation
// is *bridge.Router.
type EventHandler interface {
	Handle(ctx context.Context, ev onebot.InboundEvent)
}

// StatusReporter supplies the per-service section of /health. The real
// implementation is *connwatch.Manager.
type StatusReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config holds the server settings and dependencies.
type Config struct {
	Address string
	Port    int
	Handler EventHandler
	Health  StatusReporter // optional
	Logger  *slog.Logger
}

// Server is the webhook HTTP server.
type Server struct {
	address string
	port    int
	handler EventHandler
	health  StatusReporter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a webhook server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		handler: cfg.Handler,
		health:  cfg.Health,
		logger:  logger,
	}
}

// Handler returns the routed HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleEvent)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	return s.withLogging(mux)
}

// Start listens and serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: routeTimeout + 10*time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting webhook server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type requestIDKey struct{}

// RequestID returns the id withLogging assigned to the request, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// handleEvent parses one gateway event and routes it before replying.
// Well-formed input always gets 200 {}; routing failures are logged by
// the router and never change the status.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With("request_id", RequestID(r.Context()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("event body too large", "limit", tooLarge.Limit)
			s.writeEmpty(w, http.StatusRequestEntityTooLarge)
			return
		}
		log.Warn("failed to read event body", "error", err)
		s.writeEmpty(w, http.StatusBadRequest)
		return
	}
	log.Log(r.Context(), slog.Level(-8), "event payload", "body", string(body)) // config.LevelTrace

	ev, err := onebot.ParseEvent(body)
	if err != nil {
		log.Warn("rejecting malformed event", "error", err)
		s.writeEmpty(w, http.StatusBadRequest)
		return
	}

	// The gateway may hang up before routing finishes; the reply still
	// has to go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), routeTimeout)
	defer cancel()
	s.handler.Handle(ctx, ev)

	s.writeEmpty(w, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status   string                             `json:"status"`
		Uptime   string                             `json:"uptime"`
		Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	}{Status: "healthy", Uptime: buildinfo.Uptime().Truncate(time.Second).String()}
	if s.health != nil {
		resp.Services = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// writeEmpty replies with an empty JSON object, which is all the
// gateway expects back.
func (s *Server) writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, struct{}{}, s.logger)
}
