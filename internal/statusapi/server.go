// Package statusapi serves health, metrics and per-stream status over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"camvault/internal/events"
	"camvault/internal/observability/logging"
	"camvault/internal/observability/metrics"
	"camvault/internal/serverutil"
	"camvault/internal/session"
)

// Source exposes the session reports served by the API.
type Source interface {
	Reports() []session.Report
	Session(id string) (session.Report, bool)
}

type Config struct {
	Addr    string
	TLS     serverutil.TLSConfig
	Source  Source
	Metrics *metrics.Recorder
	// Recent, when set, backs /v1/events with the latest published outcomes.
	Recent *events.MemoryPublisher
	Logger *slog.Logger
}

type Server struct {
	cfg        Config
	base       *slog.Logger
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("status source is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	base := logging.OrDefault(cfg.Logger)
	logger := logging.WithComponent(base, "statusapi")
	s := &Server{cfg: cfg, base: base, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	mux.HandleFunc("GET /v1/streams", s.streams)
	mux.HandleFunc("GET /v1/streams/{id}", s.stream)
	mux.HandleFunc("GET /v1/events", s.recentEvents)

	handler := http.Handler(mux)
	handler = metrics.HTTPMiddleware(cfg.Metrics, handler)
	handler = logging.RequestLogger(logger)(handler)
	handler = requestIDMiddleware(uuid.NewString, handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, onListen func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:   s.httpServer,
		TLS:      s.cfg.TLS,
		OnListen: onListen,
		Logger:   s.base,
	})
}

type streamHealth struct {
	StreamID string        `json:"streamId"`
	State    session.State `json:"state"`
	Error    string        `json:"error,omitempty"`
}

type healthResponse struct {
	Status  string         `json:"status"`
	Streams []streamHealth `json:"streams"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	for _, report := range s.cfg.Source.Reports() {
		resp.Streams = append(resp.Streams, streamHealth{StreamID: report.StreamID, State: report.State, Error: report.Error})
		if report.State == session.StateFailed {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) streams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": s.cfg.Source.Reports()})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, ok := s.cfg.Source.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recent == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("event history is not enabled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.cfg.Recent.Events()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
