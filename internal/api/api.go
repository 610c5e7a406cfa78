// Package api provides the HTTP surface of the AI Call backend.
//
// It exposes the one-shot chat endpoint, the session lifecycle endpoints for
// the dialogue flows, the speech conversion endpoints, and a health probe.
// Handlers translate the service error taxonomy into HTTP statuses and wrap
// every JSON reply in the shared response envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aicall/server/internal/genai"
	"github.com/aicall/server/internal/models"
	"github.com/aicall/server/internal/session"
	"github.com/aicall/server/internal/speech"
	"github.com/aicall/server/internal/summary"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP endpoints to the backend services.
type Server struct {
	addr        string
	client      genai.ClientInterface
	manager     *session.Manager
	renderer    *summary.Renderer
	synthesizer *speech.Synthesizer
	transcriber speech.Transcriber

	httpServer *http.Server
}

// NewServer builds the API server. The transcriber and synthesizer may be nil
// when the corresponding speech endpoint is not deployed; requests to them
// then fail with a service-unavailable status.
func NewServer(client genai.ClientInterface, manager *session.Manager, renderer *summary.Renderer, synthesizer *speech.Synthesizer, transcriber speech.Transcriber, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:        cfg.Addr,
		client:      client,
		manager:     manager,
		renderer:    renderer,
		synthesizer: synthesizer,
		transcriber: transcriber,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.chatHandler)
	mux.HandleFunc("POST /chat/session/{flow}/start", s.startSessionHandler)
	mux.HandleFunc("POST /chat/session/{flow}/{id}/continue", s.continueSessionHandler)
	mux.HandleFunc("GET /chat/session/{flow}", s.listSessionsHandler)
	mux.HandleFunc("GET /chat/session/{flow}/{id}", s.getSessionHandler)
	mux.HandleFunc("GET /chat/session/{flow}/{id}/summary", s.summaryHandler)
	mux.HandleFunc("GET /chat/session/{flow}/{id}/carryover", s.carryoverHandler)
	mux.HandleFunc("DELETE /chat/session/{flow}/{id}", s.deleteSessionHandler)

	mux.HandleFunc("POST /speech/speech-to-text", s.speechToTextHandler)
	mux.HandleFunc("POST /speech/text-to-speech", s.textToSpeechHandler)

	mux.HandleFunc("GET /health", s.healthHandler)

	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: API server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// writeServiceError maps the service error taxonomy to an HTTP status and
// writes the envelope. Upstream HTTP failures pass their status through so
// the caller can distinguish rate limits from auth problems.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	var upstreamErr *genai.UpstreamError
	var engineErr *speech.EngineError

	switch {
	case errors.Is(err, models.ErrEmptyMessage):
		slog.Warn("Server."+op+": invalid request", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrUnknownFlowType):
		slog.Warn("Server."+op+": resource not found", "error", err)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.As(err, &upstreamErr):
		slog.Warn("Server."+op+": upstream error passed through", "status", upstreamErr.StatusCode)
		writeJSONResponse(w, upstreamErr.StatusCode, models.Error(upstreamErr.Error()))
	case errors.As(err, &engineErr):
		slog.Warn("Server."+op+": speech engine error", "status", engineErr.StatusCode)
		writeJSONResponse(w, http.StatusBadGateway, models.Error(engineErr.Error()))
	case errors.Is(err, models.ErrMalformedUpstream):
		slog.Error("Server."+op+": malformed upstream response", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Upstream returned a malformed response"))
	case errors.Is(err, models.ErrUpstreamUnavailable):
		slog.Error("Server."+op+": upstream unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Upstream service unavailable"))
	default:
		slog.Error("Server."+op+": internal error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
