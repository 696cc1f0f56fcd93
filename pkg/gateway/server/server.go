package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
	"github.com/vango-go/vai-transcribe/pkg/gateway/config"
	"github.com/vango-go/vai-transcribe/pkg/gateway/handlers"
	"github.com/vango-go/vai-transcribe/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-transcribe/pkg/gateway/metrics"
	"github.com/vango-go/vai-transcribe/pkg/gateway/mw"
)

// Providers are the external collaborators shared by every connection.
type Providers struct {
	Speech    speech.Provider
	Generator textgen.Generator
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	router    chi.Router
	providers Providers

	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	metrics   *metrics.Metrics
}

func New(cfg config.Config, providers Providers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		providers: providers,
		lifecycle: lifecycle.New(),
		sessions:  sessions.NewTracker(),
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.New("")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	wsPath := s.cfg.WSPath
	if wsPath == "" {
		wsPath = config.DefaultWSPath
	}

	s.router.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
	s.router.MethodNotAllowed(handlers.MethodNotAllowedHandler{}.ServeHTTP)

	s.router.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	s.router.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	s.router.Handle(wsPath, handlers.TranscribeHandler{
		Config:    s.cfg,
		Speech:    s.providers.Speech,
		Generator: s.providers.Generator,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes readiness fail and refuses new connections.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifySessionsDraining tells every open connection the server is going away.
func (s *Server) NotifySessionsDraining() int {
	return s.sessions.NotifyAll(protocol.MsgShuttingDown)
}

// WaitSessions blocks until all connections closed or ctx ends.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions force-closes every open connection.
func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}

// ActiveSessions returns the number of open connections.
func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}
