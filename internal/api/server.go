package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Handlers bundles the route dependencies for NewServer.
type Handlers struct {
	Messages    *MessagesHandler
	Environment *EnvironmentHandler
	Health      *HealthHandler
	Hub         *Hub
}

func NewServer(cfg *config.Config, h Handlers, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	r.Get("/api/v1/health", h.Health.ServeHTTP)
	r.Post("/api/v1/messages", h.Messages.ServeHTTP)
	r.Post("/api/v1/environment", h.Environment.ServeHTTP)
	r.Get("/api/v1/events/stream", h.Hub.StreamEvents)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
