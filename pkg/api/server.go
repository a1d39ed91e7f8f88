// Package api exposes the thin HTTP surface over the reconciliation engine.
// It carries no business logic: handlers decode, delegate, and map errors to
// status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/settings-relay/pkg/config"
	"github.com/zoff-tech/settings-relay/pkg/store"
	"github.com/zoff-tech/settings-relay/schema"
)

// SettingsEngine is the slice of the reconciliation engine the HTTP surface
// needs.
type SettingsEngine interface {
	Get(ctx context.Context, nickname string) (*store.Record, error)
	Create(ctx context.Context, nickname string, settings schema.UserSettings, version int) error
	ApplyUpdate(ctx context.Context, nickname string, env *schema.Envelope) error
	SendUpdateNotification(ctx context.Context, nickname string) error
	SynchronizeAll(ctx context.Context) error
}

type Server struct {
	engine SettingsEngine
	logger zerolog.Logger
	server *http.Server
}

func NewServer(engine SettingsEngine, cfg config.APISettings, logger zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger,
	}
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed separately so tests can drive it
// through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/admin/user/settings", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Post("/sync", s.handleSyncAll)
			r.Post("/sync/{nickname}", s.handleSyncOne)
		})
		r.Route("/user/settings/{nickname}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleUpdate)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
