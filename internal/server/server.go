// Package server provides the minimum inbound HTTP surface spec §6 mandates
// on top of the grid telemetry core, grounded on the teacher's
// internal/server: the same chi router, middleware stack and
// setupMiddleware/setupRoutes split, generalised from Sentinel's
// trading-domain routes to this backend's city/snapshot/alert/cost/
// scenario/agent-run surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/city"
	"github.com/urbangrid/gridcore/internal/cost"
	"github.com/urbangrid/gridcore/internal/domain"
	"github.com/urbangrid/gridcore/internal/engine"
	"github.com/urbangrid/gridcore/internal/events"
	"github.com/urbangrid/gridcore/internal/orchestrator"
	"github.com/urbangrid/gridcore/internal/scheduler"
)

// Config holds everything New needs to wire the router; all fields are
// required, built once in cmd/server/main.go.
type Config struct {
	Log           zerolog.Logger
	Port          int
	DevMode       bool
	Registry      *city.Registry
	Store         domain.StateStore
	Engine        *engine.Engine
	Scheduler     *scheduler.Scheduler
	Orchestrator  *orchestrator.Orchestrator
	Cost          *cost.Aggregator
	Bus           *events.Bus
	CycleInterval time.Duration
}

// Server is C's HTTP surface: a thin adapter from chi routes onto the core
// components, holding no business logic of its own.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	registry      *city.Registry
	store         domain.StateStore
	engine        *engine.Engine
	scheduler     *scheduler.Scheduler
	orchestrator  *orchestrator.Orchestrator
	cost          *cost.Aggregator
	bus           *events.Bus
	cycleInterval time.Duration
}

func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           cfg.Log.With().Str("component", "server").Logger(),
		registry:      cfg.Registry,
		store:         cfg.Store,
		engine:        cfg.Engine,
		scheduler:     cfg.Scheduler,
		orchestrator:  cfg.Orchestrator,
		cost:          cfg.Cost,
		bus:           cfg.Bus,
		cycleInterval: cfg.CycleInterval,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		// Dashboards are read-mostly and unauthenticated, so origins are
		// wide open and no credentials are needed.
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Type", "Cache-Control"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.log, http.StatusOK, map[string]string{"status": "healthy"})
	})

	s.router.Route("/api", func(r chi.Router) {
		// /events/stream is long-lived (SSE); it must not inherit the
		// request-scoped timeout the rest of the JSON surface uses below.
		r.Get("/events/stream", s.handleEventsStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/system/health", s.handleSystemHealth)

			r.Route("/cities", func(r chi.Router) {
				r.Get("/", s.handleListCities)
				r.Get("/current", s.handleCurrentCity)
				r.Route("/{city_id}", func(r chi.Router) {
					r.Post("/select", s.handleSelectCity)
					r.Post("/process", s.handleProcessCity)
					r.Post("/process/stream", s.handleProcessCityStream)
					r.Get("/snapshots", s.handleLatestSnapshots)
					r.Get("/alerts", s.handleQueryAlerts)
					r.Get("/cost", s.handleCostSummary)
				})
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Post("/", s.handleStartScenario)
				r.Post("/{session_id}/messages", s.handleScenarioMessage)
			})

			r.Route("/agent-runs", func(r chi.Router) {
				r.Get("/", s.handleListAgentRuns)
				r.Get("/{id}", s.handleGetAgentRun)
			})
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.log.Info()
		if ww.Status() >= 500 {
			event = s.log.Error()
		} else if ww.Status() >= 400 {
			event = s.log.Warn()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("city_id", chi.URLParam(r, "city_id")).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
