// Package server provides the HTTP facade for marketd.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/database"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/market"
	"github.com/cnquant/marketd/internal/modules/settings"
	syncsvc "github.com/cnquant/marketd/internal/modules/sync"
	"github.com/cnquant/marketd/internal/providers"
	"github.com/cnquant/marketd/internal/work"
	"github.com/cnquant/marketd/pkg/embedded"
)

// ProviderRouter exposes the provider order a failover router currently
// uses. Satisfied by providers.Router.
type ProviderRouter interface {
	Order() []string
}

// QuoteService answers realtime quote lookups. Satisfied by sync.Service.
type QuoteService interface {
	FetchRealtimePrice(ctx context.Context, code string) syncsvc.QuoteResult
}

// Config holds everything the facade serves.
type Config struct {
	Log            zerolog.Logger
	Port           int
	DataDir        string
	Store          *market.Store
	MetaDB         *database.DB
	Settings       *settings.Service
	Registry       *providers.Registry
	DailyRouter    ProviderRouter
	RealtimeRouter ProviderRouter
	Quotes         QuoteService
	Triggers       *work.Triggers
	Processor      *work.Processor
	Runs           *syncsvc.RunsRepository
	Bus            *events.Bus
}

// Server is the HTTP facade. All writes go through the work triggers so
// heavy operations share the processor's single-in-flight discipline.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	api     *APIHandlers
	events  *EventsStreamHandler
	quotes  *QuoteStreamHandler
	monitor *StatusMonitor

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates the HTTP server. Call Start to begin serving.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		closing: make(chan struct{}),
	}

	s.api = NewAPIHandlers(cfg)
	s.events = NewEventsStreamHandler(cfg.Bus, cfg.DataDir, s.closing, cfg.Log)
	s.quotes = NewQuoteStreamHandler(cfg.Quotes, s.closing, cfg.Log)
	s.monitor = NewStatusMonitor(cfg.Bus, s.api, cfg.Log)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Streams hold their response open indefinitely, so request
		// deadlines come from the route middleware instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.api.HandleHealthz)
	s.router.Get("/", s.handleIndex)

	s.router.Route("/api", func(r chi.Router) {
		// Streams and synchronous sync runs hold the request for as long
		// as they take, so they sit outside the timed group.
		r.Get("/events/stream", s.events.ServeHTTP)
		r.Get("/quotes/stream", s.quotes.ServeHTTP)
		r.Post("/sync/symbols", s.api.HandleSyncSymbols)
		r.Post("/sync/incremental", s.api.HandleSyncIncremental)
		r.Post("/sync/dates", s.api.HandleSyncDates)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/status", s.api.HandleStatus)
			r.Get("/providers", s.api.HandleProviders)
			r.Get("/sync/runs", s.api.HandleSyncRuns)
			r.Post("/backfill", s.api.HandleBackfill)
			r.Get("/quote/{code}", s.api.HandleQuote)
			r.Get("/prices/{code}", s.api.HandlePrices)
			r.Get("/settings", s.api.HandleGetSettings)
			r.Put("/settings", s.api.HandleUpdateSettings)
		})
	})
}

// handleIndex serves the built-in status page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := embedded.Files.ReadFile("web/index.html")
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read embedded status page")
		http.Error(w, "Status page not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to write status page response")
	}
}

// Start starts the HTTP server and the status monitor. Blocks until the
// listener closes.
func (s *Server) Start() error {
	s.monitor.Start(60 * time.Second)
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown stops streams, the status monitor, and then the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.closeOnce.Do(func() { close(s.closing) })
	s.monitor.Stop()
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
