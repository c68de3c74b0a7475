// Package server provides the HTTP server and routing for the gateway.
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

	"github.com/buntythecoder/trademaster-broker-gateway/internal/connections"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/fx"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/metrics"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/oauth"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/orders"
	"github.com/buntythecoder/trademaster-broker-gateway/internal/portfolio"
)

// Config holds server configuration
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	DataDir     string
	Manager     *connections.Manager
	Coordinator *oauth.Coordinator
	Portfolio   *portfolio.Service
	Orders      *orders.Router
	FX          *fx.Service
	Metrics     *metrics.Metrics
	Databases   map[string]*database.DB
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	dataDir   string
	manager   *connections.Manager
	coord     *oauth.Coordinator
	portfolio *portfolio.Service
	orders    *orders.Router
	fx        *fx.Service
	metrics   *metrics.Metrics
	databases map[string]*database.DB
	startedAt time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		dataDir:   cfg.DataDir,
		manager:   cfg.Manager,
		coord:     cfg.Coordinator,
		portfolio: cfg.Portfolio,
		orders:    cfg.Orders,
		fx:        cfg.FX,
		metrics:   cfg.Metrics,
		databases: cfg.Databases,
		startedAt: time.Now(),
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

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe, no dependencies touched.
	s.router.Get("/healthz", s.handleHealthz)

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleConnectWithTokens)
			r.Get("/auth-url", s.handleAuthURL)
			r.Get("/{id}", s.handleGetConnection)
			r.Delete("/{id}", s.handleDisconnect)
		})

		r.Get("/oauth/callback", s.handleOAuthCallback)

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/", s.handleGetPortfolio)
			r.Get("/positions", s.handleGetPositions)
			r.Get("/history", s.handlePortfolioHistory)
			r.Get("/history/{id}", s.handlePortfolioHistoryEntry)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.handlePlaceOrder)
			r.Get("/", s.handleListOrders)
			r.Get("/{id}", s.handleGetOrder)
		})

		r.Get("/health", s.handleHealthSummary)
		r.Get("/system/status", s.handleSystemStatus)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
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
