package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/config"
	"github.com/mpesa-sap-bridge/internal/handlers"
	"github.com/mpesa-sap-bridge/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
	log     *zap.Logger
	httpSrv *http.Server
}

// New creates a new HTTP server
func New(cfg *config.Config, h *handlers.Handler, log *zap.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
		log:     log.Named("server"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// Public health check
	r.Get("/health", s.handler.HealthCheck)

	// Staff endpoints (require internal authentication)
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(s.config.InternalSecret))

		r.Post("/payments/stk", s.handler.InitiateSTKPush)
		r.Post("/payments/b2c", s.handler.InitiateB2C)

		r.Get("/transactions", s.handler.ListTransactions)
		r.Get("/transactions/stats", s.handler.GetStats)
		r.Get("/transactions/{id}", s.handler.GetTransaction)
		r.Get("/transactions/checkout/{checkoutRequestID}", s.handler.GetTransactionByCheckoutID)

		r.Get("/reconciliation/{date}", s.handler.GetReconciliation)
		r.Post("/sap/sync", s.handler.SyncTransaction)
	})

	// Callback endpoint (IP filtered + size limited)
	r.Group(func(r chi.Router) {
		r.Use(middleware.CallbackIPFilter(s.config.MpesaIPs))
		r.Use(middleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/callback", s.handler.MpesaCallback)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	s.log.Info("starting http server", zap.String("addr", addr))

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
