// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/defi-lever/internal/composer"
	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/types"
)

// Service interfaces for dependency injection and testing

// MarketService defines the read operations served for one market
type MarketService interface {
	GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error)
	GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error)
	GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error)
	GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error)
	GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error)
	ResolveReserve(idOrSymbol string) (string, error)
}

// PreviewService projects leverage outcomes without building a transaction
type PreviewService interface {
	PreviewLeverage(ctx context.Context, owner string, reserves map[string]*types.ReserveSnapshot, params *composer.LeverageParams) (*composer.LeveragePreview, error)
}

// OperationHistory reads back recorded operations, newest first
type OperationHistory interface {
	RecentOperations(ctx context.Context, owner string, limit int) ([]*types.OperationRecord, error)
}

// Market bundles the services registered for one money market
type Market struct {
	Service MarketService
	Preview PreviewService
	// FundingAsset is the resolved flash/borrow asset id for previews
	FundingAsset string
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	markets    map[string]*Market
	history    OperationHistory
	config     *ServerConfig
	log        *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64 // Requests per second per client
	RateLimitBurst  int
}

// NewServer creates a new API server instance. history may be nil when no
// audit store is configured; the operations endpoint then returns 404.
func NewServer(config *ServerConfig, markets map[string]*Market, history OperationHistory) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		markets: markets,
		history: history,
		config:  config,
		log:     logging.GetGlobalLogger().WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}/assets", s.handleGetMarketAssets).Methods("GET")

	// Account endpoints
	api.HandleFunc("/markets/{market}/accounts/{address}/position", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/markets/{market}/accounts/{address}/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/markets/{market}/accounts/{address}/max-borrowable/{asset}", s.handleGetMaxBorrowable).Methods("GET")
	api.HandleFunc("/markets/{market}/accounts/{address}/max-withdrawable/{asset}", s.handleGetMaxWithdrawable).Methods("GET")
	api.HandleFunc("/accounts/{address}/operations", s.handleGetOperations).Methods("GET")

	// Preview endpoints
	api.HandleFunc("/markets/{market}/leverage/preview", s.handlePreviewLeverage).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "defi-lever",
	})
}

// handleListMarkets returns the registered market ids
func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"markets": ids})
}

// market resolves the {market} path variable to a registered market
func (s *Server) market(w http.ResponseWriter, r *http.Request) (*Market, bool) {
	id := mux.Vars(r)["market"]
	m, ok := s.markets[id]
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown market: %s", id), nil)
		return nil, false
	}
	return m, true
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured router, used in tests
func (s *Server) Handler() http.Handler {
	return s.router
}
