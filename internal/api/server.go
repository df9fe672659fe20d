// Package api provides the read-only HTTP API server for shardvault.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesm/shardvault/internal/config"
	"github.com/wesm/shardvault/internal/query"
	"github.com/wesm/shardvault/internal/store"
)

// Querier defines the query operations the API needs. *query.Service
// implements it.
type Querier interface {
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]query.Message, error)
	GetMessagesByDate(ctx context.Context, conversationID string, begin, end time.Time, ascending bool) ([]query.Message, error)
	ExportMessages(ctx context.Context, conversationID string, batchSize int, fn func([]query.Message) error) error
	GetMessageCount(ctx context.Context, conversationID string) (int64, error)

	TypeDistribution(ctx context.Context, conversationID string) ([]query.TypeCount, error)
	GlobalTypeDistribution(ctx context.Context) ([]query.TypeCount, error)
	TimeSpan(ctx context.Context, conversationID string) (*query.TimeSpan, error)
	SentReceived(ctx context.Context, conversationID string) (*query.SentReceived, error)
	ActiveDates(ctx context.Context, conversationID string) ([]string, error)
	DateCounts(ctx context.Context, conversationID string, begin, end time.Time) ([]query.DateCount, error)
	ActiveYears(ctx context.Context, conversationID string) ([]query.YearCount, error)

	Sessions(ctx context.Context) ([]store.Session, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

var _ Querier = (*query.Service)(nil)

// Server represents the HTTP API server.
type Server struct {
	cfg      *config.Config
	query    Querier
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   chi.Router
	server   *http.Server
	limiter  *rateLimiter
}

// NewServer creates a new API server. gatherer backs /metrics and may be
// nil.
func NewServer(cfg *config.Config, q Querier, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		query:    q,
		gatherer: gatherer,
		logger:   logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	r.Use(corsMiddleware(s.cfg.Server))

	s.limiter = newRateLimiter(s.cfg.Server.RateLimit)
	r.Use(s.limiter.middleware)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.requireQuery)

		// Export streams for as long as the conversation takes, so it sits
		// outside the request timeout.
		r.Get("/conversations/{id}/export", s.handleExport)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))

			r.Get("/sessions", s.handleSessions)
			r.Get("/names", s.handleDisplayNames)
			r.Get("/stats/types", s.handleGlobalTypes)
			r.Get("/stats/years", s.handleGlobalYears)

			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/messages", s.handleMessages)
				r.Get("/messages/range", s.handleMessagesByDate)
				r.Get("/count", s.handleCount)
				r.Get("/stats/{metric}", s.handleConversationStats)
			})
		})
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		authHeader = strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireQuery answers 503 when the server was started without a store.
func (s *Server) requireQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.query == nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
