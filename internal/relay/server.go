// Package relay implements the tenant-facing HTTP relay: it authenticates
// tenants, keeps their PBX API keys server-side and forwards call start and
// end commands to the third-party PBX API.
package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialdesk/dialdesk/internal/config"
	"github.com/dialdesk/dialdesk/internal/database"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	tenants   database.TenantRepository
	calls     database.RelayCallRepository
	encryptor *database.Encryptor
	upstream  Upstream
	limiter   *RateLimiter
	jwtSecret []byte
	tokenTTL  time.Duration
	stats     CommandStats
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(db *database.DB, cfg *config.Config, encryptor *database.Encryptor, upstream Upstream, logger *slog.Logger) (*Server, error) {
	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    chi.NewRouter(),
		tenants:   database.NewTenantRepository(db),
		calls:     database.NewRelayCallRepository(db),
		encryptor: encryptor,
		upstream:  upstream,
		limiter:   NewRateLimiter(RateLimiterConfigFor(cfg.RateLimit), logger.With("subsystem", "relay")),
		jwtSecret: jwtSecret,
		tokenTTL:  time.Duration(cfg.TokenTTLMin) * time.Minute,
		logger:    logger.With("subsystem", "relay"),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background workers.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Stats exposes cumulative command counts for the metrics collector.
func (s *Server) Stats() *CommandStats {
	return &s.stats
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.rateLimitMiddleware)

			r.Post("/calls/start", s.handleStartCall)
			r.Post("/calls/end", s.handleEndCall)
			r.Get("/calls", s.handleListCalls)
		})
	})
}
