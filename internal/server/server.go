// Package server exposes the registry over HTTP: a generic collection API
// per entity type, a raw command endpoint, the audit read API, and the
// operational endpoints (health, readiness, metrics). Every read and write
// is funnelled through the command bus so the HTTP layer holds no entity
// logic of its own.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/dataflow-works/config-registry/pkg/audit"
	"github.com/dataflow-works/config-registry/pkg/commands"
	"github.com/dataflow-works/config-registry/pkg/refgraph"
)

// Server assembles the HTTP surface over the command bus.
type Server struct {
	router           chi.Router
	bus              *commands.Bus
	integrity        *refgraph.Service
	db               *gorm.DB
	logger           *slog.Logger
	metrics          *Metrics
	cache            *responseCache
	events           EventSource
	auditStore       *audit.Store
	extractPrincipal PrincipalExtractor
	allowedOrigins   []string
	startedAt        time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuditStore mounts the audit read API backed by the given store.
func WithAuditStore(store *audit.Store) ServerOption {
	return func(s *Server) {
		s.auditStore = store
	}
}

// WithCache enables response caching for entity reads. The event source
// drives invalidation after committed mutations.
func WithCache(size int, ttl time.Duration, source EventSource) ServerOption {
	return func(s *Server) {
		s.cache = newResponseCache(size, ttl)
		s.events = source
	}
}

// WithPrincipalExtractor sets how requests are mapped to a principal.
func WithPrincipalExtractor(extract PrincipalExtractor) ServerOption {
	return func(s *Server) {
		if extract != nil {
			s.extractPrincipal = extract
		}
	}
}

// WithAllowedOrigins sets the CORS origin allowlist.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// NewServer builds a server over the given bus. The integrity service
// supplies the reference graph for cache invalidation and the database
// handle backs the readiness probe; both may be nil in tests.
func NewServer(bus *commands.Bus, integrity *refgraph.Service, db *gorm.DB, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		bus:              bus,
		integrity:        integrity,
		db:               db,
		logger:           logger,
		metrics:          NewMetrics(),
		extractPrincipal: OperatorPrincipalExtractor,
		allowedOrigins:   []string{"*"},
		startedAt:        time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// MountRoutes creates the HTTP router with all registry routes mounted.
func (s *Server) MountRoutes() chi.Router {
	s.router = chi.NewRouter()

	// Add common middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RoleHeader, UserHeader},
		ExposedHeaders:   []string{"Link", "X-Cache"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Attach the request principal before any route-level role checks run.
	s.router.Use(principalMiddleware(s.extractPrincipal))

	s.router.Route(apiPrefix, func(r chi.Router) {
		r.With(requireRole(RoleOperator)).Post("/commands", s.submitCommandHandler)

		r.Route("/entities/{entityType}", func(r chi.Router) {
			if s.cache != nil {
				r.Use(s.cache.middleware)
			}

			r.Get("/", s.listHandler)
			r.Get("/{id}", s.getHandler)
			r.Get("/{id}/references", s.referencesHandler)
			r.Get("/{id}/validate-deletion", s.validateDeletionHandler)

			r.With(requireRole(RoleOperator)).Post("/", s.createHandler)
			r.With(requireRole(RoleOperator)).Put("/{id}", s.updateHandler)
			r.With(requireRole(RoleOperator)).Delete("/{id}", s.deleteHandler)
		})

		if s.auditStore != nil {
			r.Mount("/audit", audit.Router(s.auditStore))
			s.logger.Info("mounted audit API routes")
		}
	})

	// Add health endpoints
	s.router.Get("/healthz", s.healthHandler)
	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)

	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return s.router
}

// Start launches the server's background work. Currently that is only the
// cache invalidation watcher; it exits when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s.cache == nil || s.events == nil {
		return
	}

	var graph *refgraph.Graph
	if s.integrity != nil {
		graph = s.integrity.Graph()
	}

	s.logger.Info("response caching enabled", "size", s.cache.maxSize, "ttl", s.cache.ttl)
	go s.cache.watchEvents(ctx, s.events, graph)
}

// healthHandler returns the liveness status of the server.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	uptime := time.Since(s.startedAt).Round(time.Second).String()

	response := map[string]string{
		"status": "alive",
		"uptime": uptime,
	}

	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks if the server is ready to serve traffic. Database
// connectivity gates readiness; the cache component is informational.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	allReady := true

	// Check DB connectivity.
	dbStatus := map[string]string{"status": "up"}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		} else if err := sqlDB.Ping(); err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		}
	} else {
		dbStatus["status"] = "not_configured"
	}

	cacheStatus := map[string]any{"status": "disabled"}
	if s.cache != nil {
		cacheStatus["status"] = "enabled"
		cacheStatus["entries"] = s.cache.size()
	}

	components := map[string]any{
		"database": dbStatus,
		"cache":    cacheStatus,
	}

	status := "ready"
	if !allReady {
		status = "not_ready"
	}

	w.Header().Set("Content-Type", "application/json")

	if allReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	response := map[string]any{
		"status":     status,
		"components": components,
	}

	_ = json.NewEncoder(w).Encode(response)
}

// Router returns the underlying chi.Router. Nil until MountRoutes runs.
func (s *Server) Router() chi.Router {
	return s.router
}
