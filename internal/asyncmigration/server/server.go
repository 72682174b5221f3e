package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	chcatalog "github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/clickhouse"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/http/handlers"
	runevents "github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/kafka"
	redisadapter "github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/redis"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/repository/postgres"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/app/service"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/catalog"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/cache"
	"github.com/linkflow-ai/chmigrate/internal/platform/clickhouse"
	"github.com/linkflow-ai/chmigrate/internal/platform/config"
	"github.com/linkflow-ai/chmigrate/internal/platform/database"
	"github.com/linkflow-ai/chmigrate/internal/platform/health"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/linkflow-ai/chmigrate/internal/platform/messaging/kafka"
	"github.com/linkflow-ai/chmigrate/internal/platform/metrics"
	"github.com/linkflow-ai/chmigrate/internal/platform/response"
	"github.com/linkflow-ai/chmigrate/internal/platform/telemetry"
)

// Server represents the async migration service server
type Server struct {
	config       *config.Config
	logger       logger.Logger
	telemetry    *telemetry.Telemetry
	metrics      *metrics.Metrics
	service      *service.MigrationService
	health       *health.Handler
	healthChecks map[string]health.Checker
	httpServer   *http.Server
	closers      []closer
}

type closer struct {
	name  string
	close func() error
}

// Option is a server configuration option
type Option func(*Server)

// WithConfig sets the server config
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithLogger sets the server logger
func WithLogger(logger logger.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTelemetry sets the server telemetry. Its registry backs /metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = t
	}
}

// WithMetrics sets the migration metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMigrationService skips infrastructure setup and serves an existing service
func WithMigrationService(svc *service.MigrationService) Option {
	return func(s *Server) {
		s.service = svc
	}
}

// WithHealthCheck adds a readiness check
func WithHealthCheck(name string, checker health.Checker) Option {
	return func(s *Server) {
		if s.healthChecks == nil {
			s.healthChecks = make(map[string]health.Checker)
		}
		s.healthChecks[name] = checker
	}
}

// New creates a new server instance
func New(opts ...Option) (*Server, error) {
	s := &Server{}

	for _, opt := range opts {
		opt(s)
	}

	if s.config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}

	if err := s.initialize(); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return s, nil
}

func (s *Server) initialize() error {
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics("asyncmigration")
		if s.telemetry != nil {
			if err := s.metrics.Register(s.telemetry.Registry()); err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}

	s.health = health.NewHandler(s.config.Service.Name, s.config.Version)
	for name, checker := range s.healthChecks {
		s.health.AddCheck(name, checker)
	}

	if s.service == nil {
		if err := s.initService(context.Background()); err != nil {
			return err
		}
	}

	s.setupHTTPServer()

	return nil
}

// initService connects every backing store and builds the migration service
func (s *Server) initService(ctx context.Context) error {
	cfg := s.config

	// ClickHouse
	conn, err := clickhouse.Open(ctx, cfg.ClickHouse, s.logger)
	if err != nil {
		return err
	}
	s.addCloser("clickhouse", conn.Close)
	chCatalog := chcatalog.NewCatalog(conn, cfg.ClickHouse.Database, cfg.ClickHouse.Cluster, s.logger)
	s.health.AddCheck("clickhouse", chCatalog.Health)

	// Run records
	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.addCloser("database", db.Close)
	s.health.AddCheck("postgres", db.HealthCheck)

	runs := postgres.NewRunRepository(db)
	if err := runs.EnsureSchema(ctx); err != nil {
		return err
	}

	// Run lock and flags
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	s.addCloser("redis", redisCache.Close)
	s.health.AddCheck("redis", redisCache.Health)

	flags := redisadapter.NewFlagStore(redisCache, map[string]bool{
		model.FlagComputeMaterializedColumns: true,
	})
	lock := redisadapter.NewRunLock(redisCache, cfg.Migration.LockTTL, s.logger)

	// Run events
	publisher, err := kafka.NewEventPublisher(&kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.EventsTopic,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize kafka publisher: %w", err)
	}
	s.addCloser("kafka", publisher.Close)

	registry := catalog.Registry(catalog.Settings{
		Database:    cfg.ClickHouse.Database,
		Cluster:     cfg.ClickHouse.Cluster,
		KafkaHosts:  cfg.Kafka.IngestionHosts,
		Replication: cfg.ClickHouse.Replication,
	})
	definitions := make([]model.Definition, 0, len(registry))
	for _, def := range registry {
		definitions = append(definitions, def)
	}

	deps := service.Dependencies{
		Definitions: definitions,
		Catalog:     chCatalog,
		SQL:         chCatalog,
		Flags:       flags,
		Runs:        runs,
		Lock:        lock,
		Events:      runevents.NewRunEventPublisher(publisher, s.metrics),
		Logger:      s.logger,
		Metrics:     s.metrics,
		Replication: cfg.ClickHouse.Replication,
	}
	if s.telemetry != nil {
		deps.Tracer = s.telemetry.Tracer()
	}
	s.service = service.NewMigrationService(deps)

	return nil
}

func (s *Server) addCloser(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.recoveryMiddleware)
	router.Use(logger.HTTPMiddleware(s.logger))
	router.Use(s.metrics.HTTPMetricsMiddleware())

	// Health checks
	router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods(http.MethodGet)

	if s.telemetry != nil {
		router.Handle("/metrics", s.telemetry.MetricsHandler()).Methods(http.MethodGet)
	}

	handlers.NewMigrationHandler(s.service, s.logger).RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "port", s.config.HTTP.Port)
	return s.httpServer.ListenAndServe()
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Service returns the migration service the server drives
func (s *Server) Service() *service.MigrationService {
	return s.service
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.close()
	return nil
}

// close releases backing stores in reverse order of opening
func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			s.logger.Error("Close error", "component", c.name, "error", err)
		}
	}
	s.closers = nil
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				response.Error(w, response.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
