package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/medrex/appointment-service/internal/gateway"
	"github.com/medrex/appointment-service/internal/identity"
	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/database"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/mailer"
	"github.com/medrex/appointment-service/pkg/monitoring"
)

// Server owns the HTTP listener and every resource the appointment service needs
type Server struct {
	config        *config.Config
	logger        *logger.Logger
	server        *http.Server
	service       *Service
	db            *database.DB
	redis         redis.UniversalClient
	notifications *AppointmentNotificationManager
	tracing       *monitoring.TracingManager
	rateLimiter   *gateway.RateLimiter
}

// NewServer wires the service from configuration
func NewServer(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: log}

	metrics := monitoring.NewMetricsCollector(cfg.Monitoring.ServiceName)
	health := monitoring.NewHealthManager(cfg.Monitoring.ServiceName, cfg.Monitoring.ServiceVersion)

	if cfg.Monitoring.Enabled {
		tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
			ServiceName:    cfg.Monitoring.ServiceName,
			ServiceVersion: cfg.Monitoring.ServiceVersion,
			Environment:    cfg.Monitoring.Environment,
			Endpoint:       cfg.Monitoring.TracingEndpoint,
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		s.tracing = tracing
	}

	store, err := s.openStore(ctx, metrics, health)
	if err != nil {
		s.release(ctx)
		return nil, err
	}

	var cache identity.DoctorCache
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		cache = identity.NewRedisDoctorCache(s.redis, time.Duration(cfg.Services.DoctorCacheTTLMinutes)*time.Minute)
		health.RegisterOptionalChecker("redis", monitoring.NewRedisHealthChecker(s.redis))
	}

	httpClient := identity.NewHTTPClient()
	patients := identity.NewPatientClient(&cfg.Services, httpClient, log, metrics)
	doctors := identity.NewDoctorClient(&cfg.Services, httpClient, cache, log, metrics)
	health.RegisterOptionalChecker("patient-service", monitoring.NewHTTPHealthChecker(cfg.Services.Patient.BaseURL, cfg.Services.Patient.Timeout()))
	health.RegisterOptionalChecker("doctor-service", monitoring.NewHTTPHealthChecker(cfg.Services.Doctor.BaseURL, cfg.Services.Doctor.Timeout()))

	s.notifications = NewAppointmentNotificationManager(mailer.New(&cfg.SMTP, log), &cfg.Notifications, log, metrics)

	policy, err := NewSchedulingPolicy(&cfg.Scheduling)
	if err != nil {
		s.release(ctx)
		return nil, err
	}
	idGen := NewIDGenerator(cfg.Scheduling.AppointmentIDPrefix, cfg.Scheduling.AppointmentIDDigits)

	s.service = NewService(store, patients, doctors, s.notifications, policy, idGen, log, WithMetrics(metrics))

	router := mux.NewRouter()
	mm := monitoring.NewMonitoringMiddleware(metrics, s.tracing, log)
	router.Use(mm.RecoveryMiddleware)
	router.Use(mm.HTTPMiddleware)
	router.Use(gateway.SecurityHeaders)

	router.Handle(cfg.Monitoring.HealthPath, health.HTTPHandler()).Methods(http.MethodGet)
	if cfg.Monitoring.Enabled {
		router.Handle(cfg.Monitoring.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = gateway.NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.BurstSize)
		s.rateLimiter.StartCleanup(time.Duration(cfg.RateLimit.CleanupInterval) * time.Second)
	}

	api := router.NewRoute().Subrouter()
	if s.rateLimiter != nil {
		api.Use(s.rateLimiter.Middleware)
	}
	NewHandler(s.service, policy.Location, log).RegisterRoutes(api)

	s.server = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      gateway.CORS(cfg.Server.AllowedOrigins)(router),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s, nil
}

func (s *Server) openStore(ctx context.Context, metrics *monitoring.MetricsCollector, health *monitoring.HealthManager) (interfaces.AppointmentStore, error) {
	if s.config.Storage.Driver == config.StorageDriverMemory {
		s.logger.Warn("Using in-memory appointment store; data is lost on restart")
		return NewMemoryRepository(), nil
	}

	db, err := database.NewConnection(ctx, &s.config.Database, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
	return NewRepository(db, s.logger, metrics), nil
}

// Service returns the wired appointment service
func (s *Server) Service() *Service {
	return s.service
}

// Start serves HTTP until the server is stopped
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting appointment service")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, drains notifications and releases resources
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping appointment service")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.notifications != nil {
		if err := s.notifications.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
