package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server ServerConfig `mapstructure:"server"`

	// Storage selects the appointment store backend
	Storage StorageConfig `mapstructure:"storage"`

	Database DatabaseConfig `mapstructure:"database"`

	// Redis backs the doctor snapshot fallback cache
	Redis RedisConfig `mapstructure:"redis"`

	Scheduling SchedulingConfig `mapstructure:"scheduling"`

	// Upstream patient and doctor services
	Services ServicesConfig `mapstructure:"services"`

	SMTP SMTPConfig `mapstructure:"smtp"`

	Notifications NotificationConfig `mapstructure:"notifications"`

	LogLevel string `mapstructure:"log_level"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	IdleTimeout     int    `mapstructure:"idle_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`

	// AllowedOrigins lists CORS origins; "*" allows any
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Address returns host:port for the HTTP listener
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the store selection
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Address returns host:port of the Redis server
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SchedulingConfig holds the booking rules
type SchedulingConfig struct {
	WorkdayStartHour       int    `mapstructure:"workday_start_hour"`
	WorkdayEndHour         int    `mapstructure:"workday_end_hour"`
	BufferMinutes          int    `mapstructure:"buffer_minutes"`
	SlotMinutes            int    `mapstructure:"slot_minutes"`
	DefaultDurationMinutes int    `mapstructure:"default_duration_minutes"`
	TimeZone               string `mapstructure:"time_zone"`
	AppointmentIDPrefix    string `mapstructure:"appointment_id_prefix"`
	AppointmentIDDigits    int    `mapstructure:"appointment_id_digits"`
}

// Location resolves the clinic time zone
func (s SchedulingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.TimeZone)
}

// UpstreamConfig describes one remote lookup service
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-call timeout
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// BreakerConfig holds circuit breaker settings for upstream calls
type BreakerConfig struct {
	MaxRequests         uint32 `mapstructure:"max_requests"`
	IntervalSeconds     int    `mapstructure:"interval_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
}

// ServicesConfig holds upstream service configuration
type ServicesConfig struct {
	Patient               UpstreamConfig `mapstructure:"patient"`
	Doctor                UpstreamConfig `mapstructure:"doctor"`
	Breaker               BreakerConfig  `mapstructure:"breaker"`
	DoctorCacheTTLMinutes int            `mapstructure:"doctor_cache_ttl_minutes"`
}

// SMTPConfig holds outgoing mail configuration. An empty host logs emails instead of sending them.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// NotificationConfig holds the async notification queue settings
type NotificationConfig struct {
	QueueSize          int    `mapstructure:"queue_size"`
	Workers            int    `mapstructure:"workers"`
	SendTimeoutSeconds int    `mapstructure:"send_timeout_seconds"`
	ClinicName         string `mapstructure:"clinic_name"`
	ClinicPhone        string `mapstructure:"clinic_phone"`
	ClinicEmail        string `mapstructure:"clinic_email"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerMin  int  `mapstructure:"requests_per_min"`
	BurstSize       int  `mapstructure:"burst_size"`
	CleanupInterval int  `mapstructure:"cleanup_interval"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MetricsPath     string  `mapstructure:"metrics_path"`
	HealthPath      string  `mapstructure:"health_path"`
	ServiceName     string  `mapstructure:"service_name"`
	ServiceVersion  string  `mapstructure:"service_version"`
	Environment     string  `mapstructure:"environment"`
	TracingEndpoint string  `mapstructure:"tracing_endpoint"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file, or from the default
// search paths when path is empty
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/appointment-service")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.shutdown_timeout", 15)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.driver", StorageDriverPostgres)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "appointments")
	v.SetDefault("database.user", "appointments")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("scheduling.workday_start_hour", 9)
	v.SetDefault("scheduling.workday_end_hour", 17)
	v.SetDefault("scheduling.buffer_minutes", 30)
	v.SetDefault("scheduling.slot_minutes", 30)
	v.SetDefault("scheduling.default_duration_minutes", 30)
	v.SetDefault("scheduling.time_zone", "Local")
	v.SetDefault("scheduling.appointment_id_prefix", "APP-")
	v.SetDefault("scheduling.appointment_id_digits", 4)

	v.SetDefault("services.patient.base_url", "http://localhost:8081/api/patients")
	v.SetDefault("services.patient.timeout_seconds", 5)
	v.SetDefault("services.doctor.base_url", "http://localhost:8082/api/doctors")
	v.SetDefault("services.doctor.timeout_seconds", 5)
	v.SetDefault("services.breaker.max_requests", 1)
	v.SetDefault("services.breaker.interval_seconds", 60)
	v.SetDefault("services.breaker.timeout_seconds", 30)
	v.SetDefault("services.breaker.consecutive_failures", 5)
	v.SetDefault("services.doctor_cache_ttl_minutes", 1440)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "no-reply@clinic.local")
	v.SetDefault("smtp.from_name", "Clinic Appointments")

	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.send_timeout_seconds", 10)
	v.SetDefault("notifications.clinic_name", "Clinic Health Center")
	v.SetDefault("notifications.clinic_phone", "")
	v.SetDefault("notifications.clinic_email", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_min", 300)
	v.SetDefault("rate_limit.burst_size", 20)
	v.SetDefault("rate_limit.cleanup_interval", 60)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.service_name", "appointment-service")
	v.SetDefault("monitoring.service_version", "dev")
	v.SetDefault("monitoring.environment", "development")
	v.SetDefault("monitoring.tracing_endpoint", "")
	v.SetDefault("monitoring.sampling_rate", 0.1)

	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with conventional platform variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && config.Monitoring.TracingEndpoint == "" {
		config.Monitoring.TracingEndpoint = endpoint
	}
}

func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case StorageDriverPostgres:
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q", config.Storage.Driver)
	}

	s := config.Scheduling
	if s.WorkdayStartHour < 0 || s.WorkdayEndHour > 24 || s.WorkdayStartHour >= s.WorkdayEndHour {
		return fmt.Errorf("invalid working hours: %d-%d", s.WorkdayStartHour, s.WorkdayEndHour)
	}
	if s.BufferMinutes < 0 {
		return fmt.Errorf("buffer minutes must not be negative")
	}
	if s.SlotMinutes <= 0 || s.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("slot and default duration must be positive")
	}
	if s.AppointmentIDDigits < 1 || s.AppointmentIDDigits > 9 {
		return fmt.Errorf("appointment id digits must be between 1 and 9")
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", s.TimeZone, err)
	}

	if config.Services.Patient.BaseURL == "" || config.Services.Doctor.BaseURL == "" {
		return fmt.Errorf("patient and doctor service base urls are required")
	}

	if config.Notifications.QueueSize <= 0 || config.Notifications.Workers <= 0 {
		return fmt.Errorf("notification queue size and workers must be positive")
	}

	return nil
}
