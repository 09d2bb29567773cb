package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Provider   ProviderConfig
	Admission  AdmissionConfig
	Validation ValidationConfig
	Auth       AuthConfig
	Security   SecurityConfig
	Logging    LoggingConfig
	Tracing    TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	SSLMode           string
	MaxConns          int
	MinConns          int
	ConnLifetime      time.Duration
	ConnIdleTime      time.Duration
	HealthCheckPeriod time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// BucketPolicyConfig scopes caller paths and retention for one bucket.
type BucketPolicyConfig struct {
	Bucket       string
	PathTemplate []string
	Prefix       string
	Retention    string
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UploadBucket    string
	Region          string
	UseSSL          bool
	PresignExpiry   time.Duration
	Buckets         []BucketPolicyConfig
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// ProviderConfig holds render provider configuration
type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// AdmissionConfig holds admission-control configuration
type AdmissionConfig struct {
	Timezone          string
	QuotaCeiling      int64
	IdempotencyWindow time.Duration
	SweepInterval     time.Duration
	MaxRetries        int
	EstimatedDuration time.Duration
	OwnerLimit        int64
	OwnerWindow       time.Duration
	ResourceLimit     int64
	ResourceWindow    time.Duration
	IPLimit           int64
	IPWindow          time.Duration
}

// ValidationConfig holds the default upload content policy
type ValidationConfig struct {
	AllowedMimeTypes  []string
	AllowedExtensions []string
	MinFileSizeBytes  int64
	MaxFileSizeBytes  int64
	MinWidth          int
	MinHeight         int
	ConsentSlots      []string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// SecurityConfig holds request-origin configuration
type SecurityConfig struct {
	AllowedOrigins []string
	IPRateRPS      int
	IPRateBurst    int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "stayrender")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)
	viper.SetDefault("database.connLifetime", "1h")
	viper.SetDefault("database.connIdleTime", "30m")
	viper.SetDefault("database.healthCheckPeriod", "1m")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "render-output")
	viper.SetDefault("storage.uploadBucket", "host-uploads")
	viper.SetDefault("storage.region", "ap-northeast-2")
	viper.SetDefault("storage.useSSL", false)
	viper.SetDefault("storage.presignExpiry", "1h")

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Provider defaults
	viper.SetDefault("provider.baseURL", "http://localhost:9100")
	viper.SetDefault("provider.apiKey", "")
	viper.SetDefault("provider.timeout", "30s")
	viper.SetDefault("provider.pollInterval", "10s")

	// Admission defaults
	viper.SetDefault("admission.timezone", "Asia/Seoul")
	viper.SetDefault("admission.quotaCeiling", 2)
	viper.SetDefault("admission.idempotencyWindow", "10m")
	viper.SetDefault("admission.sweepInterval", "10m")
	viper.SetDefault("admission.maxRetries", 3)
	viper.SetDefault("admission.estimatedDuration", "8m")
	viper.SetDefault("admission.ownerLimit", 10)
	viper.SetDefault("admission.ownerWindow", "1m")
	viper.SetDefault("admission.resourceLimit", 5)
	viper.SetDefault("admission.resourceWindow", "1m")
	viper.SetDefault("admission.ipLimit", 30)
	viper.SetDefault("admission.ipWindow", "1m")

	// Validation defaults
	viper.SetDefault("validation.allowedMimeTypes", []string{"image/jpeg", "image/png", "image/webp"})
	viper.SetDefault("validation.allowedExtensions", []string{"jpg", "jpeg", "png", "webp"})
	viper.SetDefault("validation.minFileSizeBytes", 10*1024)
	viper.SetDefault("validation.maxFileSizeBytes", 15*1024*1024)
	viper.SetDefault("validation.minWidth", 1920)
	viper.SetDefault("validation.minHeight", 1080)
	viper.SetDefault("validation.consentSlots", []string{"people"})

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")

	// Security defaults
	viper.SetDefault("security.allowedOrigins", []string{})
	viper.SetDefault("security.ipRateRPS", 50)
	viper.SetDefault("security.ipRateBurst", 100)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "stayrender-api")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
