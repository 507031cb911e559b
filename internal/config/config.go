package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Retry scheduler backends
const (
	SchedulerAMQP  = "amqp"
	SchedulerRedis = "redis"
)

// Vendor selection policies for new jobs
const (
	PolicyRandom = "random"
	PolicySync   = "sync"
	PolicyAsync  = "async"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Vendors    VendorsConfig    `yaml:"vendors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retry      RetryConfig      `yaml:"retry"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	VendorMock VendorMockConfig `yaml:"vendor_mock"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names where rejected messages are routed
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      *int          `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// VendorsConfig holds the outbound endpoints per vendor kind
type VendorsConfig struct {
	Sync  VendorConfig `yaml:"sync"`
	Async VendorConfig `yaml:"async"`
}

// VendorConfig holds one vendor endpoint
type VendorConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// RateLimitConfig holds limiter settings per vendor kind
type RateLimitConfig struct {
	Sync  LimitConfig `yaml:"sync"`
	Async LimitConfig `yaml:"async"`
}

// LimitConfig holds one token bucket
type LimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RetryConfig selects how delayed retries are held
type RetryConfig struct {
	Scheduler    string        `yaml:"scheduler"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RedisKey     string        `yaml:"redis_key"`
	BatchSize    int           `yaml:"batch_size"`
}

// WebhookConfig holds the callback address handed to async vendors
type WebhookConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
}

// APIConfig holds job intake settings
type APIConfig struct {
	VendorPolicy    string `yaml:"vendor_policy"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// VendorMockConfig holds simulator timings
type VendorMockConfig struct {
	SyncMinDelay      time.Duration `yaml:"sync_min_delay"`
	SyncMaxDelay      time.Duration `yaml:"sync_max_delay"`
	AsyncMinDelay     time.Duration `yaml:"async_min_delay"`
	AsyncMaxDelay     time.Duration `yaml:"async_max_delay"`
	FailureRate       float64       `yaml:"failure_rate"`
	WebhookTimeout    time.Duration `yaml:"webhook_timeout"`
	WebhookRetryDelay time.Duration `yaml:"webhook_retry_delay"`
}

// Load reads and parses the configuration file. ${VAR} references are expanded
// from the environment before parsing so secrets can live in .env.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset tunable
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setString(&c.Database.SSLMode, "disable")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setString(&c.RabbitMQ.Consumer.Tag, "vendor-dispatch-worker")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")

	setInt(&c.Worker.Concurrency, 5)
	if c.Worker.MaxRetries == nil {
		c.Worker.MaxRetries = IntPtr(3)
	}
	setDuration(&c.Worker.RetryBaseDelay, time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)

	for _, v := range []*VendorConfig{&c.Vendors.Sync, &c.Vendors.Async} {
		setDuration(&v.Timeout, 30*time.Second)
		setDuration(&v.Breaker.OpenTimeout, 30*time.Second)
		if v.Breaker.HalfOpenRequests == 0 {
			v.Breaker.HalfOpenRequests = 1
		}
	}

	for _, l := range []*LimitConfig{&c.RateLimit.Sync, &c.RateLimit.Async} {
		if l.RatePerSecond == 0 {
			l.RatePerSecond = 10
		}
		setInt(&l.Burst, 20)
	}

	setString(&c.Retry.Scheduler, SchedulerAMQP)
	setDuration(&c.Retry.PollInterval, 500*time.Millisecond)
	setString(&c.Retry.RedisKey, "vendor-dispatch:retries")
	setInt(&c.Retry.BatchSize, 100)

	setString(&c.API.VendorPolicy, PolicyRandom)
	if c.API.MaxPayloadBytes == 0 {
		c.API.MaxPayloadBytes = 1 << 20
	}

	setString(&c.Metrics.Path, "/metrics")

	setDuration(&c.VendorMock.SyncMinDelay, 200*time.Millisecond)
	setDuration(&c.VendorMock.SyncMaxDelay, 1200*time.Millisecond)
	setDuration(&c.VendorMock.AsyncMinDelay, 2*time.Second)
	setDuration(&c.VendorMock.AsyncMaxDelay, 6*time.Second)
	setDuration(&c.VendorMock.WebhookTimeout, 10*time.Second)
	setDuration(&c.VendorMock.WebhookRetryDelay, 5*time.Second)
}

// Validate checks the settings shared by the API and worker services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := checkPort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := checkPort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if err := checkPort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return err
	}

	switch c.API.VendorPolicy {
	case PolicyRandom, PolicySync, PolicyAsync:
	default:
		return fmt.Errorf("invalid vendor policy: %q", c.API.VendorPolicy)
	}

	return nil
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxRetries == nil || *c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.Worker.RetryBaseDelay <= 0 {
		return fmt.Errorf("worker retry_base_delay must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Vendors.Sync.BaseURL == "" || c.Vendors.Async.BaseURL == "" {
		return fmt.Errorf("vendor base_url is required for both sync and async vendors")
	}

	if c.Webhook.PublicBaseURL == "" {
		return fmt.Errorf("webhook public_base_url is required")
	}

	for name, l := range map[string]LimitConfig{"sync": c.RateLimit.Sync, "async": c.RateLimit.Async} {
		if l.RatePerSecond <= 0 || l.Burst < 1 {
			return fmt.Errorf("invalid %s rate limit: rate %.2f burst %d", name, l.RatePerSecond, l.Burst)
		}
	}

	switch c.Retry.Scheduler {
	case SchedulerAMQP:
	case SchedulerRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis retry scheduler")
		}
	default:
		return fmt.Errorf("invalid retry scheduler: %q", c.Retry.Scheduler)
	}

	if c.Metrics.Enabled {
		if err := checkPort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}

	return nil
}

// ValidateVendorMockConfig checks the vendor simulator configuration
func (c *Config) ValidateVendorMockConfig() error {
	if err := checkPort("server", c.Server.Port); err != nil {
		return err
	}

	m := c.VendorMock
	if m.SyncMaxDelay < m.SyncMinDelay || m.AsyncMaxDelay < m.AsyncMinDelay {
		return fmt.Errorf("vendor mock max delay must not be below min delay")
	}

	if m.FailureRate < 0 || m.FailureRate > 1 {
		return fmt.Errorf("vendor mock failure_rate must be between 0 and 1")
	}

	return nil
}

func checkPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

// IntPtr returns a pointer to v, for settings where zero is a valid choice
func IntPtr(v int) *int {
	return &v
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
