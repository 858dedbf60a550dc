package config

import (
	"errors"
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

// Backends
const (
	BackendMemory   = "memory"
	BackendSQL      = "sql"
	BackendRabbitMQ = "rabbitmq"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Store     StoreConfig     `yaml:"store"`
	Queue     JobQueueConfig  `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	API       APIConfig       `yaml:"api"`
	Jobs      []JobConfig     `yaml:"jobs"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// InstanceConfig identifies this replica for lease acquisition
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// DatabaseConfig holds SQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
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
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
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
	Name               string `yaml:"name"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	Exclusive          bool   `yaml:"exclusive"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
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

// StoreConfig selects the Job Store backend
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// JobQueueConfig selects the work queue backend
type JobQueueConfig struct {
	Backend           string        `yaml:"backend"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// RetryConfig holds backoff settings for transient store and queue failures
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// SchedulerConfig holds trigger evaluation and leader election settings
type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	RenewInterval     time.Duration `yaml:"renew_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`
	Retry             RetryConfig   `yaml:"retry"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Enabled            *bool         `yaml:"enabled"`
	Concurrency        int           `yaml:"concurrency"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	AbandonGrace       time.Duration `yaml:"abandon_grace"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// IsEnabled reports whether this instance runs workers; unset means yes
func (w WorkerConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// APIConfig holds HTTP admin API settings
type APIConfig struct {
	Enabled           bool    `yaml:"enabled"`
	EnqueueRatePerSec float64 `yaml:"enqueue_rate_per_sec"`
	EnqueueBurst      int     `yaml:"enqueue_burst"`
}

// JobConfig is a job registered at startup
type JobConfig struct {
	Name             string        `yaml:"name"`
	Schedule         string        `yaml:"schedule"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	RepeatLimit      int           `yaml:"repeat_limit"`
	Handler          string        `yaml:"handler"`
	Payload          string        `yaml:"payload"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset setting
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "scheduler-service"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = c.Store.Backend
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "data/scheduler.db"
	}
	if c.Database.Driver == DriverPostgres {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}

	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Connection.RetryAttempts == 0 {
		c.RabbitMQ.Connection.RetryAttempts = 5
	}
	if c.RabbitMQ.Connection.RetryInterval == 0 {
		c.RabbitMQ.Connection.RetryInterval = 2 * time.Second
	}
	if c.RabbitMQ.Connection.Heartbeat == 0 {
		c.RabbitMQ.Connection.Heartbeat = 10 * time.Second
	}
	if c.RabbitMQ.Connection.ConnectionTimeout == 0 {
		c.RabbitMQ.Connection.ConnectionTimeout = 30 * time.Second
	}

	s := &c.Scheduler
	if s.TickInterval == 0 {
		s.TickInterval = time.Second
	}
	if s.LeaseDuration == 0 {
		s.LeaseDuration = 15 * time.Second
	}
	if s.RenewInterval == 0 {
		s.RenewInterval = s.LeaseDuration / 3
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = 30 * time.Second
	}
	if s.ReconcileGrace == 0 {
		s.ReconcileGrace = time.Minute
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 5
	}
	if s.Retry.BaseDelay == 0 {
		s.Retry.BaseDelay = 100 * time.Millisecond
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = 5 * time.Second
	}
	if s.Retry.Multiplier == 0 {
		s.Retry.Multiplier = 2.0
	}

	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.JobTimeout == 0 {
		w.JobTimeout = 5 * time.Minute
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
	if w.PollInterval == 0 {
		w.PollInterval = 500 * time.Millisecond
	}
	if w.CancelPollInterval == 0 {
		w.CancelPollInterval = time.Second
	}
	if w.AbandonGrace == 0 {
		w.AbandonGrace = 5 * time.Second
	}
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.API.Enabled && (c.Server.Port < MinPort || c.Server.Port > MaxPort) {
		add("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQL:
	default:
		add("invalid store backend %q (must be memory or sql)", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendSQL, BackendRabbitMQ:
	default:
		add("invalid queue backend %q (must be memory, sql or rabbitmq)", c.Queue.Backend)
	}
	if c.Store.Backend == BackendMemory && c.Queue.Backend != BackendMemory {
		add("queue backend %q needs a shared store; the memory store only serves a single process", c.Queue.Backend)
	}

	if c.Store.Backend == BackendSQL || c.Queue.Backend == BackendSQL {
		errs = append(errs, c.Database.validate()...)
	}
	if c.Queue.Backend == BackendRabbitMQ {
		errs = append(errs, c.RabbitMQ.validate()...)
	}

	if c.Queue.VisibilityTimeout <= 0 {
		add("queue visibility_timeout must be greater than 0")
	}

	if c.Scheduler.TickInterval <= 0 {
		add("scheduler tick_interval must be greater than 0")
	}
	if c.Scheduler.LeaseDuration <= 0 {
		add("scheduler lease_duration must be greater than 0")
	}
	if c.Scheduler.RenewInterval <= 0 || c.Scheduler.RenewInterval >= c.Scheduler.LeaseDuration {
		add("scheduler renew_interval must be greater than 0 and less than lease_duration")
	}
	if c.Scheduler.Retry.MaxAttempts <= 0 {
		add("scheduler retry max_attempts must be greater than 0")
	}

	if c.Worker.Concurrency <= 0 {
		add("worker concurrency must be greater than 0")
	}
	if c.Worker.JobTimeout <= 0 {
		add("worker job_timeout must be greater than 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		add("worker max_attempts must be greater than 0")
	}
	if c.API.EnqueueRatePerSec < 0 {
		add("api enqueue_rate_per_sec must not be negative")
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.Name == "" {
			add("jobs[%d]: name is required", i)
			continue
		}
		if seen[job.Name] {
			add("jobs[%d]: duplicate job name %q", i, job.Name)
		}
		seen[job.Name] = true
		if job.Schedule == "" {
			add("jobs[%d] %q: schedule is required", i, job.Name)
		}
		if job.ConcurrencyLimit < 0 || job.RepeatLimit < 0 || job.MaxAttempts < 0 {
			add("jobs[%d] %q: limits must not be negative", i, job.Name)
		}
	}

	return errors.Join(errs...)
}

func (d *DatabaseConfig) validate() []error {
	var errs []error
	switch d.Driver {
	case DriverSQLite:
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("database path is required for sqlite"))
		}
	case DriverPostgres:
		if d.Host == "" {
			errs = append(errs, fmt.Errorf("database host is required"))
		}
		if d.Port < MinPort || d.Port > MaxPort {
			errs = append(errs, fmt.Errorf("invalid database port: %d (must be between %d and %d)", d.Port, MinPort, MaxPort))
		}
		if d.Database == "" {
			errs = append(errs, fmt.Errorf("database name is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid database driver %q (must be postgres or sqlite)", d.Driver))
	}
	return errs
}

func (r *RabbitMQConfig) validate() []error {
	var errs []error
	if r.Host == "" {
		errs = append(errs, fmt.Errorf("rabbitmq host is required"))
	}
	if r.Port < MinPort || r.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", r.Port, MinPort, MaxPort))
	}
	if r.Exchange.Name == "" {
		errs = append(errs, fmt.Errorf("rabbitmq exchange name is required"))
	}
	if r.Queue.Name == "" {
		errs = append(errs, fmt.Errorf("rabbitmq queue name is required"))
	}
	return errs
}
