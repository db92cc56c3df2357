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

// Backend names accepted for queue.backend
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
	BackendMQTT     = "mqtt"
	BackendMemory   = "memory"
)

// Task isolation modes accepted for worker.isolation
const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig                  `yaml:"app"`
	Server     ServerConfig               `yaml:"server"`
	Queue      QueueConfig                `yaml:"queue"`
	Worker     WorkerConfig               `yaml:"worker"`
	Database   DatabaseConfig             `yaml:"database"`
	Redis      RedisConfig                `yaml:"redis"`
	RabbitMQ   RabbitMQConfig             `yaml:"rabbitmq"`
	MQTT       MQTTConfig                 `yaml:"mqtt"`
	Logging    LoggingConfig              `yaml:"logging"`
	Processors map[string]ProcessorConfig `yaml:"processors"`

	path string
}

// Path returns the file the configuration was loaded from. Empty for
// configs built in code.
func (c *Config) Path() string {
	return c.path
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration (api-service only)
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig selects the backend and holds queue-wide policy
type QueueConfig struct {
	Backend         string        `yaml:"backend"`
	MaxAttempts     int           `yaml:"max_attempts"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	Isolation         string        `yaml:"isolation"` // goroutine, process
	JobTypes          []string      `yaml:"job_types"`
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

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	QueuePrefix string           `yaml:"queue_prefix"`
	Connection  ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// MQTTConfig holds MQTT broker configuration
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// ProcessorConfig declares a shell-command processor for a job type
type ProcessorConfig struct {
	Command string `yaml:"command"`
}

// Load reads and parses the configuration file, then applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.path = configPath

	return &config, nil
}

// applyDefaults fills zero-valued fields with documented defaults
func (c *Config) applyDefaults() {
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendDatabase
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.StaleAfter <= 0 {
		c.Queue.StaleAfter = 2 * time.Minute
	}
	if c.Queue.ReclaimInterval <= 0 {
		c.Queue.ReclaimInterval = time.Minute
	}
	if c.Queue.RetryBackoff <= 0 {
		c.Queue.RetryBackoff = 10 * time.Second
	}
	if c.Queue.RetryBackoffMax <= 0 {
		c.Queue.RetryBackoffMax = 10 * time.Minute
	}

	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 3
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = time.Hour
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.ShutdownGrace <= 0 {
		c.Worker.ShutdownGrace = 30 * time.Second
	}
	if c.Worker.Isolation == "" {
		c.Worker.Isolation = IsolationGoroutine
	}
}

// validBackend reports whether name is a recognized queue backend
func validBackend(name string) bool {
	switch name {
	case BackendDatabase, BackendRedis, BackendRabbitMQ, BackendMQTT, BackendMemory:
		return true
	}
	return false
}

// validateBackend checks the selected backend and its connection parameters
func (c *Config) validateBackend() error {
	if !validBackend(c.Queue.Backend) {
		return fmt.Errorf("unknown queue backend: %q", c.Queue.Backend)
	}

	switch c.Queue.Backend {
	case BackendDatabase:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
		}
	case BackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.QueuePrefix == "" {
			return fmt.Errorf("rabbitmq queue_prefix is required")
		}
	case BackendMQTT:
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt broker_url is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt topic_prefix is required")
		}
	}

	return nil
}

// ValidateAPIConfig checks the configuration for the api-service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateBackend()
}

// ValidateWorkerConfig checks the configuration for the worker-service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker max_concurrent_jobs must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownGrace <= 0 {
		return fmt.Errorf("worker shutdown_grace must be greater than 0")
	}

	switch c.Worker.Isolation {
	case IsolationGoroutine:
	case IsolationProcess:
		// Process isolation re-opens the backend in a child process, so
		// the claim has to be visible outside the parent's connection.
		// The rabbitmq, mqtt and memory backends track claims in local
		// state the child cannot see.
		switch c.Queue.Backend {
		case BackendDatabase, BackendRedis:
		default:
			return fmt.Errorf("worker isolation %q requires the %s or %s backend, not %q",
				IsolationProcess, BackendDatabase, BackendRedis, c.Queue.Backend)
		}
	default:
		return fmt.Errorf("unknown worker isolation mode: %q", c.Worker.Isolation)
	}

	return c.validateBackend()
}
