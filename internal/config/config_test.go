package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, BackendDatabase, cfg.Queue.Backend)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobrunner", cfg.RabbitMQ.QueuePrefix)
				assert.Equal(t, []string{"price_update", "technical_analysis"}, cfg.Worker.JobTypes)
				assert.Equal(t, "scripts/price_update.sh", cfg.Processors["price_update"].Command)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Queue.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Queue.ReclaimInterval)
	assert.Equal(t, 10*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Queue.RetryBackoffMax)

	assert.Equal(t, 3, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, time.Hour, cfg.Worker.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownGrace)
	assert.Equal(t, "goroutine", cfg.Worker.Isolation)
}

func validWorkerConfig() *Config {
	cfg := &Config{
		Queue: QueueConfig{Backend: BackendMemory},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid memory backend",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.Queue.Backend = "kafka"
			},
			wantErr:   true,
			errString: "unknown queue backend",
		},
		{
			name: "database backend missing host",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendDatabase
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "redis backend missing host",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendRedis
			},
			wantErr:   true,
			errString: "redis host is required",
		},
		{
			name: "rabbitmq backend missing exchange",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendRabbitMQ
				c.RabbitMQ.Host = "localhost"
				c.RabbitMQ.Port = 5672
			},
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "mqtt backend missing broker url",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendMQTT
			},
			wantErr:   true,
			errString: "mqtt broker_url is required",
		},
		{
			name: "invalid isolation mode",
			mutate: func(c *Config) {
				c.Worker.Isolation = "thread"
			},
			wantErr:   true,
			errString: "unknown worker isolation mode",
		},
		{
			name: "process isolation on memory backend",
			mutate: func(c *Config) {
				c.Worker.Isolation = IsolationProcess
			},
			wantErr:   true,
			errString: "requires the database or redis backend",
		},
		{
			name: "process isolation on rabbitmq backend",
			mutate: func(c *Config) {
				c.Worker.Isolation = IsolationProcess
				c.Queue.Backend = BackendRabbitMQ
			},
			wantErr:   true,
			errString: "requires the database or redis backend",
		},
		{
			name: "process isolation on redis backend",
			mutate: func(c *Config) {
				c.Worker.Isolation = IsolationProcess
				c.Queue.Backend = BackendRedis
				c.Redis.Host = "localhost"
				c.Redis.Port = 6379
			},
			wantErr: false,
		},
		{
			name: "zero poll interval",
			mutate: func(c *Config) {
				c.Worker.PollInterval = 0
			},
			wantErr:   true,
			errString: "poll_interval must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validWorkerConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAPIConfig(t *testing.T) {
	cfg := validWorkerConfig()
	cfg.Server.Port = 8080
	assert.NoError(t, cfg.ValidateAPIConfig())

	cfg.Server.Port = 0
	err := cfg.ValidateAPIConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")

	cfg.Server.Port = 70000
	err = cfg.ValidateAPIConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}
