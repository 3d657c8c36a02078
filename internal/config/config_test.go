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
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "transcoder_db", cfg.Database.Database)
				assert.Equal(t, "amqp", cfg.Queue.Backend)
				assert.Equal(t, "transcode_jobs", cfg.Queue.AMQP.WorkQueue)
				assert.Equal(t, "http://localhost:9090", cfg.Transcoder.BaseURL)
				assert.Equal(t, "ingest-service", cfg.App.Name)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxReceiveCount)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 10*time.Second, cfg.Workflow.BranchTimeout)
	assert.Equal(t, 5*time.Second, cfg.Workflow.ExecutionTimeout)
	assert.Equal(t, time.Second, cfg.Dispatch.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Transcoder.RequestTimeout)

	// The execution-level timeout must stay the binding constraint on the
	// join: with parallel branches it has to fire before both branches can
	// time out on their own.
	assert.Less(t, cfg.Workflow.ExecutionTimeout, 2*cfg.Workflow.BranchTimeout)
}

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "transcoder_db",
		},
		Queue: QueueConfig{
			Backend: BackendAMQP,
			AMQP: AMQPConfig{
				Host:      "localhost",
				Port:      5672,
				WorkQueue: "transcode_jobs",
			},
		},
		Transcoder: TranscoderConfig{
			BaseURL: "http://localhost:9090",
		},
	}
}

func TestConfig_ValidateIngestConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty amqp host",
			mutate:    func(c *Config) { c.Queue.AMQP.Host = "" },
			wantErr:   true,
			errString: "amqp host is required",
		},
		{
			name:      "empty amqp work queue",
			mutate:    func(c *Config) { c.Queue.AMQP.WorkQueue = "" },
			wantErr:   true,
			errString: "amqp work_queue is required",
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			wantErr:   true,
			errString: "unknown queue backend",
		},
		{
			name: "sqs backend missing queue url",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendSQS
				c.Queue.SQS.Region = "us-east-1"
			},
			wantErr:   true,
			errString: "sqs queue_url is required",
		},
		{
			name: "memory backend needs nothing extra",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendMemory
				c.Queue.AMQP = AMQPConfig{}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := cfg.ValidateIngestConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateDispatchConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, validTestConfig().ValidateDispatchConfig())
	})

	t.Run("missing transcoder base url", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Transcoder.BaseURL = ""

		err := cfg.ValidateDispatchConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transcoder base_url is required")
	})

	t.Run("branch missing profile", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Workflow.Branches = []BranchConfig{{Name: "hd"}}

		err := cfg.ValidateDispatchConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "both name and profile")
	})
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateIngestConfig())
		require.NoError(t, cfg.ValidateDispatchConfig())
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("invalid port range", func(t *testing.T) {
		invalidPorts := []int{0, -1, 65536, 70000}
		for _, port := range invalidPorts {
			valid := port >= MinPort && port <= MaxPort
			assert.False(t, valid, "port %d should be invalid", port)
		}
	})
}
