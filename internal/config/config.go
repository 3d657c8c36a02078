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

// Queue backend selectors.
const (
	BackendMemory = "memory"
	BackendAMQP   = "amqp"
	BackendSQS    = "sqs"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
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

// QueueConfig selects and configures the durable queue backend
type QueueConfig struct {
	Backend           string        `yaml:"backend"`
	MaxReceiveCount   int           `yaml:"max_receive_count"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	AMQP              AMQPConfig    `yaml:"amqp"`
	SQS               SQSConfig     `yaml:"sqs"`
}

// AMQPConfig holds RabbitMQ connection and queue configuration
type AMQPConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	User                 string        `yaml:"user"`
	Password             string        `yaml:"password"`
	VHost                string        `yaml:"vhost"`
	WorkQueue            string        `yaml:"work_queue"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	ConnectRetryAttempts int           `yaml:"connect_retry_attempts"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
}

// SQSConfig holds Amazon SQS queue configuration
type SQSConfig struct {
	Region             string        `yaml:"region"`
	QueueURL           string        `yaml:"queue_url"`
	DeadLetterQueueURL string        `yaml:"dead_letter_queue_url"`
	WaitTime           time.Duration `yaml:"wait_time"`
}

// WorkflowConfig holds workflow engine configuration
type WorkflowConfig struct {
	BranchTimeout    time.Duration  `yaml:"branch_timeout"`
	ExecutionTimeout time.Duration  `yaml:"execution_timeout"`
	Branches         []BranchConfig `yaml:"branches"`
}

// BranchConfig names one parallel branch and the rendition profile it runs
type BranchConfig struct {
	Name    string `yaml:"name"`
	Profile string `yaml:"profile"`
}

// DispatchConfig holds dispatcher polling configuration
type DispatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TranscoderConfig holds the external transcoder service endpoint
type TranscoderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
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

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendMemory
	}
	if c.Queue.MaxReceiveCount <= 0 {
		c.Queue.MaxReceiveCount = 3
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = 30 * time.Second
	}
	if c.Workflow.BranchTimeout <= 0 {
		c.Workflow.BranchTimeout = 10 * time.Second
	}
	if c.Workflow.ExecutionTimeout <= 0 {
		// Deliberately shorter than twice the branch timeout so the
		// execution-level bound is the binding constraint on the join.
		c.Workflow.ExecutionTimeout = 5 * time.Second
	}
	if c.Dispatch.PollInterval <= 0 {
		c.Dispatch.PollInterval = time.Second
	}
	if c.Transcoder.RequestTimeout <= 0 {
		c.Transcoder.RequestTimeout = 30 * time.Second
	}
}

// ValidateIngestConfig checks the fields the ingest service needs
func (c *Config) ValidateIngestConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateQueue()
}

// ValidateDispatchConfig checks the fields the dispatch service needs
func (c *Config) ValidateDispatchConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if c.Transcoder.BaseURL == "" {
		return fmt.Errorf("transcoder base_url is required")
	}

	for _, b := range c.Workflow.Branches {
		if b.Name == "" || b.Profile == "" {
			return fmt.Errorf("workflow branches require both name and profile")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendMemory:
		return nil
	case BackendAMQP:
		if c.Queue.AMQP.Host == "" {
			return fmt.Errorf("amqp host is required")
		}
		if c.Queue.AMQP.Port < MinPort || c.Queue.AMQP.Port > MaxPort {
			return fmt.Errorf("invalid amqp port: %d (must be between %d and %d)", c.Queue.AMQP.Port, MinPort, MaxPort)
		}
		if c.Queue.AMQP.WorkQueue == "" {
			return fmt.Errorf("amqp work_queue is required")
		}
		return nil
	case BackendSQS:
		if c.Queue.SQS.Region == "" {
			return fmt.Errorf("sqs region is required")
		}
		if c.Queue.SQS.QueueURL == "" {
			return fmt.Errorf("sqs queue_url is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown queue backend: %q", c.Queue.Backend)
	}
}
