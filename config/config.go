// Package config provides configuration loading and management for the
// exchanger. A named environment (EXCHANGER_ENV) selects the config file,
// the log directory and the single-instance lock.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable that selects the active environment.
const EnvVar = "EXCHANGER_ENV"

// DefaultEnv is used when EXCHANGER_ENV is not set.
const DefaultEnv = "dev"

// Config represents the complete exchanger configuration.
type Config struct {
	// Env is the active environment name. Filled by Load, not from YAML.
	Env string `yaml:"-"`
	// BaseDir is the root for config files and logs.
	BaseDir string `yaml:"base_dir"`

	Engine     EngineConfig     `yaml:"engine"`
	Downstream DownstreamConfig `yaml:"downstream"`
	MQ         MQConfig         `yaml:"mq"`
	Worker     WorkerConfig     `yaml:"worker"`
	Creator    CreatorConfig    `yaml:"creator"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// EngineConfig configures the process engine connection.
type EngineConfig struct {
	// BaseURL is the engine REST root, e.g. http://camunda:8080/engine-rest
	BaseURL string `yaml:"base_url"`
	// WorkerID is the stable prefix of the worker identity; a per-process
	// suffix is appended at startup.
	WorkerID string `yaml:"worker_id"`
	// TenantID filters fetchAndLock when set.
	TenantID string `yaml:"tenant_id"`
	// CompleteTimeout bounds complete/failure calls.
	CompleteTimeout time.Duration `yaml:"complete_timeout"`
	// MetadataTTL is how long parsed diagram metadata stays cached.
	MetadataTTL time.Duration `yaml:"metadata_ttl"`
	// MetadataCacheSize bounds the diagram metadata cache.
	MetadataCacheSize int `yaml:"metadata_cache_size"`
}

// DownstreamConfig configures the work-management system connection.
type DownstreamConfig struct {
	// WebhookURL is the pre-issued authenticated REST root.
	WebhookURL string `yaml:"webhook_url"`
	// Timeout bounds downstream calls.
	Timeout time.Duration `yaml:"timeout"`
	// DefaultPriority is used when a template carries none.
	DefaultPriority int `yaml:"default_priority"`
	// AnswerLabels maps result-answer enum ids to human labels.
	AnswerLabels map[string]string `yaml:"answer_labels"`
	// CompletedStatuses lists task statuses the tracker treats as done.
	CompletedStatuses []int `yaml:"completed_statuses"`
	// TemplateTTL is how long templates and diagram properties stay cached.
	TemplateTTL time.Duration `yaml:"template_ttl"`
}

// MQConfig configures the message broker connection.
type MQConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// StreamPrefix namespaces streams and subjects per deployment.
	StreamPrefix string `yaml:"stream_prefix"`
}

// TopicConfig binds one engine topic to one system queue.
type TopicConfig struct {
	// Name is the external-task topic.
	Name string `yaml:"name"`
	// Queue is the system queue the payloads route to.
	Queue string `yaml:"queue"`
	// LockDuration is the engine lock in milliseconds.
	LockDuration int `yaml:"lock_duration"`
}

// WorkerConfig configures the engine-side worker service.
type WorkerConfig struct {
	Topics []TopicConfig `yaml:"topics"`
	// MaxTasks is the fetchAndLock batch size per topic.
	MaxTasks int `yaml:"max_tasks"`
	// AsyncResponseTimeout is the engine long-poll in milliseconds.
	AsyncResponseTimeout int `yaml:"async_response_timeout"`
	// SleepSeconds is the idle pause after an empty poll.
	SleepSeconds int `yaml:"sleep_seconds"`
	// MaxConsecutiveErrors triggers the linear backoff pause.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
	// ResponseBatch bounds the response drain per tick.
	ResponseBatch int `yaml:"response_batch"`
	// ResponseInterval is the drain heartbeat.
	ResponseInterval time.Duration `yaml:"response_interval"`
}

// CreatorConfig configures the task-creator service.
type CreatorConfig struct {
	// Queues lists the system queues this instance consumes.
	Queues []string `yaml:"queues"`
	// SentSystem names the sent queue creations are announced on.
	SentSystem string `yaml:"sent_system"`
}

// TrackerConfig configures the tracker service.
type TrackerConfig struct {
	// Systems lists the sent queues this instance polls.
	Systems []string `yaml:"systems"`
	// PollInterval is the tick between sent-queue sweeps.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Batch bounds the messages examined per tick.
	Batch int `yaml:"batch"`
}

// HTTPConfig configures the metrics/health listener.
type HTTPConfig struct {
	// Addr is the listen address for /metrics and /healthz. Empty disables.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDir: ".",
		Engine: EngineConfig{
			BaseURL:           "http://localhost:8080/engine-rest",
			WorkerID:          "exchanger",
			CompleteTimeout:   10 * time.Second,
			MetadataTTL:       24 * time.Hour,
			MetadataCacheSize: 150,
		},
		Downstream: DownstreamConfig{
			Timeout:           30 * time.Second,
			DefaultPriority:   1,
			CompletedStatuses: []int{4, 5},
			TemplateTTL:       10 * time.Minute,
		},
		MQ: MQConfig{
			URL:          "nats://localhost:4222",
			StreamPrefix: "exchanger",
		},
		Worker: WorkerConfig{
			MaxTasks:             10,
			AsyncResponseTimeout: 25000,
			SleepSeconds:         5,
			MaxConsecutiveErrors: 5,
			ResponseBatch:        20,
			ResponseInterval:     5 * time.Second,
		},
		Creator: CreatorConfig{
			SentSystem: "bitrix",
		},
		Tracker: TrackerConfig{
			Systems:      []string{"bitrix"},
			PollInterval: 30 * time.Second,
			Batch:        20,
		},
		HTTP: HTTPConfig{
			Addr: ":9100",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.WorkerID == "" {
		return fmt.Errorf("engine.worker_id is required")
	}
	if c.Downstream.WebhookURL == "" {
		return fmt.Errorf("downstream.webhook_url is required")
	}
	if c.MQ.URL == "" {
		return fmt.Errorf("mq.url is required")
	}
	if c.MQ.StreamPrefix == "" {
		return fmt.Errorf("mq.stream_prefix is required")
	}
	seen := make(map[string]bool, len(c.Worker.Topics))
	for _, t := range c.Worker.Topics {
		if t.Name == "" {
			return fmt.Errorf("worker.topics: topic name is required")
		}
		if t.Queue == "" {
			return fmt.Errorf("worker.topics: queue is required for topic %q", t.Name)
		}
		if t.LockDuration <= 0 {
			return fmt.Errorf("worker.topics: lock_duration must be positive for topic %q", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("worker.topics: duplicate topic %q", t.Name)
		}
		seen[t.Name] = true
	}
	if c.Worker.MaxTasks <= 0 {
		return fmt.Errorf("worker.max_tasks must be positive")
	}
	if c.Tracker.Batch <= 0 {
		return fmt.Errorf("tracker.batch must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// Env returns the active environment from EXCHANGER_ENV.
func Env() string {
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	return DefaultEnv
}

// Load resolves the environment and loads its config file. An explicit
// path overrides the conventional {base}/config.{env}.yaml location.
func Load(path string) (*Config, error) {
	env := Env()

	if path == "" {
		path = filepath.Join(".", fmt.Sprintf("config.%s.yaml", env))
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Env = env

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LogDir returns the per-environment log directory, creating it if needed.
func (c *Config) LogDir() (string, error) {
	dir := filepath.Join(c.BaseDir, "logs", c.Env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return dir, nil
}
