package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the pipeline.
type Config struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	Sink      SinkConfig      `yaml:"sink"`
	Notify    NotifyConfig    `yaml:"notify"`
	Model     ModelConfig     `yaml:"model"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Window    WindowConfig    `yaml:"window"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Processor ProcessorConfig `yaml:"processor"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// KafkaConfig controls the stream source and the dead-letter topic.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	DLQTopic     string        `yaml:"dlq_topic"`
	BatchSize    int           `yaml:"batch_size"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PoolSize     int           `yaml:"pool_size"`
}

// SinkConfig controls the durable analytics sink.
type SinkConfig struct {
	Mode       string           `yaml:"mode"` // clickhouse|file
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	File       FileSinkConfig   `yaml:"file"`
}

// ClickHouseConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseConfig struct {
	URL      string        `yaml:"url"`
	Database string        `yaml:"database"`
	Table    string        `yaml:"table"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FileSinkConfig config for local JSON output.
type FileSinkConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig controls the alert notification channel.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TopicARN string `yaml:"topic_arn"`
	Region   string `yaml:"region"`
	Subject  string `yaml:"subject"`
}

// ModelConfig controls the external anomaly model endpoint.
type ModelConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Region   string        `yaml:"region"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ScoringConfig holds rule thresholds and the model decision cutoff.
// The severity ladder derived from the composite score is shared with
// downstream analytics and must not drift.
type ScoringConfig struct {
	TempMax     float64 `yaml:"temp_max"`
	VibMin      float64 `yaml:"vib_min"`
	VibMax      float64 `yaml:"vib_max"`
	PressureMin float64 `yaml:"pressure_min"`
	PressureMax float64 `yaml:"pressure_max"`
	ModelCutoff float64 `yaml:"model_cutoff"`
}

// WindowConfig controls per-machine rolling windows.
type WindowConfig struct {
	Size   int `yaml:"size"`
	Shards int `yaml:"shards"`
}

// ThrottleConfig controls alert suppression.
type ThrottleConfig struct {
	Cooldown time.Duration       `yaml:"cooldown"`
	Redis    ThrottleRedisConfig `yaml:"redis"`
}

// ThrottleRedisConfig controls optional throttle-state persistence.
type ThrottleRedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DispatchConfig controls retry behavior for the two output paths.
type DispatchConfig struct {
	SinkMaxRetries     int           `yaml:"sink_max_retries"`
	SinkRetryBackoff   time.Duration `yaml:"sink_retry_backoff"`
	NotifyMaxRetries   int           `yaml:"notify_max_retries"`
	NotifyRetryBackoff time.Duration `yaml:"notify_retry_backoff"`
}

// ProcessorConfig controls the batch processing loop.
type ProcessorConfig struct {
	Workers      int           `yaml:"workers"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	IngestBuffer int           `yaml:"ingest_buffer"`
}

// HTTPConfig controls the ops HTTP server.
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "sensor-readings",
			GroupID:      "vigil",
			DLQTopic:     "sensor-readings-dlq",
			BatchSize:    100,
			PollTimeout:  time.Second,
			WriteTimeout: 10 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			PoolSize:     2,
		},
		Sink: SinkConfig{
			Mode: "file",
			ClickHouse: ClickHouseConfig{
				URL:      "http://localhost:8123",
				Database: "default",
				Table:    "annotated_readings",
				Timeout:  5 * time.Second,
			},
			File: FileSinkConfig{
				Path: "annotated_readings.ndjson",
			},
		},
		Notify: NotifyConfig{
			Enabled: false,
			Region:  "eu-central-1",
			Subject: "IoT Anomaly Alert",
		},
		Model: ModelConfig{
			Enabled:  false,
			Endpoint: "sensor-anomaly-endpoint",
			Region:   "eu-central-1",
			Timeout:  2 * time.Second,
		},
		Scoring: ScoringConfig{
			TempMax:     80,
			VibMin:      0,
			VibMax:      5,
			PressureMin: 50,
			PressureMax: 200,
			ModelCutoff: 0.5,
		},
		Window: WindowConfig{
			Size:   20,
			Shards: 16,
		},
		Throttle: ThrottleConfig{
			Cooldown: 5 * time.Minute,
			Redis: ThrottleRedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "vigil:throttle",
			},
		},
		Dispatch: DispatchConfig{
			SinkMaxRetries:     3,
			SinkRetryBackoff:   100 * time.Millisecond,
			NotifyMaxRetries:   3,
			NotifyRetryBackoff: 100 * time.Millisecond,
		},
		Processor: ProcessorConfig{
			Workers:      4,
			BatchTimeout: 30 * time.Second,
			IngestBuffer: 1000,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("VIGIL_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("VIGIL_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("VIGIL_SINK_MODE"); v != "" {
		c.Sink.Mode = v
	}
	if v := os.Getenv("VIGIL_CLICKHOUSE_URL"); v != "" {
		c.Sink.ClickHouse.URL = v
	}
	if v := os.Getenv("VIGIL_SNS_TOPIC_ARN"); v != "" {
		c.Notify.TopicARN = v
		c.Notify.Enabled = true
	}
	if v := os.Getenv("VIGIL_SAGEMAKER_ENDPOINT"); v != "" {
		c.Model.Endpoint = v
		c.Model.Enabled = true
	}
	if v := os.Getenv("VIGIL_AWS_REGION"); v != "" {
		c.Model.Region = v
		c.Notify.Region = v
	}
	if v := os.Getenv("VIGIL_REDIS_ADDR"); v != "" {
		c.Throttle.Redis.Addr = v
		c.Throttle.Redis.Enabled = true
	}
	if v := os.Getenv("VIGIL_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("VIGIL_AUTH_TOKEN"); v != "" {
		c.HTTP.AuthToken = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Window.Size = n
		}
	}
}

// Validate checks config invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: at least one kafka broker is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka topic is required")
	}
	if c.Window.Size <= 0 {
		return fmt.Errorf("config: window size must be positive")
	}
	if c.Window.Shards <= 0 {
		return fmt.Errorf("config: window shards must be positive")
	}
	switch c.Sink.Mode {
	case "clickhouse", "file":
	default:
		return fmt.Errorf("config: unknown sink mode %q", c.Sink.Mode)
	}
	if c.Scoring.VibMin > c.Scoring.VibMax {
		return fmt.Errorf("config: vibration bounds inverted")
	}
	if c.Scoring.PressureMin > c.Scoring.PressureMax {
		return fmt.Errorf("config: pressure bounds inverted")
	}
	if c.Scoring.ModelCutoff < 0 || c.Scoring.ModelCutoff > 1 {
		return fmt.Errorf("config: model cutoff must be in [0,1]")
	}
	if c.Throttle.Cooldown <= 0 {
		return fmt.Errorf("config: throttle cooldown must be positive")
	}
	return nil
}
