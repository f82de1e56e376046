// Package config defines the agent configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config represents the top-level agent configuration.
type Config struct {
	Identity    IdentityConfig   `mapstructure:"identity"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Dispatcher  DispatcherConfig `mapstructure:"dispatcher"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Retry       RetryConfig      `mapstructure:"retry"`
	Executor    ExecutorConfig   `mapstructure:"executor"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	TaskSetFile string           `mapstructure:"task_set_file"`
	LogLevel    string           `mapstructure:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// IdentityConfig identifies this agent to the control plane. The system id is
// stamped on every result the agent emits.
type IdentityConfig struct {
	SystemID string `mapstructure:"system_id" validate:"required"`
	Location string `mapstructure:"location" validate:"required"`
}

// KafkaConfig describes the control-plane and result transport. An empty
// broker list runs the agent without Kafka: results go to an in-memory sink
// and the task set comes only from TaskSetFile.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	TaskSetTopic string   `mapstructure:"task_set_topic" validate:"required_with=Brokers"`
	ResultsTopic string   `mapstructure:"results_topic" validate:"required_with=Brokers"`
	GroupID      string   `mapstructure:"group_id"`
	ClientID     string   `mapstructure:"client_id"`
}

// Enabled reports whether a Kafka transport is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// DispatcherConfig bounds the result dispatch path.
type DispatcherConfig struct {
	QueueSize          int           `mapstructure:"queue_size" validate:"gt=0"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gt=0"`
	FlushInterval      time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	EnqueueTimeout     time.Duration `mapstructure:"enqueue_timeout" validate:"gte=0"`
	SendTimeout        time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	MaxConcurrentSends int64         `mapstructure:"max_concurrent_sends" validate:"gt=0"`
	PublishRateLimit   float64       `mapstructure:"publish_rate_limit" validate:"gte=0"`
	PublishBurst       int           `mapstructure:"publish_burst" validate:"gte=0"`
}

// SchedulerConfig tunes the task scheduler.
type SchedulerConfig struct {
	MinPeriod time.Duration `mapstructure:"min_period" validate:"gt=0"`
}

// RetryConfig controls reconnection of listener and connector tasks.
// MaxRetries counts attempts after the first one; zero retries forever.
type RetryConfig struct {
	MaxRetries int             `mapstructure:"max_retries" validate:"gte=0"`
	Delays      []time.Duration `mapstructure:"delays" validate:"dive,gt=0"`
}

// ExecutorConfig tunes task executors.
type ExecutorConfig struct {
	IterationTimeout time.Duration `mapstructure:"iteration_timeout" validate:"gte=0"`
	ErrorLogRate     float64       `mapstructure:"error_log_rate" validate:"gt=0"`
	ErrorLogBurst    int           `mapstructure:"error_log_burst" validate:"gt=0"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	EnableStatsviz  bool          `mapstructure:"enable_statsviz"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint disables
// export and installs no-op providers.
type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	Probability      float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

// Default returns a configuration populated with the agent's defaults.
func Default() Config {
	return Config{
		Identity: IdentityConfig{
			SystemID: uuid.NewString(),
			Location: "default",
		},
		Kafka: KafkaConfig{
			TaskSetTopic: "task_set",
			ResultsTopic: "results",
			GroupID:      "minion",
		},
		Dispatcher: DispatcherConfig{
			QueueSize:          10_000,
			BatchSize:          100,
			FlushInterval:      time.Second,
			EnqueueTimeout:     5 * time.Millisecond,
			SendTimeout:        10 * time.Second,
			MaxConcurrentSends: 200,
		},
		Scheduler: SchedulerConfig{MinPeriod: 10 * time.Millisecond},
		Retry: RetryConfig{
			Delays: []time.Duration{
				250 * time.Millisecond,
				time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
			},
		},
		Executor: ExecutorConfig{
			ErrorLogRate:  1,
			ErrorLogBurst: 5,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{Probability: 0.05},
		LogLevel:  "info",
	}
}

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for missing or out-of-range values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
