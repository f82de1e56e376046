// Package fileloader loads agent configuration from an optional YAML file
// overlaid with MINION_ environment variables.
package fileloader

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/netmon-minion/internal/config"
)

// EnvPrefix is prepended to every environment override, e.g.
// MINION_KAFKA_BROKERS or MINION_IDENTITY_SYSTEM_ID.
const EnvPrefix = "MINION"

var _ config.Loader = (*FileLoader)(nil)

// FileLoader loads configuration from a file on disk and the environment. It
// implements the Loader interface to provide file-based configuration
// management.
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty means
	// defaults plus environment only.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from
// the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads the configuration file if one was given, applies environment
// overrides on top of the defaults, and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	setDefaults(v, config.Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve overrides for
// keys absent from the file.
func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("identity.system_id", d.Identity.SystemID)
	v.SetDefault("identity.location", d.Identity.Location)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.task_set_topic", d.Kafka.TaskSetTopic)
	v.SetDefault("kafka.results_topic", d.Kafka.ResultsTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)

	v.SetDefault("dispatcher.queue_size", d.Dispatcher.QueueSize)
	v.SetDefault("dispatcher.batch_size", d.Dispatcher.BatchSize)
	v.SetDefault("dispatcher.flush_interval", d.Dispatcher.FlushInterval)
	v.SetDefault("dispatcher.enqueue_timeout", d.Dispatcher.EnqueueTimeout)
	v.SetDefault("dispatcher.send_timeout", d.Dispatcher.SendTimeout)
	v.SetDefault("dispatcher.max_concurrent_sends", d.Dispatcher.MaxConcurrentSends)
	v.SetDefault("dispatcher.publish_rate_limit", d.Dispatcher.PublishRateLimit)
	v.SetDefault("dispatcher.publish_burst", d.Dispatcher.PublishBurst)

	v.SetDefault("scheduler.min_period", d.Scheduler.MinPeriod)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.delays", d.Retry.Delays)

	v.SetDefault("executor.iteration_timeout", d.Executor.IterationTimeout)
	v.SetDefault("executor.error_log_rate", d.Executor.ErrorLogRate)
	v.SetDefault("executor.error_log_burst", d.Executor.ErrorLogBurst)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.enable_statsviz", d.HTTP.EnableStatsviz)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("telemetry.exporter_endpoint", d.Telemetry.ExporterEndpoint)
	v.SetDefault("telemetry.probability", d.Telemetry.Probability)

	v.SetDefault("task_set_file", d.TaskSetFile)
	v.SetDefault("log_level", d.LogLevel)
}
