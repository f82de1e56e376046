package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/netmon-minion/internal/api"
	"github.com/ahrav/netmon-minion/internal/app/taskset"
	"github.com/ahrav/netmon-minion/internal/config"
	"github.com/ahrav/netmon-minion/internal/config/fileloader"
	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	eventdispatcher "github.com/ahrav/netmon-minion/internal/infra/event_dispatcher"
	kafkabus "github.com/ahrav/netmon-minion/internal/infra/eventbus/kafka"
	"github.com/ahrav/netmon-minion/internal/infra/plugins"
	kafkasink "github.com/ahrav/netmon-minion/internal/infra/sink/kafka"
	"github.com/ahrav/netmon-minion/internal/infra/sink/memory"
	"github.com/ahrav/netmon-minion/internal/infra/taskset/file"
	"github.com/ahrav/netmon-minion/pkg/common"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
	"github.com/ahrav/netmon-minion/pkg/common/otel"
	"github.com/ahrav/netmon-minion/pkg/metrics"
)

const (
	serviceType = "minion"
	// configFileEnv names the optional configuration file.
	configFileEnv = "MINION_CONFIG_FILE"
)

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := fileloader.NewFileLoader(os.Getenv(configFileEnv)).Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("MINION-%s", cfg.Identity.SystemID)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"system_id": cfg.Identity.SystemID,
		"location":  cfg.Identity.Location,
		"app":       serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, cancel, cfg, hostname, log); err != nil {
		log.Error(ctx, "minion exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, hostname string, log *logger.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Telemetry.
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/liveness":  {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
			"minion.system_id": cfg.Identity.SystemID,
			"minion.location":  cfg.Identity.Location,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := tp.Tracer(serviceType)
	mp := otelglobal.GetMeterProvider()

	// Prometheus registry scoped to this agent.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	driftMetrics, err := metrics.NewDeployMetrics(reg, cfg.Identity.SystemID)
	if err != nil {
		return fmt.Errorf("creating deploy metrics: %w", err)
	}

	taskMetrics, err := taskset.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating task metrics: %w", err)
	}

	// Plugins.
	registries := plugin.NewRegistries()
	plugins.RegisterBuiltins(registries)
	log.Info(ctx, "Registered built-in plugins",
		"monitors", registries.Monitors.Names(),
		"listeners", registries.Listeners.Names(),
		"connectors", registries.Connectors.Names(),
	)

	// Result path.
	var brokerMetrics kafkabus.BrokerMetrics
	if cfg.Kafka.Enabled() {
		if brokerMetrics, err = kafkabus.NewBrokerMetrics(mp); err != nil {
			return fmt.Errorf("creating kafka metrics: %w", err)
		}
	}

	sink, closeSink, err := newResultSink(ctx, cfg, hostname, log, brokerMetrics, tracer)
	if err != nil {
		return err
	}
	defer closeSink()

	dispatcher := taskset.NewResultDispatcher(taskset.DispatcherConfig{
		QueueSize:          cfg.Dispatcher.QueueSize,
		BatchSize:          cfg.Dispatcher.BatchSize,
		FlushInterval:      cfg.Dispatcher.FlushInterval,
		EnqueueTimeout:     cfg.Dispatcher.EnqueueTimeout,
		SendTimeout:        cfg.Dispatcher.SendTimeout,
		MaxConcurrentSends: cfg.Dispatcher.MaxConcurrentSends,
		PublishRateLimit:   cfg.Dispatcher.PublishRateLimit,
		PublishBurst:       cfg.Dispatcher.PublishBurst,
	}, sink, taskMetrics, tracer, log)

	// Task execution core.
	scheduler := taskset.NewScheduler(log, taskset.WithMinPeriod(cfg.Scheduler.MinPeriod))
	retryDelays := cfg.Retry.Delays
	factory := taskset.NewExecutorFactory(taskset.ExecutorFactoryConfig{
		SystemID:         cfg.Identity.SystemID,
		IterationTimeout: cfg.Executor.IterationTimeout,
		ErrorLogRate:     cfg.Executor.ErrorLogRate,
		ErrorLogBurst:    cfg.Executor.ErrorLogBurst,
		RetryMaxRetries:  cfg.Retry.MaxRetries,
		NewBackOff: func() backoff.BackOff {
			return taskset.NewFallbackBackOff(retryDelays...)
		},
	}, scheduler, registries, dispatcher, taskMetrics, tracer, log)

	manager := taskset.NewMeteredLifecycleManager(
		taskset.NewLifecycleManager(factory, tracer, log),
		driftMetrics,
	)

	errCh := make(chan error, 3)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("result dispatcher: %w", err)
		}
	}()

	// Control plane.
	bootstrapped := &atomic.Bool{}
	if cfg.TaskSetFile != "" {
		ts, err := file.NewLoader(cfg.TaskSetFile).Load(ctx)
		if err != nil {
			return fmt.Errorf("loading task set file: %w", err)
		}
		started := manager.Reconcile(ctx, ts.Definitions)
		log.Info(ctx, "Deployed task set from file",
			"path", cfg.TaskSetFile,
			"requested", len(ts.Definitions),
			"started", started,
		)
	}

	handler := taskset.NewTaskSetHandler(cfg.Identity.SystemID, manager, tracer, log)
	eventDispatcher := eventdispatcher.New(cfg.Identity.SystemID, tracer, log)
	if err := eventDispatcher.RegisterHandler(ctx, handler); err != nil {
		return fmt.Errorf("registering task set handler: %w", err)
	}

	var subscriber *kafkabus.TaskSetSubscriber
	if cfg.Kafka.Enabled() {
		subCfg := &kafkabus.Config{
			Brokers:      cfg.Kafka.Brokers,
			TaskSetTopic: cfg.Kafka.TaskSetTopic,
			GroupID:      consumerGroupID(cfg),
			ClientID:     clientID(cfg, hostname),
			AgentID:      cfg.Identity.SystemID,
		}
		subscriber, err = common.ConnectKafkaWithRetry(ctx, log, func() (*kafkabus.TaskSetSubscriber, error) {
			return kafkabus.NewTaskSetSubscriberFromConfig(subCfg, log, brokerMetrics, tracer)
		})
		if err != nil {
			return err
		}
		if err := subscriber.Subscribe(ctx, eventDispatcher.EventTypes(), eventDispatcher.Dispatch); err != nil {
			return fmt.Errorf("subscribing to task set topic: %w", err)
		}
	}
	bootstrapped.Store(true)

	// Status server.
	statusMetrics, err := api.NewStatusMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating status metrics: %w", err)
	}
	server, err := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		Build:           build,
		SystemID:        cfg.Identity.SystemID,
		EnableStatsviz:  cfg.HTTP.EnableStatsviz,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, log, tracer, statusMetrics, manager, registries, reg,
		api.WithReadinessCheck("bootstrap", func(context.Context) error {
			if !bootstrapped.Load() {
				return errors.New("task set not loaded")
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating status server: %w", err)
	}
	go func() {
		if err := server.Start(ctx); err != nil {
			errCh <- fmt.Errorf("status server: %w", err)
		}
	}()

	log.Info(ctx, "Minion started",
		"system_id", cfg.Identity.SystemID,
		"location", cfg.Identity.Location,
		"kafka", cfg.Kafka.Enabled(),
		"deployed", len(manager.DeployedTaskSet()),
	)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
	case runErr = <-errCh:
		log.Error(ctx, "Component failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Intake stops before tasks; results drain last.
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close task set subscriber", "error", err)
		}
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to shut down tasks", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to stop scheduler", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Failed to drain result dispatcher", "error", err)
	}
	cancel()

	log.Info(shutdownCtx, "Minion shutdown complete")
	return runErr
}

// newResultSink returns the Kafka sink when brokers are configured and an
// in-memory sink otherwise.
func newResultSink(
	ctx context.Context,
	cfg *config.Config,
	hostname string,
	log *logger.Logger,
	brokerMetrics kafkabus.BrokerMetrics,
	tracer trace.Tracer,
) (taskset.ResultSink, func(), error) {
	if !cfg.Kafka.Enabled() {
		log.Warn(ctx, "No Kafka brokers configured; results are kept in memory only")
		return memory.NewResultSink(memory.WithLogging(log)), func() {}, nil
	}

	sinkCfg := &kafkasink.Config{
		Brokers:      cfg.Kafka.Brokers,
		ResultsTopic: cfg.Kafka.ResultsTopic,
		ClientID:     clientID(cfg, hostname),
		SendTimeout:  cfg.Dispatcher.SendTimeout,
	}
	sink, err := common.ConnectKafkaWithRetry(ctx, log, func() (*kafkasink.ResultSink, error) {
		return kafkasink.NewResultSinkFromConfig(sinkCfg, log, brokerMetrics, tracer)
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info(ctx, "Connected result sink to Kafka", "topic", cfg.Kafka.ResultsTopic)

	return sink, func() {
		if err := sink.Close(); err != nil {
			log.Error(context.Background(), "Failed to close result sink", "error", err)
		}
	}, nil
}

func clientID(cfg *config.Config, hostname string) string {
	if cfg.Kafka.ClientID != "" {
		return cfg.Kafka.ClientID
	}
	return fmt.Sprintf("minion-%s-%s", cfg.Identity.SystemID, hostname)
}

// consumerGroupID is unique per agent so that every agent sees every task set
// message.
func consumerGroupID(cfg *config.Config) string {
	if cfg.Kafka.GroupID == "" {
		return "minion-" + cfg.Identity.SystemID
	}
	return cfg.Kafka.GroupID + "-" + cfg.Identity.SystemID
}
