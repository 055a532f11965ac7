package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/knowd/knowd/internal/config"
	"github.com/knowd/knowd/internal/export"
	"github.com/knowd/knowd/internal/filter"
	"github.com/knowd/knowd/internal/gmail"
	"github.com/knowd/knowd/internal/indexer"
	"github.com/knowd/knowd/internal/kafka"
	"github.com/knowd/knowd/internal/knowledge"
	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/sync"
	"github.com/knowd/knowd/internal/tracing"
	"github.com/knowd/knowd/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("KNOWD_CONFIG")
	if configPath == "" {
		configPath = "/etc/knowd/knowd.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger("knowd", observability.GetLogLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	// Health + metrics HTTP server
	health := observability.NewHealth()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	health.Register(mux)

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("knowd"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Config watcher. Changes are not hot-swapped into running loops; a
	// reload is logged and takes effect on the next restart.
	watchDone := make(chan struct{})
	go func() {
		err := config.Watch(configPath, logger, watchDone, func(next *config.Config) {
			logger.Warn("config file changed, restart to apply", "path", configPath)
		})
		if err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Knowledge store + embedder
	var store *knowledge.Store
	var embedder knowledge.Embedder
	if cfg.Knowledge != nil {
		store, err = knowledge.Open(cfg.Knowledge.DBPath)
		if err != nil {
			return fmt.Errorf("open knowledge store: %w", err)
		}
		defer store.Close()

		embedder, err = knowledge.NewHTTPEmbedder(knowledge.EmbedderConfig{
			Endpoint:  cfg.Knowledge.Embedder.Endpoint,
			Model:     cfg.Knowledge.Embedder.Model,
			APIKeyEnv: cfg.Knowledge.Embedder.APIKeyEnv,
		})
		if err != nil {
			return fmt.Errorf("build embedder: %w", err)
		}
	}

	// Export sinks
	var exporter *export.Exporter
	if cfg.Export != nil {
		exporter, err = buildExporter(cfg, logger, metrics, tracer)
		if err != nil {
			return fmt.Errorf("build exporter: %w", err)
		}
		defer func() {
			if err := exporter.Close(); err != nil {
				logger.Error("exporter close error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)
	running := 0

	// Mailbox sync loop
	if cfg.Mailbox != nil {
		loop, err := buildMailboxLoop(ctx, cfg, store, embedder, exporter, logger, metrics, tracer)
		if err != nil {
			return fmt.Errorf("build mailbox loop: %w", err)
		}
		running++
		go func() {
			errCh <- loop.Run(ctx)
		}()
	}

	// Vault watcher
	if cfg.Vault != nil {
		watcher, err := vault.New(cfg.Vault.Path, store, embedder, logger, vault.WithMetrics(metrics))
		if err != nil {
			return fmt.Errorf("build vault watcher: %w", err)
		}
		running++
		go func() {
			errCh <- watcher.Run(ctx)
		}()
	}

	health.SetReady(true)
	logger.Info("knowd started", "config", configPath)

	// Wait for the first worker to stop. Context cancellation (signal) is a
	// normal shutdown; anything else is a fatal worker error.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		running--
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		cancel()
	}

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)

	drainTimeout := time.After(10 * time.Second)
	for running > 0 {
		select {
		case <-errCh:
			running--
		case <-drainTimeout:
			logger.Error("workers did not stop in time")
			running = 0
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// buildMailboxLoop wires the Gmail remote, handlers, and state store into a
// sync loop.
func buildMailboxLoop(
	ctx context.Context,
	cfg *config.Config,
	store *knowledge.Store,
	embedder knowledge.Embedder,
	exporter *export.Exporter,
	logger *slog.Logger,
	metrics *observability.Metrics,
	tracer trace.Tracer,
) (*sync.Loop, error) {
	mb := cfg.Mailbox

	client, err := gmail.NewClient(ctx, gmail.Config{
		CredentialsFile: mb.CredentialsFile,
		TokenFile:       mb.TokenFile,
		RateLimitRPS:    mb.RateLimitRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}
	remote := gmail.NewRemote(client, mb.BootstrapUnread)

	dispatcher := sync.NewDispatcher(mb.Name, logger, metrics)
	dispatcher.SetTracer(tracer)

	if store != nil && embedder != nil {
		opts := []indexer.Option{indexer.WithMetrics(metrics), indexer.WithTracer(tracer)}
		if mb.Filter != "" {
			f, err := filter.New(mb.Filter)
			if err != nil {
				return nil, fmt.Errorf("message filter: %w", err)
			}
			opts = append(opts, indexer.WithFilter(f))
		}
		dispatcher.Register(indexer.New(store, embedder, logger, opts...))
	}
	if exporter != nil {
		dispatcher.Register(exporter)
	}
	if dispatcher.HandlerCount() == 0 {
		return nil, fmt.Errorf("mailbox sync has no handlers: configure knowledge or export")
	}

	stateStore := sync.NewFileStore(filepath.Join(cfg.StateDir, mb.Name+".json"))

	loop, err := sync.NewLoop(sync.LoopConfig{
		Source:              mb.Name,
		PollInterval:        mb.PollInterval,
		RebootstrapOnExpiry: true,
	}, remote, stateStore, dispatcher, logger, metrics)
	if err != nil {
		return nil, err
	}
	loop.SetTracer(tracer)
	return loop, nil
}

// buildExporter assembles the configured export sinks and dead letter
// handler.
func buildExporter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*export.Exporter, error) {
	var sinks []export.Sink
	opts := []export.Option{export.WithMetrics(metrics)}

	if cfg.Export.Webhook != nil {
		sink, err := export.NewWebhookSink(export.WebhookConfig{
			URL:     cfg.Export.Webhook.URL,
			Headers: cfg.Export.Webhook.Headers,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sink.SetTracer(tracer)
		sinks = append(sinks, sink)
	}

	if cfg.Export.Kafka != nil {
		cluster := &kafka.ClusterConfig{
			Brokers: cfg.Export.Kafka.Brokers,
			TLS:     kafka.TLSConfig{Enabled: cfg.Export.Kafka.TLS},
		}
		if cfg.Export.Kafka.SASLUser != "" {
			cluster.Auth = kafka.AuthConfig{
				Mechanism: "PLAIN",
				Username:  cfg.Export.Kafka.SASLUser,
				Password:  os.Getenv(cfg.Export.Kafka.SASLPassEnv),
			}
		}
		sink, err := export.NewKafkaSink(export.KafkaSinkConfig{
			Cluster: cluster,
			Topic:   cfg.Export.Kafka.Topic,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sink.SetTracer(tracer)
		sinks = append(sinks, sink)

		if cfg.Export.Kafka.DeadLetterTopic != "" {
			pub, err := kafka.NewPublisher(cluster)
			if err != nil {
				return nil, fmt.Errorf("dlq publisher: %w", err)
			}
			dlq, err := export.NewDLQ(pub, cfg.Export.Kafka.DeadLetterTopic)
			if err != nil {
				return nil, fmt.Errorf("dlq: %w", err)
			}
			opts = append(opts, export.WithDeadLetter(dlq))
		}
	}

	source := "mailbox"
	if cfg.Mailbox != nil {
		source = cfg.Mailbox.Name
	}
	return export.New(source, sinks, logger, opts...), nil
}
