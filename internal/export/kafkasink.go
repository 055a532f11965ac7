package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knowd/knowd/internal/correlation"
	"github.com/knowd/knowd/internal/kafka"
	"github.com/knowd/knowd/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// KafkaSinkConfig holds Kafka sink configuration.
type KafkaSinkConfig struct {
	Cluster *kafka.ClusterConfig
	Topic   string
}

// KafkaSink delivers events to a Kafka topic.
type KafkaSink struct {
	publisher publisher
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(cfg KafkaSinkConfig, logger *slog.Logger) (*KafkaSink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	pub, err := kafka.NewPublisher(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		publisher: pub,
		topic:     cfg.Topic,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *KafkaSink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver produces the event to the configured topic.
func (s *KafkaSink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)
	headers = correlation.AddToHeaders(headers, corrID)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(s.topic),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	if err := s.publisher.Publish(ctx, s.topic, nil, event, headers); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("kafka delivery failed",
			"correlation_id", corrID.Value,
			"target", s.topic,
			"error", err,
		)
		return err
	}

	tracing.SetSpanOK(span)
	s.logger.Info("event delivered",
		"correlation_id", corrID.Value,
		"target", s.topic,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close shuts down the Kafka publisher.
func (s *KafkaSink) Close() error {
	return s.publisher.Close()
}
