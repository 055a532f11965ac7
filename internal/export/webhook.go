package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/knowd/knowd/internal/correlation"
	"github.com/knowd/knowd/internal/retry"
	"github.com/knowd/knowd/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// WebhookConfig holds the configuration for a webhook sink.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Retry   retry.Config
}

// WebhookSink POSTs events to an HTTP endpoint.
type WebhookSink struct {
	client *http.Client
	config WebhookConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig, logger *slog.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("webhook-sink"),
	}, nil
}

// SetTracer sets the tracer for the sink.
func (s *WebhookSink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver POSTs the event, retrying transient failures with backoff.
// Client errors other than 429 are not retried.
func (s *WebhookSink) Deliver(ctx context.Context, event []byte, headers map[string]string) error {
	start := time.Now()
	corrID := correlation.ExtractOrGenerate(headers)
	headers = correlation.AddToHeaders(headers, corrID)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanHTTPDeliver,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(s.config.URL),
			tracing.HTTPMethodAttr(http.MethodPost),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	err := retry.Do(ctx, s.config.Retry, func() error {
		err := s.doRequest(ctx, event, headers)
		if isPermanentStatus(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("webhook delivery failed",
			"correlation_id", corrID.Value,
			"target", s.config.URL,
			"error", err,
		)
		return fmt.Errorf("webhook delivery: %w", err)
	}

	tracing.SetSpanOK(span)
	s.logger.Info("event delivered",
		"correlation_id", corrID.Value,
		"target", s.config.URL,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close releases resources held by the sink.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *WebhookSink) doRequest(ctx context.Context, event []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(event))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}
	// Per-event headers can override static ones.
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode}
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanentStatus reports whether err is a client error (4xx) other than
// 429 Too Many Requests.
func isPermanentStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}
