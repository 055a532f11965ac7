// Package export forwards sync events to external systems as CloudEvents.
// Deliveries that exhaust their sink's retries go to the dead letter
// handler so no event is silently lost.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/knowd/knowd/internal/gmail"
	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/sync"
)

const (
	EventTypeAdded   = "com.knowd.mail.added"
	EventTypeRemoved = "com.knowd.mail.removed"
)

// Sink delivers an encoded event to one destination. Implementations own
// their retry policy; a returned error means delivery has finally failed.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event []byte, headers map[string]string) error
	Close() error
}

// DeadLetter receives events whose delivery finally failed.
type DeadLetter interface {
	Send(ctx context.Context, key, value []byte, info FailureInfo) error
	Close() error
}

// Exporter is a sync handler that wraps change events in CloudEvents and
// fans them out to the configured sinks.
type Exporter struct {
	source     string
	sinks      []Sink
	deadLetter DeadLetter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithDeadLetter routes failed deliveries to dl.
func WithDeadLetter(dl DeadLetter) Option {
	return func(e *Exporter) { e.deadLetter = dl }
}

// WithMetrics enables delivery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exporter) { e.metrics = m }
}

// New creates an Exporter for the named source. Failed deliveries are
// discarded unless WithDeadLetter installs a handler.
func New(source string, sinks []Sink, logger *slog.Logger, opts ...Option) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exporter{source: source, sinks: sinks, deadLetter: NoopDeadLetter{}, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ sync.Handler = (*Exporter)(nil)

// Name implements sync.Handler.
func (e *Exporter) Name() string { return "exporter" }

// addedData is the data payload for added events.
type addedData struct {
	MessageID string   `json:"message_id"`
	ThreadID  string   `json:"thread_id"`
	Subject   string   `json:"subject,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
}

// removedData is the data payload for removed events.
type removedData struct {
	MessageID string `json:"message_id"`
}

// OnItemAdded publishes an added event to every sink.
func (e *Exporter) OnItemAdded(ctx context.Context, ev sync.AddedEvent) error {
	msg, err := gmail.ParseMessage(ev.Item.Payload)
	if err != nil {
		return fmt.Errorf("parse message %s: %w", ev.Item.Ref.ID, err)
	}
	data := addedData{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Subject:   msg.Subject,
		From:      msg.From,
		To:        msg.To,
		Labels:    msg.Labels,
		Snippet:   msg.Snippet,
	}
	encoded, err := e.envelope(EventTypeAdded, msg.ThreadID, data)
	if err != nil {
		return err
	}
	return e.deliverAll(ctx, []byte(msg.ID), encoded)
}

// OnItemRemoved publishes a removed event to every sink.
func (e *Exporter) OnItemRemoved(ctx context.Context, ev sync.RemovedEvent) error {
	encoded, err := e.envelope(EventTypeRemoved, "", removedData{MessageID: ev.Ref.ID})
	if err != nil {
		return err
	}
	return e.deliverAll(ctx, []byte(ev.Ref.ID), encoded)
}

// envelope wraps data in a CloudEvents JSON envelope.
func (e *Exporter) envelope(eventType, subject string, data any) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(event.CloudEventsVersionV1)
	ce.SetID(uuid.New().String())
	ce.SetSource("knowd/" + e.source)
	ce.SetType(eventType)
	ce.SetTime(time.Now().UTC())
	if subject != "" {
		ce.SetSubject(subject)
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("set event data: %w", err)
	}
	encoded, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("encode cloudevent: %w", err)
	}
	return encoded, nil
}

// deliverAll sends the event to each sink. A failed delivery is dead
// lettered and does not block the remaining sinks.
func (e *Exporter) deliverAll(ctx context.Context, key, encoded []byte) error {
	headers := map[string]string{
		"Content-Type": "application/cloudevents+json",
	}
	var firstErr error
	for _, sink := range e.sinks {
		err := sink.Deliver(ctx, encoded, headers)
		if err == nil {
			e.countDelivery(sink.Name(), "ok")
			continue
		}
		e.countDelivery(sink.Name(), "error")
		e.logger.Error("export delivery failed",
			"sink", sink.Name(),
			"error", err,
		)
		if firstErr == nil {
			firstErr = err
		}
		e.sendToDeadLetter(ctx, sink.Name(), key, encoded, err)
	}
	return firstErr
}

func (e *Exporter) sendToDeadLetter(ctx context.Context, sinkName string, key, value []byte, cause error) {
	if _, discard := e.deadLetter.(NoopDeadLetter); discard {
		return
	}
	info := FailureInfo{
		Sink:         sinkName,
		Source:       e.source,
		ErrorMessage: cause.Error(),
	}
	if err := e.deadLetter.Send(ctx, key, value, info); err != nil {
		e.logger.Error("dead letter send failed", "sink", sinkName, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.DeadLetterTotal.WithLabelValues(sinkName).Inc()
	}
}

func (e *Exporter) countDelivery(sink, status string) {
	if e.metrics != nil {
		e.metrics.ExportDeliveries.WithLabelValues(sink, status).Inc()
	}
}

// Close shuts down all sinks and the dead letter handler.
func (e *Exporter) Close() error {
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", sink.Name(), err))
		}
	}
	if err := e.deadLetter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dead letter: %w", err))
	}
	return errors.Join(errs...)
}
