package sync

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/tracing"
)

// AddedEvent is delivered when an item appears in the remote store. Source
// lets handlers fetch further detail (e.g., the item's full unit) on demand.
type AddedEvent struct {
	Source Remote
	Item   Item
}

// RemovedEvent is delivered when an item disappears from the remote store.
type RemovedEvent struct {
	Source Remote
	Ref    ItemRef
}

// Handler consumes change events. Handlers must tolerate duplicate delivery
// of the same logical item: the engine guarantees at-least-once, not
// exactly-once.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	OnItemAdded(ctx context.Context, ev AddedEvent) error
	OnItemRemoved(ctx context.Context, ev RemovedEvent) error
}

// Dispatcher fans change records out to a fixed, ordered set of handlers.
// Handler failures are logged and counted but never propagate: a misbehaving
// handler cannot block other handlers or cursor advancement.
type Dispatcher struct {
	source   string
	handlers []Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewDispatcher creates a Dispatcher for the named source. metrics may be nil.
func NewDispatcher(source string, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source:  source,
		logger:  logger,
		metrics: metrics,
		tracer:  noop.NewTracerProvider().Tracer("dispatcher"),
	}
}

// SetTracer sets the tracer for handler dispatch spans.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// Register appends a handler. The handler set is fixed once the loop starts;
// Register is not safe to call concurrently with dispatch.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// HandlerCount returns the number of registered handlers.
func (d *Dispatcher) HandlerCount() int {
	return len(d.handlers)
}

// DispatchRecord delivers all events of one change record, added before
// removed, to every handler in registration order.
func (d *Dispatcher) DispatchRecord(ctx context.Context, remote Remote, rec ChangeRecord) {
	for _, item := range rec.Added {
		d.DispatchAdded(ctx, remote, item)
	}
	for _, ref := range rec.Removed {
		d.DispatchRemoved(ctx, remote, ref)
	}
}

// DispatchAdded delivers one ItemAdded event to every handler.
func (d *Dispatcher) DispatchAdded(ctx context.Context, remote Remote, item Item) {
	d.countEvent("added")
	ev := AddedEvent{Source: remote, Item: item}
	for _, h := range d.handlers {
		d.invoke(ctx, h, "added", item.Ref.ID, func(hctx context.Context) error {
			return h.OnItemAdded(hctx, ev)
		})
	}
}

// DispatchRemoved delivers one ItemRemoved event to every handler.
func (d *Dispatcher) DispatchRemoved(ctx context.Context, remote Remote, ref ItemRef) {
	d.countEvent("removed")
	ev := RemovedEvent{Source: remote, Ref: ref}
	for _, h := range d.handlers {
		d.invoke(ctx, h, "removed", ref.ID, func(hctx context.Context) error {
			return h.OnItemRemoved(hctx, ev)
		})
	}
}

// invoke runs one handler under a dispatch span, absorbing its error.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, kind, itemID string, fn func(context.Context) error) {
	hctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDispatch,
		trace.WithAttributes(
			tracing.SourceAttr(d.source),
			tracing.HandlerAttr(h.Name()),
		),
	)
	defer span.End()

	if err := fn(hctx); err != nil {
		span.SetAttributes(tracing.ErrorTypeAttr(fmt.Sprintf("%T", err)))
		tracing.SetSpanError(span, err)
		d.handlerFailed(h, kind, itemID, err)
		return
	}
	tracing.SetSpanOK(span)
}

func (d *Dispatcher) countEvent(kind string) {
	if d.metrics != nil {
		d.metrics.EventsTotal.WithLabelValues(d.source, kind).Inc()
	}
}

func (d *Dispatcher) handlerFailed(h Handler, kind, itemID string, err error) {
	d.logger.Error("handler failed",
		"source", d.source,
		"handler", h.Name(),
		"event", kind,
		"item", itemID,
		"error", err,
	)
	if d.metrics != nil {
		d.metrics.HandlerErrorsTotal.WithLabelValues(d.source, h.Name()).Inc()
	}
}
