// Package indexer turns mailbox change events into knowledge store
// documents: added messages are parsed, filtered, embedded, and upserted;
// removed messages are deleted.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/knowd/knowd/internal/filter"
	"github.com/knowd/knowd/internal/gmail"
	"github.com/knowd/knowd/internal/knowledge"
	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/retry"
	"github.com/knowd/knowd/internal/sync"
	"github.com/knowd/knowd/internal/tracing"
)

// Indexer is a sync handler that maintains mail documents in the knowledge
// store.
type Indexer struct {
	store    *knowledge.Store
	embedder knowledge.Embedder
	filter   *filter.Filter // nil means index everything
	retry    retry.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithFilter restricts indexing to messages matching the predicate.
func WithFilter(f *filter.Filter) Option {
	return func(ix *Indexer) { ix.filter = f }
}

// WithMetrics enables index metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithRetry overrides the embed retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(ix *Indexer) { ix.retry = cfg }
}

// WithTracer enables index and embed spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(ix *Indexer) { ix.tracer = tracer }
}

// New creates an Indexer writing to store, embedding with embedder.
func New(store *knowledge.Store, embedder knowledge.Embedder, logger *slog.Logger, opts ...Option) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		store:    store,
		embedder: embedder,
		retry:    retry.DefaultConfig(),
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

var _ sync.Handler = (*Indexer)(nil)

// Name implements sync.Handler.
func (ix *Indexer) Name() string { return "indexer" }

// OnItemAdded parses, filters, embeds, and stores the message. Re-delivery
// of an already-indexed message overwrites the existing document, so
// duplicates are harmless.
func (ix *Indexer) OnItemAdded(ctx context.Context, ev sync.AddedEvent) (err error) {
	ctx, span := tracing.StartSpan(ctx, ix.tracer, tracing.SpanIndex)
	defer func() {
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}()

	msg, err := gmail.ParseMessage(ev.Item.Payload)
	if err != nil {
		return fmt.Errorf("parse message %s: %w", ev.Item.Ref.ID, err)
	}

	if ix.filter != nil {
		ok, err := ix.filter.Match(ctx, msg)
		if err != nil {
			return fmt.Errorf("filter message %s: %w", msg.ID, err)
		}
		if !ok {
			ix.logger.Debug("message filtered out", "id", msg.ID, "subject", msg.Subject)
			return nil
		}
	}

	content := msg.Text
	if content == "" {
		content = msg.Snippet
	}

	vector, err := ix.embed(ctx, embedText(msg, content))
	if err != nil {
		return fmt.Errorf("embed message %s: %w", msg.ID, err)
	}

	doc := knowledge.Document{
		ID:      docID(msg.ID),
		Origin:  "mailbox",
		UnitID:  msg.ThreadID,
		Title:   msg.Subject,
		Content: content,
		Meta: map[string]string{
			"from": msg.From,
			"to":   msg.To,
			"date": msg.Date,
		},
		Embedding: vector,
		UpdatedAt: time.Now().UTC(),
	}
	if err := ix.store.Upsert(ctx, doc); err != nil {
		return err
	}
	ix.countOp("upsert")
	ix.logger.Info("message indexed", "id", msg.ID, "subject", msg.Subject)
	return nil
}

// OnItemRemoved deletes the message's document. Deleting an absent document
// is a no-op, so replayed removals are harmless.
func (ix *Indexer) OnItemRemoved(ctx context.Context, ev sync.RemovedEvent) error {
	if err := ix.store.Delete(ctx, docID(ev.Ref.ID)); err != nil {
		return err
	}
	ix.countOp("delete")
	ix.logger.Info("message deindexed", "id", ev.Ref.ID)
	return nil
}

// embed fetches the text's vector, retrying transient embedder failures.
func (ix *Indexer) embed(ctx context.Context, text string) (vector []float32, err error) {
	ctx, span := tracing.StartSpan(ctx, ix.tracer, tracing.SpanEmbed)
	defer func() {
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}()

	err = retry.Do(ctx, ix.retry, func() error {
		var embedErr error
		vector, embedErr = ix.embedder.Embed(ctx, text)
		if embedErr != nil && !sync.IsTransient(embedErr) {
			return retry.Permanent(embedErr)
		}
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (ix *Indexer) countOp(op string) {
	if ix.metrics != nil {
		ix.metrics.DocumentsIndexed.WithLabelValues("mailbox", op).Inc()
	}
}

func docID(messageID string) string {
	return "mail:" + messageID
}

// embedText builds the text fed to the embedder: subject plus body, so
// subject-only matches still score.
func embedText(msg *gmail.ParsedMessage, content string) string {
	if msg.Subject == "" {
		return content
	}
	return msg.Subject + "\n\n" + content
}
