package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/retry"
	"github.com/knowd/knowd/internal/tracing"
)

// LoopConfig configures a sync loop.
type LoopConfig struct {
	// Source names the loop in logs, metrics, and state.
	Source string

	// PollInterval is how long the loop waits between replay passes.
	PollInterval time.Duration

	// Retry governs page-level retries of transient remote failures.
	Retry retry.Config

	// RebootstrapOnExpiry makes an expired cursor reset the loop into a
	// fresh bootstrap instead of stopping it. When false, ErrCursorExpired
	// surfaces to the caller.
	RebootstrapOnExpiry bool
}

// Loop drives one source's synchronization: bootstrap, history replay,
// dispatch, checkpoint, wait. It runs as a single sequential worker; the
// caller owns exactly one Loop per source and never runs it twice
// concurrently.
type Loop struct {
	cfg        LoopConfig
	remote     Remote
	store      StateStore
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer

	state *State
}

// NewLoop creates a Loop. metrics may be nil.
func NewLoop(cfg LoopConfig, remote Remote, store StateStore, dispatcher *Dispatcher, logger *slog.Logger, metrics *observability.Metrics) (*Loop, error) {
	if remote == nil {
		return nil, fmt.Errorf("sync: remote is required")
	}
	if store == nil {
		return nil, fmt.Errorf("sync: state store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("sync: dispatcher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:        cfg,
		remote:     remote,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("source", cfg.Source),
		metrics:    metrics,
		tracer:     noop.NewTracerProvider().Tracer("sync-loop"),
	}, nil
}

// SetTracer sets the tracer for bootstrap and replay pass spans.
func (l *Loop) SetTracer(tracer trace.Tracer) {
	l.tracer = tracer
}

// Run executes the loop until ctx is cancelled or a permanent failure
// occurs. Cancellation is cooperative: it is honored between pages, units,
// and records, never mid-record, and the last advanced cursor is persisted
// before Run returns. Restart policy after a permanent failure belongs to
// the caller.
func (l *Loop) Run(ctx context.Context) error {
	state, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	l.state = state
	l.logger.Info("sync loop starting",
		"bootstrap_pending", state.BootstrapPending,
		"cursor", cursorAttr(state),
	)

	// Final checkpoint on every exit path, including cancellation. Run's
	// own ctx may already be done, so persist on a fresh one.
	defer func() {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.persist(pctx); err != nil {
			l.logger.Error("final state persist failed", "error", err)
		}
	}()

	if l.state.BootstrapPending {
		if err := l.bootstrap(ctx); err != nil {
			return err
		}
	}

	for {
		err := l.replayOnce(ctx)
		switch {
		case err == nil:
			if err := l.persist(ctx); err != nil {
				return err
			}
			l.countPass("ok")

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		case errors.Is(err, ErrCursorExpired) && l.cfg.RebootstrapOnExpiry:
			l.logger.Warn("cursor expired at remote, re-bootstrapping")
			l.countPass("cursor_expired")
			l.state.BootstrapPending = true
			l.state.Cursor = nil
			if err := l.persist(ctx); err != nil {
				return err
			}
			if err := l.bootstrap(ctx); err != nil {
				return err
			}

		default:
			l.countPass("error")
			return fmt.Errorf("replay pass for %s: %w", l.cfg.Source, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// bootstrap enumerates the full remote snapshot and surfaces the newest item
// of each non-empty unit. Older items of pre-existing units are deliberately
// not replayed.
func (l *Loop) bootstrap(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanBootstrap,
		trace.WithAttributes(tracing.SourceAttr(l.cfg.Source)),
	)
	defer func() {
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}()

	l.logger.Info("bootstrap starting")
	pageToken := ""
	units := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page SnapshotPage
		err := retry.Do(ctx, l.cfg.Retry, func() error {
			p, err := l.remote.SnapshotPage(ctx, pageToken)
			if err != nil {
				if IsTransient(err) {
					l.logger.Warn("snapshot page fetch failed, retrying", "error", err)
					return err
				}
				return retry.Permanent(err)
			}
			page = p
			return nil
		})
		if err != nil {
			return fmt.Errorf("snapshot page: %w", err)
		}

		for _, unit := range page.Units {
			if err := ctx.Err(); err != nil {
				return err
			}
			l.state.AdvanceCursor(unit.Position)
			if len(unit.Items) == 0 {
				continue
			}
			l.dispatcher.DispatchAdded(ctx, l.remote, unit.Items[len(unit.Items)-1])
			units++
			if units%100 == 0 {
				l.logger.Info("bootstrap progress", "units", units)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	l.state.BootstrapPending = false
	if err := l.persist(ctx); err != nil {
		return err
	}
	if cursor, ok := l.state.CursorValue(); ok {
		span.SetAttributes(tracing.CursorAttr(uint64(cursor)))
	}
	l.logger.Info("bootstrap complete", "units", units, "cursor", cursorAttr(l.state))
	return nil
}

// replayOnce runs one full pass from the current cursor to the remote head.
func (l *Loop) replayOnce(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanReplayPass,
		trace.WithAttributes(tracing.SourceAttr(l.cfg.Source)),
	)
	defer func() {
		if cursor, ok := l.state.CursorValue(); ok {
			span.SetAttributes(tracing.CursorAttr(uint64(cursor)))
		}
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}()

	cursor, ok := l.state.CursorValue()
	if !ok {
		// Fresh installation: start at the remote's current head rather
		// than at the beginning of time.
		head, haveHead, err := l.headCursor(ctx)
		if err != nil {
			return err
		}
		if !haveHead {
			l.logger.Debug("remote store empty, nothing to replay")
			return nil
		}
		l.state.AdvanceCursor(head)
		cursor = head
		l.logger.Info("starting cursor established", "cursor", head)
	}

	replayer := NewReplayer(l.remote, cursor, l.cfg.Retry, l.logger)
	replayer.SetMetrics(l.metrics, l.cfg.Source)

	records := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, more, err := replayer.Next(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		records++

		// Advance first: handler errors are isolated and must not hold
		// the cursor back. A stale record (ID <= cursor) is still
		// dispatched but never regresses state.
		l.state.AdvanceCursor(rec.ID)
		l.dispatcher.DispatchRecord(ctx, l.remote, rec)
		if l.metrics != nil {
			l.metrics.HistoryRecords.WithLabelValues(l.cfg.Source).Inc()
		}
	}

	if records > 0 {
		l.logger.Info("replay pass complete", "records", records, "cursor", cursorAttr(l.state))
	}
	return nil
}

func (l *Loop) headCursor(ctx context.Context) (Cursor, bool, error) {
	var head Cursor
	var have bool
	err := retry.Do(ctx, l.cfg.Retry, func() error {
		h, ok, err := l.remote.HeadCursor(ctx)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return retry.Permanent(err)
		}
		head, have = h, ok
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("head cursor: %w", err)
	}
	return head, have, nil
}

func (l *Loop) persist(ctx context.Context) error {
	if err := l.store.Persist(ctx, l.state); err != nil {
		return fmt.Errorf("persist sync state: %w", err)
	}
	if l.metrics != nil {
		if cursor, ok := l.state.CursorValue(); ok {
			l.metrics.CursorPosition.WithLabelValues(l.cfg.Source).Set(float64(cursor))
		}
	}
	return nil
}

func (l *Loop) countPass(result string) {
	if l.metrics != nil {
		l.metrics.SyncPasses.WithLabelValues(l.cfg.Source, result).Inc()
	}
}

func cursorAttr(s *State) any {
	if cursor, ok := s.CursorValue(); ok {
		return cursor
	}
	return "none"
}
