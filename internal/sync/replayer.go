package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knowd/knowd/internal/observability"
	"github.com/knowd/knowd/internal/retry"
)

// Replayer walks the remote change log from a starting cursor to the current
// head, one ChangeRecord at a time. Pagination state is held explicitly
// ({since, pageToken, buffered records}) so a transient page failure resumes
// at the failed page rather than restarting the pass: the remote keys pages
// by absolute cursor plus continuation token, and both stay valid across
// retries.
//
// A Replayer covers exactly one pass. The loop builds a new one from the
// advanced cursor on the next poll.
type Replayer struct {
	remote Remote
	retry  retry.Config
	logger *slog.Logger

	metrics *observability.Metrics
	source  string

	since     Cursor
	pageToken string
	buffer    []ChangeRecord
	fetched   bool // first page requested
	done      bool // no continuation token left
}

// NewReplayer creates a Replayer starting after the given cursor.
func NewReplayer(remote Remote, since Cursor, retryCfg retry.Config, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		remote: remote,
		retry:  retryCfg,
		logger: logger,
		since:  since,
	}
}

// SetMetrics attaches page-fetch metrics for the named source. m may be nil.
func (r *Replayer) SetMetrics(m *observability.Metrics, source string) {
	r.metrics = m
	r.source = source
}

// Next returns the next change record of the pass. ok is false once the
// remote head has been reached. Transient page failures are retried in
// place; permanent failures (ErrCursorExpired, ErrAuthRevoked, exhausted
// retries) are returned and end the pass.
func (r *Replayer) Next(ctx context.Context) (ChangeRecord, bool, error) {
	for len(r.buffer) == 0 {
		if r.done && r.fetched {
			return ChangeRecord{}, false, nil
		}
		if err := r.fetchPage(ctx); err != nil {
			return ChangeRecord{}, false, err
		}
	}
	rec := r.buffer[0]
	r.buffer = r.buffer[1:]
	return rec, true, nil
}

// fetchPage requests the page at the current position, retrying transient
// failures without moving the position.
func (r *Replayer) fetchPage(ctx context.Context) error {
	var page HistoryPage
	err := retry.Do(ctx, r.retry, func() error {
		p, err := r.remote.HistoryPage(ctx, r.since, r.pageToken)
		if err != nil {
			if IsTransient(err) {
				r.logger.Warn("history page fetch failed, retrying",
					"since", r.since,
					"error", err,
				)
				return err
			}
			return retry.Permanent(err)
		}
		page = p
		return nil
	})
	if err != nil {
		r.countPage("error")
		return fmt.Errorf("history page after cursor %d: %w", r.since, err)
	}
	r.countPage("ok")

	r.fetched = true
	r.buffer = append(r.buffer, page.Records...)
	r.pageToken = page.NextPageToken
	r.done = page.NextPageToken == ""
	return nil
}

func (r *Replayer) countPage(status string) {
	if r.metrics != nil {
		r.metrics.HistoryPages.WithLabelValues(r.source, status).Inc()
	}
}
