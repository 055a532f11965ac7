package sync

import (
	"context"
	"errors"
)

// Cursor is an opaque, monotonically increasing position in a remote
// change log.
type Cursor uint64

// ItemRef identifies an item in the remote store without carrying its
// payload. Removals are delivered as refs because the remote no longer has
// the full item.
type ItemRef struct {
	ID string
}

// Item is one piece of remote content (e.g., a mail message). The payload is
// owned by the remote implementation and opaque to the sync engine; handlers
// that understand the source decode it.
type Item struct {
	Ref      ItemRef
	UnitID   string
	Position Cursor // history position where the item was observed, 0 if unknown
	Payload  []byte
}

// Unit is a top-level grouping of items in the remote snapshot (a thread in
// mailbox terms). Items are ordered oldest first.
type Unit struct {
	ID       string
	Items    []Item
	Position Cursor
}

// ChangeRecord is one unit of remote history: items that appeared and items
// that disappeared at a given log position.
type ChangeRecord struct {
	ID      Cursor
	Added   []Item
	Removed []ItemRef
}

// SnapshotPage is one page of the remote's current snapshot.
type SnapshotPage struct {
	Units         []Unit
	NextPageToken string
}

// HistoryPage is one page of the remote change log.
type HistoryPage struct {
	Records       []ChangeRecord
	NextPageToken string
}

// Remote is the capability the sync engine consumes. Implementations own
// transport, authentication, and payload encoding.
type Remote interface {
	// HeadCursor returns the current head position of the change log.
	// ok is false when the remote store is empty and has no head yet.
	HeadCursor(ctx context.Context) (head Cursor, ok bool, err error)

	// SnapshotPage returns one page of the current snapshot. An empty
	// pageToken requests the first page; an empty NextPageToken in the
	// result marks the last page.
	SnapshotPage(ctx context.Context, pageToken string) (SnapshotPage, error)

	// HistoryPage returns one page of changes after the given cursor.
	// Pagination is keyed by (since, pageToken), so a failed page can be
	// re-requested without restarting the pass.
	HistoryPage(ctx context.Context, since Cursor, pageToken string) (HistoryPage, error)

	// Unit fetches the full current state of one unit. Used by handlers
	// that need more context than the item payload carries.
	Unit(ctx context.Context, id string) (Unit, error)
}

// Permanent remote failures. These terminate a replay pass and are never
// retried at the page level.
var (
	// ErrCursorExpired means the remote has pruned history older than the
	// requested cursor. The only way forward is a fresh bootstrap.
	ErrCursorExpired = errors.New("sync: cursor older than remote retention")

	// ErrAuthRevoked means the remote rejected our credentials. Fatal to
	// the loop; an operator has to re-authorize.
	ErrAuthRevoked = errors.New("sync: remote authorization revoked")
)

// TransientError wraps a remote failure that is safe to retry at the same
// pagination position (timeouts, rate limits, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "sync: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
