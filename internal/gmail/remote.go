package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/knowd/knowd/internal/sync"
)

// Remote adapts the Gmail API to the sync engine's remote contract. The
// change log cursor is Gmail's historyId; units are threads; item payloads
// are the full message JSON.
type Remote struct {
	client *Client

	// snapshotQuery selects the threads included in a bootstrap snapshot.
	snapshotQuery string
}

// NewRemote wraps client as a sync remote. When bootstrapUnread is set the
// bootstrap snapshot covers only unread threads, otherwise the whole inbox.
func NewRemote(client *Client, bootstrapUnread bool) *Remote {
	q := "in:inbox"
	if bootstrapUnread {
		q = "is:unread"
	}
	return &Remote{client: client, snapshotQuery: q}
}

var _ sync.Remote = (*Remote)(nil)

// HeadCursor reads the historyId of the most recent message. ok is false
// for an empty mailbox.
func (r *Remote) HeadCursor(ctx context.Context) (sync.Cursor, bool, error) {
	q := url.Values{"maxResults": {"1"}}
	var list messageList
	if err := r.client.getJSON(ctx, "/messages", q, &list); err != nil {
		return 0, false, err
	}
	if len(list.Messages) == 0 {
		return 0, false, nil
	}

	var msg Message
	mq := url.Values{"format": {"minimal"}}
	if err := r.client.getJSON(ctx, "/messages/"+list.Messages[0].ID, mq, &msg); err != nil {
		return 0, false, err
	}
	cur, err := parseCursor(msg.HistoryID)
	if err != nil {
		return 0, false, err
	}
	return cur, true, nil
}

// SnapshotPage lists one page of snapshot threads and loads each in full.
func (r *Remote) SnapshotPage(ctx context.Context, pageToken string) (sync.SnapshotPage, error) {
	q := url.Values{"q": {r.snapshotQuery}, "maxResults": {"50"}}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var list threadList
	if err := r.client.getJSON(ctx, "/threads", q, &list); err != nil {
		return sync.SnapshotPage{}, err
	}

	page := sync.SnapshotPage{NextPageToken: list.NextPageToken}
	for _, ref := range list.Threads {
		unit, err := r.Unit(ctx, ref.ID)
		if err != nil {
			return sync.SnapshotPage{}, err
		}
		page.Units = append(page.Units, unit)
	}
	return page, nil
}

// HistoryPage lists changes after since. Added messages are loaded in full
// so the records carry complete payloads.
func (r *Remote) HistoryPage(ctx context.Context, since sync.Cursor, pageToken string) (sync.HistoryPage, error) {
	q := url.Values{
		"startHistoryId": {strconv.FormatUint(uint64(since), 10)},
		"historyTypes":   {"messageAdded", "messageDeleted"},
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var list historyList
	if err := r.client.getJSON(ctx, "/history", q, &list); err != nil {
		return sync.HistoryPage{}, err
	}

	page := sync.HistoryPage{NextPageToken: list.NextPageToken}
	for _, rec := range list.History {
		id, err := parseCursor(rec.ID)
		if err != nil {
			return sync.HistoryPage{}, err
		}
		change := sync.ChangeRecord{ID: id}
		for _, added := range rec.MessagesAdded {
			item, err := r.fetchItem(ctx, added.Message.ID)
			if err != nil {
				return sync.HistoryPage{}, err
			}
			change.Added = append(change.Added, item)
		}
		for _, deleted := range rec.MessagesDeleted {
			change.Removed = append(change.Removed, sync.ItemRef{ID: deleted.Message.ID})
		}
		page.Records = append(page.Records, change)
	}
	return page, nil
}

// Unit loads one thread in full.
func (r *Remote) Unit(ctx context.Context, id string) (sync.Unit, error) {
	q := url.Values{"format": {"full"}}
	var thread Thread
	if err := r.client.getJSON(ctx, "/threads/"+id, q, &thread); err != nil {
		return sync.Unit{}, err
	}

	pos, err := parseCursor(thread.HistoryID)
	if err != nil {
		return sync.Unit{}, err
	}
	unit := sync.Unit{ID: thread.ID, Position: pos}
	for i := range thread.Messages {
		item, err := toItem(&thread.Messages[i])
		if err != nil {
			return sync.Unit{}, err
		}
		unit.Items = append(unit.Items, item)
	}
	return unit, nil
}

func (r *Remote) fetchItem(ctx context.Context, id string) (sync.Item, error) {
	q := url.Values{"format": {"full"}}
	var msg Message
	if err := r.client.getJSON(ctx, "/messages/"+id, q, &msg); err != nil {
		return sync.Item{}, err
	}
	return toItem(&msg)
}

func toItem(msg *Message) (sync.Item, error) {
	pos, err := parseCursor(msg.HistoryID)
	if err != nil {
		return sync.Item{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return sync.Item{}, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return sync.Item{
		Ref:      sync.ItemRef{ID: msg.ID},
		UnitID:   msg.ThreadID,
		Position: pos,
		Payload:  payload,
	}, nil
}

func parseCursor(s string) (sync.Cursor, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse historyId %q: %w", s, err)
	}
	return sync.Cursor(v), nil
}
