package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knowd/knowd/internal/sync"
)

// fakeAPI serves a canned subset of the mail API from an in-memory fixture.
type fakeAPI struct {
	messages map[string]*Message
	threads  map[string]*Thread

	listResponse    messageList
	historyResponse map[string]historyList // keyed by pageToken, "" for first
	threadPages     map[string]threadList

	// status forces an HTTP error for a path prefix.
	status map[string]int
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w, "/messages") {
			return
		}
		writeJSON(w, f.listResponse)
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w, "/messages/") {
			return
		}
		id := r.URL.Path[len("/messages/"):]
		msg, ok := f.messages[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, msg)
	})
	mux.HandleFunc("/threads", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w, "/threads") {
			return
		}
		writeJSON(w, f.threadPages[r.URL.Query().Get("pageToken")])
	})
	mux.HandleFunc("/threads/", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w, "/threads/") {
			return
		}
		id := r.URL.Path[len("/threads/"):]
		thread, ok := f.threads[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, thread)
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if f.fail(w, "/history") {
			return
		}
		writeJSON(w, f.historyResponse[r.URL.Query().Get("pageToken")])
	})
	return mux
}

func (f *fakeAPI) fail(w http.ResponseWriter, prefix string) bool {
	if code, ok := f.status[prefix]; ok {
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(apiError{})
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestRemote(t *testing.T, api *fakeAPI) *Remote {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		BaseURL:      srv.URL,
		HTTPClient:   srv.Client(),
		RateLimitRPS: 1000,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return NewRemote(client, true)
}

func msg(id, threadID, historyID string) *Message {
	return &Message{
		ID:        id,
		ThreadID:  threadID,
		HistoryID: historyID,
		Payload: &MessagePart{
			MimeType: "text/plain",
			Headers:  []Header{{Name: "Subject", Value: "s-" + id}},
			Body:     &PartBody{Data: "aGVsbG8"},
		},
	}
}

func TestHeadCursor(t *testing.T) {
	api := &fakeAPI{
		listResponse: messageList{Messages: []messageRef{{ID: "m1", ThreadID: "t1"}}},
		messages:     map[string]*Message{"m1": msg("m1", "t1", "700")},
	}
	remote := newTestRemote(t, api)

	head, ok, err := remote.HeadCursor(context.Background())
	if err != nil {
		t.Fatalf("head cursor: %v", err)
	}
	if !ok || head != 700 {
		t.Errorf("got (%d, %v), want (700, true)", head, ok)
	}
}

func TestHeadCursor_EmptyMailbox(t *testing.T) {
	remote := newTestRemote(t, &fakeAPI{})

	_, ok, err := remote.HeadCursor(context.Background())
	if err != nil {
		t.Fatalf("head cursor: %v", err)
	}
	if ok {
		t.Error("expected ok=false for empty mailbox")
	}
}

func TestSnapshotPage(t *testing.T) {
	api := &fakeAPI{
		threadPages: map[string]threadList{
			"":   {Threads: []threadRef{{ID: "t1"}}, NextPageToken: "p1"},
			"p1": {Threads: []threadRef{{ID: "t2"}}},
		},
		threads: map[string]*Thread{
			"t1": {ID: "t1", HistoryID: "500", Messages: []Message{*msg("m1", "t1", "490"), *msg("m2", "t1", "500")}},
			"t2": {ID: "t2", HistoryID: "510", Messages: []Message{*msg("m3", "t2", "510")}},
		},
	}
	remote := newTestRemote(t, api)

	page, err := remote.SnapshotPage(context.Background(), "")
	if err != nil {
		t.Fatalf("snapshot page: %v", err)
	}
	if page.NextPageToken != "p1" {
		t.Errorf("next token: got %q", page.NextPageToken)
	}
	if len(page.Units) != 1 || page.Units[0].ID != "t1" || page.Units[0].Position != 500 {
		t.Fatalf("unexpected units: %+v", page.Units)
	}
	if len(page.Units[0].Items) != 2 || page.Units[0].Items[1].Ref.ID != "m2" {
		t.Errorf("unexpected items: %+v", page.Units[0].Items)
	}

	page, err = remote.SnapshotPage(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot page p1: %v", err)
	}
	if page.NextPageToken != "" || len(page.Units) != 1 || page.Units[0].ID != "t2" {
		t.Errorf("unexpected last page: %+v", page)
	}
}

func TestHistoryPage(t *testing.T) {
	api := &fakeAPI{
		historyResponse: map[string]historyList{
			"": {
				History: []historyRecord{
					{ID: "505", MessagesAdded: []messageWrapper{{Message: messageRef{ID: "m9"}}}},
					{ID: "506", MessagesDeleted: []messageWrapper{{Message: messageRef{ID: "m2"}}}},
				},
				NextPageToken: "p1",
			},
		},
		messages: map[string]*Message{"m9": msg("m9", "t3", "505")},
	}
	remote := newTestRemote(t, api)

	page, err := remote.HistoryPage(context.Background(), 500, "")
	if err != nil {
		t.Fatalf("history page: %v", err)
	}
	if page.NextPageToken != "p1" {
		t.Errorf("next token: got %q", page.NextPageToken)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d records", len(page.Records))
	}
	if page.Records[0].ID != 505 || len(page.Records[0].Added) != 1 || page.Records[0].Added[0].Ref.ID != "m9" {
		t.Errorf("unexpected added record: %+v", page.Records[0])
	}
	if page.Records[0].Added[0].UnitID != "t3" {
		t.Errorf("added item unit: got %q", page.Records[0].Added[0].UnitID)
	}
	if page.Records[1].ID != 506 || len(page.Records[1].Removed) != 1 || page.Records[1].Removed[0].ID != "m2" {
		t.Errorf("unexpected removed record: %+v", page.Records[1])
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		status int
		check  func(error) bool
		desc   string
	}{
		{"history 404 is expired cursor", "/history", http.StatusNotFound,
			func(err error) bool { return errors.Is(err, sync.ErrCursorExpired) }, "ErrCursorExpired"},
		{"401 is auth revoked", "/history", http.StatusUnauthorized,
			func(err error) bool { return errors.Is(err, sync.ErrAuthRevoked) }, "ErrAuthRevoked"},
		{"403 is auth revoked", "/messages", http.StatusForbidden,
			func(err error) bool { return errors.Is(err, sync.ErrAuthRevoked) }, "ErrAuthRevoked"},
		{"429 is transient", "/history", http.StatusTooManyRequests, sync.IsTransient, "transient"},
		{"503 is transient", "/history", http.StatusServiceUnavailable, sync.IsTransient, "transient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: map[string]int{tt.prefix: tt.status}}
			remote := newTestRemote(t, api)

			var err error
			if tt.prefix == "/history" {
				_, err = remote.HistoryPage(context.Background(), 500, "")
			} else {
				_, _, err = remote.HeadCursor(context.Background())
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("expected %s, got %v", tt.desc, err)
			}
		})
	}
}

func TestUnit_PayloadRoundTrips(t *testing.T) {
	api := &fakeAPI{
		threads: map[string]*Thread{
			"t1": {ID: "t1", HistoryID: "500", Messages: []Message{*msg("m1", "t1", "500")}},
		},
	}
	remote := newTestRemote(t, api)

	unit, err := remote.Unit(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unit: %v", err)
	}
	parsed, err := ParseMessage(unit.Items[0].Payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if parsed.Subject != "s-m1" || parsed.Text != "hello" {
		t.Errorf("parsed: %+v", parsed)
	}
}
