package export

import (
	"context"
	"errors"
	"testing"
)

// fakePublisher records published records.
type fakePublisher struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
	closed  bool
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.key = key
	f.value = value
	f.headers = headers
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestDLQSend(t *testing.T) {
	pub := &fakePublisher{}
	dlq, err := NewDLQ(pub, "knowd-dlq")
	if err != nil {
		t.Fatalf("new dlq: %v", err)
	}

	info := FailureInfo{Sink: "webhook", Source: "mailbox", ErrorMessage: "http status 500"}
	if err := dlq.Send(context.Background(), []byte("m1"), []byte(`{"x":1}`), info); err != nil {
		t.Fatalf("send: %v", err)
	}

	if pub.topic != "knowd-dlq" {
		t.Errorf("topic: got %q", pub.topic)
	}
	if string(pub.key) != "m1" || string(pub.value) != `{"x":1}` {
		t.Errorf("record: key=%q value=%q", pub.key, pub.value)
	}
	if pub.headers["knowd-failed-sink"] != "webhook" {
		t.Errorf("headers: %v", pub.headers)
	}
	if pub.headers["knowd-error-message"] != "http status 500" {
		t.Errorf("headers: %v", pub.headers)
	}
	if pub.headers["knowd-failed-at"] == "" {
		t.Error("failed-at header missing")
	}
}

func TestDLQSend_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	dlq, err := NewDLQ(pub, "knowd-dlq")
	if err != nil {
		t.Fatalf("new dlq: %v", err)
	}
	if err := dlq.Send(context.Background(), nil, nil, FailureInfo{}); err == nil {
		t.Error("expected publish error")
	}
}

func TestNewDLQ_RequiresTopic(t *testing.T) {
	if _, err := NewDLQ(&fakePublisher{}, ""); err == nil {
		t.Error("expected error for missing topic")
	}
}

func TestDLQClose(t *testing.T) {
	pub := &fakePublisher{}
	dlq, err := NewDLQ(pub, "t")
	if err != nil {
		t.Fatalf("new dlq: %v", err)
	}
	if err := dlq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pub.closed {
		t.Error("publisher not closed")
	}
}

func TestKafkaSink_Deliver(t *testing.T) {
	pub := &fakePublisher{}
	s := &KafkaSink{publisher: pub, topic: "events", logger: quietLogger()}

	if err := s.Deliver(context.Background(), []byte("payload"), nil); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.topic != "events" || string(pub.value) != "payload" {
		t.Errorf("record: topic=%q value=%q", pub.topic, pub.value)
	}
	if pub.headers["knowd-correlation-id"] == "" {
		t.Error("correlation header missing")
	}
}

func TestKafkaSink_DeliverError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("produce failed")}
	s := &KafkaSink{publisher: pub, topic: "events", logger: quietLogger()}

	if err := s.Deliver(context.Background(), []byte("x"), nil); err == nil {
		t.Error("expected delivery error")
	}
}
