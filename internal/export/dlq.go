package export

import (
	"context"
	"fmt"
	"time"
)

// FailureInfo carries metadata about why a delivery failed.
type FailureInfo struct {
	Sink         string
	Source       string
	ErrorMessage string
}

// DLQ publishes failed events to a dead letter topic.
type DLQ struct {
	publisher publisher
	topic     string
}

// NewDLQ creates a dead letter handler publishing to topic.
func NewDLQ(pub publisher, topic string) (*DLQ, error) {
	if topic == "" {
		return nil, fmt.Errorf("dead letter topic is required")
	}
	return &DLQ{publisher: pub, topic: topic}, nil
}

var _ DeadLetter = (*DLQ)(nil)

// Send publishes the failed event with failure metadata in headers.
func (d *DLQ) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	headers := map[string]string{
		"knowd-failed-sink":   info.Sink,
		"knowd-source":        info.Source,
		"knowd-error-message": info.ErrorMessage,
		"knowd-failed-at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.publisher.Publish(ctx, d.topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", d.topic, err)
	}
	return nil
}

// Close releases the underlying publisher.
func (d *DLQ) Close() error {
	return d.publisher.Close()
}

// NoopDeadLetter discards failed events. It is the Exporter's default when
// WithDeadLetter is not configured.
type NoopDeadLetter struct{}

func (NoopDeadLetter) Send(context.Context, []byte, []byte, FailureInfo) error { return nil }
func (NoopDeadLetter) Close() error                                            { return nil }
