package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageReader is the subset of *kafka.Reader the listener uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventListenerConfig configures the catalog change consumer
type EventListenerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Debounce time.Duration
}

// EventListener consumes product change events and requests a catalog refresh.
// Message payloads are not inspected; any change means the catalog must be re-read.
type EventListener struct {
	reader   messageReader
	topic    string
	debounce time.Duration
	onChange func(reason string)
	logger   *slog.Logger
}

// NewEventListener creates a consumer group reader for the topic
func NewEventListener(cfg EventListenerConfig, onChange func(reason string), logger *slog.Logger) (*EventListener, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("brokers and topic are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})

	return newEventListener(reader, cfg.Topic, cfg.Debounce, onChange, logger), nil
}

func newEventListener(reader messageReader, topic string, debounce time.Duration, onChange func(string), logger *slog.Logger) *EventListener {
	return &EventListener{
		reader:   reader,
		topic:    topic,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "catalog_events", "topic", topic),
	}
}

// Run consumes until ctx is cancelled and closes the reader on return
func (l *EventListener) Run(ctx context.Context) error {
	defer l.reader.Close()

	d := newDebouncer(l.debounce, func() { l.onChange("catalog change event") })
	defer d.stop()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			l.logger.Warn("fetch message failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		l.logger.Debug("catalog change event", "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		d.trigger()

		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.logger.Warn("commit message failed", "offset", msg.Offset, "error", err)
		}
	}
}
