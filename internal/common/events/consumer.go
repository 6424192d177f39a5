package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const maxBackoff = 30 * time.Second

type AuditHandler func(ctx context.Context, event *types.AuditEvent) error

type Consumer struct {
	reader  MessageReader
	log     *logrus.Entry
	backoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader)
}

func NewConsumerWithReader(reader MessageReader) *Consumer {
	return &Consumer{
		reader:  reader,
		log:     logger.WithComponent("AuditConsumer"),
		backoff: time.Second,
	}
}

// Consume hands every audit event to handler until ctx is cancelled.
// Malformed messages are committed and skipped. A message whose handler fails
// is retried with backoff before the next one is fetched, since a later
// commit would move the group offset past it.
func (c *Consumer) Consume(ctx context.Context, handler AuditHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.log.WithError(err).Error("failed to fetch message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
			continue
		}

		if eventType := header(message, headerEventType); eventType != "" && eventType != EventTypeAudit {
			c.log.WithField("event_type", eventType).Debug("skipping non-audit event")
			c.commit(ctx, message)
			continue
		}

		var event types.AuditEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			c.log.WithError(err).WithField("offset", message.Offset).Error("failed to unmarshal audit event")
			c.commit(ctx, message)
			continue
		}

		if err := c.handle(ctx, handler, &event); err != nil {
			return err
		}

		c.commit(ctx, message)
	}
}

// handle runs handler until it succeeds. It only fails when ctx is done.
func (c *Consumer) handle(ctx context.Context, handler AuditHandler, event *types.AuditEvent) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			return nil
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"audit_id": event.AuditID,
			"attempt":  attempt,
		}).Error("failed to process audit event, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		c.log.WithError(err).Error("failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func header(message kafka.Message, key string) string {
	for _, h := range message.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
