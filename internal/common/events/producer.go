// Package events carries audit events over Kafka between the gateway and the
// audit persister.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

const (
	headerEventType = "event-type"
	headerSource    = "source"

	EventTypeAudit = "audit.access"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes audit events. It implements types.AuditSink.
type Producer struct {
	writer MessageWriter
	topic  string
	source string
	log    *logrus.Entry
}

func NewProducer(brokers []string, topic, source string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewProducerWithWriter(writer, topic, source)
}

func NewProducerWithWriter(writer MessageWriter, topic, source string) *Producer {
	return &Producer{
		writer: writer,
		topic:  topic,
		source: source,
		log:    logger.WithComponent("AuditProducer"),
	}
}

func (p *Producer) LogAccess(ctx context.Context, event *types.AuditEvent) error {
	if event.AuditID == "" {
		event.AuditID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.AuditID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(EventTypeAudit)},
			{Key: headerSource, Value: []byte(p.source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"audit_id":  event.AuditID,
			"operation": event.Operation,
		}).Error("failed to publish audit event")
		return err
	}

	p.log.WithFields(logrus.Fields{
		"audit_id":  event.AuditID,
		"operation": event.Operation,
		"topic":     p.topic,
	}).Debug("audit event published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
