package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

const publishTimeout = 30 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON, keyed by work item ID so that all events
// of one item land on one partition.
type Kafka struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) (*Kafka, error) {
	logger.Info("Creating Kafka provenance reporter",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return &Kafka{writer: writer, topic: topic, logger: logger}, nil
}

func (k *Kafka) Report(ctx context.Context, ev types.ProvenanceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.WorkItemID),
		Value: data,
		Time:  ev.Timestamp,
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("Failed to publish provenance event",
			zap.Error(err),
			zap.String("work_item_id", ev.WorkItemID),
			zap.Duration("duration", time.Since(start)))
		return err
	}
	k.logger.Debug("Provenance event published",
		zap.String("topic", k.topic),
		zap.String("work_item_id", ev.WorkItemID),
		zap.Int("message_size", len(data)))
	return nil
}

func (k *Kafka) Close() error {
	k.logger.Info("Closing Kafka provenance reporter")
	return k.writer.Close()
}
