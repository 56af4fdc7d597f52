package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka-backed queue
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaQueue distributes job ids over a Kafka topic. Workers in the same
// consumer group share the topic; a single-partition topic keeps FIFO order
// across instances.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaQueue creates the writer and group reader
func NewKafkaQueue(cfg KafkaConfig, logger *zap.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka queue requires brokers and a topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})

	logger.Info("Kafka job queue configured",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID))

	return &KafkaQueue{writer: writer, reader: reader, logger: logger}, nil
}

// Enqueue publishes a job id
func (q *KafkaQueue) Enqueue(ctx context.Context, jobID string) error {
	err := q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(jobID),
		Value: []byte(jobID),
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Dequeue fetches the next job id and commits its offset. Redelivered ids
// are harmless because only pending jobs are executed.
func (q *KafkaQueue) Dequeue(ctx context.Context) (string, error) {
	msg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		return "", err
	}
	if err := q.reader.CommitMessages(ctx, msg); err != nil {
		q.logger.Warn("Failed to commit job offset",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
	return string(msg.Value), nil
}

// Close closes the writer and the reader
func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}
