package adapter

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/caesar-terminal/bookreplay/internal/archive"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports archived snapshots to a Kafka topic, one message per
// snapshot keyed by instrument so a partition sees one instrument in order.
type KafkaSink struct {
	writer KafkaWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Publish implements SnapshotSink.
func (k *KafkaSink) Publish(ctx context.Context, s archive.Snapshot) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("kafka: encode %s@%d: %w", s.Ticker, s.Timestamp, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(s.Ticker),
		Value: val,
		Time:  time.Unix(s.Timestamp, 0),
	})
}

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
