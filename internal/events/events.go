// Package events publishes fraud verdicts to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// EventFraudDetected is the event_type header of published verdicts.
const EventFraudDetected = "fraud.detected"

// VerdictEvent is the payload published after a shipment is scored.
type VerdictEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	ShipmentID int64     `json:"shipment_id"`
	Score      float64   `json:"score"`
	IsFraud    bool      `json:"is_fraud"`
	Reason     string    `json:"reason"`
	Mode       string    `json:"mode"`
	DetectedAt time.Time `json:"detected_at"`
}

// Publisher delivers verdict events.
type Publisher interface {
	Publish(ctx context.Context, e VerdictEvent) error
	Close() error
}

// Nop discards every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, VerdictEvent) error { return nil }
func (Nop) Close() error                                { return nil }

// messageWriter is the subset of *kafkago.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Kafka publishes verdicts to a Kafka topic, keyed by shipment id so all
// verdicts of a shipment land on one partition.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka creates a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafkago.RequireAll,
		},
		topic: topic,
	}
}

// Publish sends one event. A zero EventID is replaced with a new one.
func (k *Kafka) Publish(ctx context.Context, e VerdictEvent) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}

	msg, err := message(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func message(e VerdictEvent) (kafkago.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode verdict event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(e.ShipmentID, 10)),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(EventFraudDetected)},
			{Key: "event_id", Value: []byte(e.EventID.String())},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: e.DetectedAt,
	}, nil
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Kafka)(nil)
)
