/*
Package notify delivers ledger notifications.

IMPLEMENTATIONS:
  Log:   Writes the notification as a structured log entry
  Kafka: Publishes a JSON message keyed by recipient for a mailer to consume
  Multi: Fans out to several notifiers and joins their errors

All implement credits.Notifier. The engine logs and swallows delivery
errors, so these return them as is.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/warp/credit-ledger/logging"
)

// Message is the payload published for every notification.
type Message struct {
	RecipientID int64          `json:"recipient_id"`
	Kind        string         `json:"kind"`
	Args        map[string]any `json:"args,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

// =============================================================================
// LOG
// =============================================================================

// Log writes notifications to the structured log.
type Log struct {
	Logger *logging.Logger
}

func (n Log) Notify(ctx context.Context, recipientID int64, kind string, args map[string]any) error {
	ctx = n.Logger.WithFields(ctx, map[string]any{
		"recipient_id": recipientID,
		"kind":         kind,
		"args":         args,
	})
	n.Logger.Info(ctx, "notification")
	return nil
}

// =============================================================================
// KAFKA
// =============================================================================

// Kafka publishes notifications to a topic.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	clock    func() time.Time
}

// NewKafka wraps an existing producer.
func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic, clock: time.Now}
}

// NewKafkaProducer connects a synchronous producer that waits for every
// in-sync replica.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func (k *Kafka) Notify(_ context.Context, recipientID int64, kind string, args map[string]any) error {
	payload, err := json.Marshal(Message{
		RecipientID: recipientID,
		Kind:        kind,
		Args:        args,
		SentAt:      k.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(recipientID, 10)),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s notification: %w", kind, err)
	}
	return nil
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}

// =============================================================================
// MULTI
// =============================================================================

// Notifier matches credits.Notifier.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, kind string, args map[string]any) error
}

// Multi delivers to every notifier, even when some fail.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, recipientID int64, kind string, args map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipientID, kind, args); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
