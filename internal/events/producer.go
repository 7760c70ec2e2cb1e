// Package events publishes item match notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MatchFoundType is the event type of MatchFound messages.
const MatchFoundType = "item.match_found"

// MatchFound announces that a newly registered item scored as a likely match
// against an existing one.
type MatchFound struct {
	EventID         string    `json:"eventId"`
	Type            string    `json:"type"`
	OccurredAt      time.Time `json:"occurredAt"`
	ItemID          string    `json:"itemId"`
	ItemOwnerID     string    `json:"itemOwnerId"`
	MatchedItemID   string    `json:"matchedItemId"`
	MatchedOwnerID  string    `json:"matchedOwnerId"`
	SimilarityScore float64   `json:"similarityScore"`
}

// NewMatchFound fills in the envelope fields of a MatchFound event.
func NewMatchFound(itemID, itemOwnerID, matchedItemID, matchedOwnerID string, score float64) MatchFound {
	return MatchFound{
		EventID:         uuid.NewString(),
		Type:            MatchFoundType,
		OccurredAt:      time.Now().UTC(),
		ItemID:          itemID,
		ItemOwnerID:     itemOwnerID,
		MatchedItemID:   matchedItemID,
		MatchedOwnerID:  matchedOwnerID,
		SimilarityScore: score,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes MatchFound events keyed by the matched item so both sides
// of a pair land on the same partition.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

// NewProducer creates a producer for topic on brokers. Writes are
// asynchronous; delivery failures are logged from the completion callback and
// Close flushes what is still buffered.
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	logger = logger.Named("match_producer")
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              10,
		BatchTimeout:           500 * time.Millisecond,
		Async:                  true,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka producer error", zap.Error(err), zap.Int("messages", len(messages)))
			}
		},
	}
	return &Producer{writer: writer, logger: logger}
}

// PublishMatches enqueues one message per event and returns without waiting
// for the broker.
func (p *Producer) PublishMatches(ctx context.Context, events []MatchFound) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := buildMessage(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close flushes pending messages.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func buildMessage(ev MatchFound) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.MatchedItemID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

// PublishMatches implements the publisher contract and does nothing.
func (NopPublisher) PublishMatches(context.Context, []MatchFound) error { return nil }
