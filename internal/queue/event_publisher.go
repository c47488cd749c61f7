package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/outbound-lead-dialer/internal/domain"
)

// EventPublisher publishes lead transitions and stats snapshots.
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// PublishLeadEvent emits a lead transition event.
func (p *EventPublisher) PublishLeadEvent(ctx context.Context, msg LeadEventMessage) error {
	if msg.EventID == uuid.Nil {
		msg.EventID = uuid.New()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	return p.publish(ctx, msg.LeadID[:], msg)
}

// PublishStats emits a campaign stats snapshot.
func (p *EventPublisher) PublishStats(ctx context.Context, stats domain.CampaignStats) error {
	msg := StatsEventMessage{
		EventID:      uuid.New(),
		Completed:    stats.Completed,
		InProgress:   stats.InProgress,
		Remaining:    stats.Remaining,
		Failed:       stats.Failed,
		TotalMinutes: stats.TotalMinutes,
		TotalCost:    stats.TotalCost,
		OccurredAt:   time.Now().UTC(),
	}
	return p.publish(ctx, msg.EventID[:], msg)
}

func (p *EventPublisher) publish(ctx context.Context, key []byte, msg any) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
