package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/orders"
	"purchase-service/internal/stores/kafka"
)

// Producer is satisfied by *kafka.Conf.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte) error
}

// Publisher announces completed purchases so other services can react to them.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(p Producer, topic string) (*Publisher, error) {
	if p == nil {
		return nil, errors.New("producer is nil")
	}
	if topic == "" {
		topic = kafka.TopicPurchaseCompleted
	}
	return &Publisher{producer: p, topic: topic}, nil
}

func (p *Publisher) Grant(ctx context.Context, o orders.Order) error {
	completedAt := time.Now().UTC()
	if o.CompletedAt != nil {
		completedAt = o.CompletedAt.UTC()
	}
	jsonData, err := json.Marshal(kafka.PurchaseCompletedEvent{
		OrderID:     o.OrderID,
		BuyerID:     o.BuyerID,
		ItemType:    string(o.Item.Type),
		ItemID:      o.Item.ID,
		AmountPaid:  o.AmountPaid,
		Method:      o.PaymentMethod,
		CompletedAt: completedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal purchase event: %w", err)
	}
	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(o.OrderID), jsonData); err != nil {
		return fmt.Errorf("failed to publish purchase event for %s: %w", o.OrderID, err)
	}
	return nil
}
