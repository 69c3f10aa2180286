// Package events publishes pairing lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairing-widget/internal/model"
)

// Publisher is satisfied by every publisher in this package.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Producer is the subset of client.KafkaProducer used here.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaPublisher writes events as JSON keyed by widget id, so one widget's
// events stay ordered on a partition.
type KafkaPublisher struct {
	producer Producer
	source   string
	logger   *zap.Logger
}

func NewKafkaPublisher(producer Producer, source string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, source: source, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e model.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := e.WidgetID
	if key == "" {
		key = e.ID
	}
	headers := map[string]string{
		"event_type": e.Type,
		"source":     p.source,
	}
	if err := p.producer.ProduceMessage(ctx, []byte(key), value, headers); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, model.Event) error { return nil }
