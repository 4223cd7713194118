package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

const (
	DefaultRichOrdersTopic = "accountant.rich_orders"
	DefaultRichTradesTopic = "accountant.rich_trades"
)

type Topics struct {
	RichOrders string
	RichTrades string
}

// ProjectionPublisher writes rich order and trade views to Kafka. Event ids are
// derived from each projection's identity, so a republished view keeps its id.
type ProjectionPublisher struct {
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
}

func NewProjectionPublisher(producer kafka.Publisher, topics Topics, logger *slog.Logger) *ProjectionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topics.RichOrders == "" {
		topics.RichOrders = DefaultRichOrdersTopic
	}
	if topics.RichTrades == "" {
		topics.RichTrades = DefaultRichTradesTopic
	}
	return &ProjectionPublisher{
		producer: producer,
		topics:   topics,
		logger:   logger,
	}
}

func (p *ProjectionPublisher) PublishProjections(ctx context.Context, correlationID string, projections []model.Projection) error {
	if p.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	var errs []error
	for _, pr := range projections {
		eventID := kafka.DeterministicEventID(pr.IdentityParts()...)
		env, err := kafka.NewEnvelopeWithID(eventID, pr.ProjectionType(), 1, correlationID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pr.SetEnvelope(env)
		topic := p.topicFor(pr)
		if _, _, err := p.producer.PublishJSON(ctx, topic, pr.PartitionKey(), pr); err != nil {
			p.logger.Warn("publish projection failed", "topic", topic, "event_id", eventID, "error", err)
			errs = append(errs, fmt.Errorf("publish %s: %w", pr.ProjectionType(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *ProjectionPublisher) topicFor(pr model.Projection) string {
	if pr.ProjectionType() == model.RichTradeEventType {
		return p.topics.RichTrades
	}
	return p.topics.RichOrders
}
