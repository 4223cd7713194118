package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/service"
)

const (
	DefaultOrdersTopic = "accountant.orders"
	DefaultTradesTopic = "accountant.trades"
)

type Handler interface {
	Handle(ctx context.Context, ev model.Event) (service.Result, error)
}

type Topics struct {
	Orders string
	Trades string
}

// EventConsumer decodes matching-engine events and hands them to the
// accountant. Which event types each topic may carry is fixed at construction.
type EventConsumer struct {
	handler Handler
	routes  map[string]map[model.EventType]struct{}
	logger  *slog.Logger
}

func NewEventConsumer(handler Handler, topics Topics, logger *slog.Logger) *EventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if topics.Orders == "" {
		topics.Orders = DefaultOrdersTopic
	}
	if topics.Trades == "" {
		topics.Trades = DefaultTradesTopic
	}
	routes := map[string]map[model.EventType]struct{}{
		topics.Orders: {
			model.EventSubmitOrder:  {},
			model.EventCreateOrder:  {},
			model.EventRejectOrder:  {},
			model.EventCancelOrder:  {},
			model.EventUpdatedOrder: {},
		},
	}
	if topics.Trades == topics.Orders {
		routes[topics.Orders][model.EventTrade] = struct{}{}
	} else {
		routes[topics.Trades] = map[model.EventType]struct{}{model.EventTrade: {}}
	}
	return &EventConsumer{
		handler: handler,
		routes:  routes,
		logger:  logger,
	}
}

// Topics lists every topic the consumer accepts.
func (c *EventConsumer) Topics() []string {
	out := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		out = append(out, topic)
	}
	return out
}

func (c *EventConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	ev, err := model.DecodeEvent(msg.Value)
	if err != nil {
		return kafka.DLQ(err, "decode")
	}
	if err := ev.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	allowed, ok := c.routes[msg.Topic]
	if !ok {
		return kafka.DLQ(fmt.Errorf("topic %s is not consumed", msg.Topic), "unexpected_topic")
	}
	if _, ok := allowed[ev.Type()]; !ok {
		return kafka.DLQ(fmt.Errorf("%s on topic %s", ev.Type(), msg.Topic), "unexpected_topic")
	}

	res, err := c.handler.Handle(ctx, ev)
	if err != nil {
		if reason := service.DLQReason(err); reason != "" {
			return kafka.DLQ(err, reason)
		}
		return err
	}
	c.logger.Debug("event handled",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", ev.Type(),
		"event_key", ev.Key(),
		"actions", len(res.Actions),
		"finalized", len(res.Finalized),
		"buffered", res.Buffered,
		"duplicate", res.Duplicate,
		"replayed", res.Replayed,
	)
	return nil
}
