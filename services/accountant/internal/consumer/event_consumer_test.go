package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/service"
)

type fakeHandler struct {
	err    error
	events []model.Event
}

func (f *fakeHandler) Handle(_ context.Context, ev model.Event) (service.Result, error) {
	f.events = append(f.events, ev)
	return service.Result{}, f.err
}

func submitMessage(t *testing.T, topic string) *sarama.ConsumerMessage {
	t.Helper()
	ev := &model.SubmitOrderEvent{OrderEvent: model.OrderEvent{
		Envelope:         model.NewEventEnvelope(model.EventSubmitOrder, "corr-1"),
		Ouid:             "o-1",
		UUID:             "alice",
		Pair:             model.Pair{Left: "eth", Right: "btc"},
		Direction:        model.Ask,
		Price:            100,
		Quantity:         2,
		RemainedQuantity: 2,
		EventDate:        time.Now().UTC(),
	}}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: topic, Value: raw, Key: []byte("o-1")}
}

func dlqReason(t *testing.T, err error) string {
	t.Helper()
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQ error, got %v", err)
	}
	return dlqErr.Reason
}

func TestHandleMessageDispatchesValidEvent(t *testing.T) {
	handler := &fakeHandler{}
	c := NewEventConsumer(handler, Topics{}, nil)

	if err := c.HandleMessage(context.Background(), submitMessage(t, DefaultOrdersTopic)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(handler.events) != 1 || handler.events[0].Type() != model.EventSubmitOrder {
		t.Fatalf("unexpected dispatch: %+v", handler.events)
	}
}

func TestHandleMessageRejectsBadInput(t *testing.T) {
	handler := &fakeHandler{}
	c := NewEventConsumer(handler, Topics{}, nil)

	invalid := submitMessage(t, DefaultOrdersTopic)
	var body map[string]any
	_ = json.Unmarshal(invalid.Value, &body)
	body["quantity"] = 0
	invalid.Value, _ = json.Marshal(body)

	prefilled := submitMessage(t, DefaultOrdersTopic)
	body = map[string]any{}
	_ = json.Unmarshal(prefilled.Value, &body)
	body["remained_quantity"] = 1
	prefilled.Value, _ = json.Marshal(body)

	cases := map[string]struct {
		msg    *sarama.ConsumerMessage
		reason string
	}{
		"garbage":      {&sarama.ConsumerMessage{Topic: DefaultOrdersTopic, Value: []byte("{")}, "decode"},
		"unknown type": {&sarama.ConsumerMessage{Topic: DefaultOrdersTopic, Value: []byte(`{"event_type":"Nope"}`)}, "decode"},
		"invalid":      {invalid, "invalid_event"},
		"prefilled":    {prefilled, "invalid_event"},
		"wrong topic":  {submitMessage(t, DefaultTradesTopic), "unexpected_topic"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.HandleMessage(context.Background(), tc.msg)
			if got := dlqReason(t, err); got != tc.reason {
				t.Fatalf("reason = %q, want %q", got, tc.reason)
			}
		})
	}
	if len(handler.events) != 0 {
		t.Fatalf("handler should not be called, got %d events", len(handler.events))
	}
}

func TestHandleMessageClassifiesHandlerErrors(t *testing.T) {
	handler := &fakeHandler{err: fmt.Errorf("resolve: %w", service.ErrPairConfigNotFound)}
	c := NewEventConsumer(handler, Topics{}, nil)

	err := c.HandleMessage(context.Background(), submitMessage(t, DefaultOrdersTopic))
	if got := dlqReason(t, err); got != "config" {
		t.Fatalf("reason = %q, want config", got)
	}

	transient := errors.New("connection reset")
	handler.err = transient
	err = c.HandleMessage(context.Background(), submitMessage(t, DefaultOrdersTopic))
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) || !errors.Is(err, transient) {
		t.Fatalf("transient errors must be retried, got %v", err)
	}
}

func TestSharedTopicAcceptsTrades(t *testing.T) {
	c := NewEventConsumer(&fakeHandler{}, Topics{Orders: "engine", Trades: "engine"}, nil)
	if topics := c.Topics(); len(topics) != 1 || topics[0] != "engine" {
		t.Fatalf("unexpected topics %v", topics)
	}
	if _, ok := c.routes["engine"][model.EventTrade]; !ok {
		t.Fatalf("trade events should be routed on the shared topic")
	}
}
