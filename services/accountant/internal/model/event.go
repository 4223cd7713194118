package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opexdev/backoffice/libs/kafka"
)

// EventType is the discriminant carried in every envelope's event_type field.
type EventType string

const (
	EventSubmitOrder  EventType = "SubmitOrderEvent"
	EventCreateOrder  EventType = "CreateOrderEvent"
	EventRejectOrder  EventType = "RejectOrderEvent"
	EventCancelOrder  EventType = "CancelOrderEvent"
	EventUpdatedOrder EventType = "UpdatedOrderEvent"
	EventTrade        EventType = "TradeEvent"
)

const eventVersion = 1

var ErrUnknownEventType = errors.New("unknown event type")

// Event is the closed set of inbound matching-engine events.
type Event interface {
	Type() EventType
	// Key identifies the logical event independent of its envelope id, so
	// redeliveries collapse onto the same key.
	Key() string
	// OrderKeys lists every ouid the event touches.
	OrderKeys() []string
	Date() time.Time
	Validate() error
	Detail() map[string]string
	envelope() kafka.Envelope
}

// OrderEvent carries the fields shared by all order lifecycle events.
type OrderEvent struct {
	kafka.Envelope
	Ouid             string    `json:"ouid"`
	UUID             string    `json:"uuid"`
	OrderID          *int64    `json:"order_id,omitempty"`
	Pair             Pair      `json:"pair"`
	Direction        Direction `json:"direction"`
	MatchConstraint  string    `json:"match_constraint"`
	OrderType        string    `json:"order_type"`
	Price            int64     `json:"price"`
	Quantity         int64     `json:"quantity"`
	RemainedQuantity int64     `json:"remained_quantity"`
	EventDate        time.Time `json:"event_date"`
}

func (e *OrderEvent) OrderKeys() []string { return []string{e.Ouid} }

func (e *OrderEvent) Date() time.Time {
	if !e.EventDate.IsZero() {
		return e.EventDate
	}
	return e.Timestamp
}

func (e *OrderEvent) envelope() kafka.Envelope { return e.Envelope }

func (e *OrderEvent) Detail() map[string]string {
	d := map[string]string{
		"ouid":              e.Ouid,
		"uuid":              e.UUID,
		"pair":              e.Pair.String(),
		"direction":         string(e.Direction),
		"price":             strconv.FormatInt(e.Price, 10),
		"quantity":          strconv.FormatInt(e.Quantity, 10),
		"remained_quantity": strconv.FormatInt(e.RemainedQuantity, 10),
		"event_date":        e.Date().UTC().Format(time.RFC3339Nano),
	}
	if e.OrderID != nil {
		d["order_id"] = strconv.FormatInt(*e.OrderID, 10)
	}
	return d
}

func (e *OrderEvent) validate(expected EventType) error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if EventType(e.EventType) != expected {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Ouid) == "" {
		return fmt.Errorf("ouid is required")
	}
	if strings.TrimSpace(e.UUID) == "" {
		return fmt.Errorf("uuid is required")
	}
	if e.Pair.IsZero() {
		return fmt.Errorf("pair is required")
	}
	if !e.Direction.Valid() {
		return fmt.Errorf("direction must be BID or ASK")
	}
	if e.Quantity < 0 || e.RemainedQuantity < 0 || e.Price < 0 {
		return fmt.Errorf("price and quantities must not be negative")
	}
	if e.RemainedQuantity > e.Quantity {
		return fmt.Errorf("remained_quantity exceeds quantity")
	}
	return nil
}

type SubmitOrderEvent struct {
	OrderEvent
	UserLevel string `json:"user_level,omitempty"`
}

func (e *SubmitOrderEvent) Type() EventType { return EventSubmitOrder }
func (e *SubmitOrderEvent) Key() string     { return orderKey(EventSubmitOrder, e.Ouid) }

func (e *SubmitOrderEvent) Validate() error {
	if err := e.validate(EventSubmitOrder); err != nil {
		return err
	}
	if e.Quantity <= 0 || e.Price <= 0 {
		return fmt.Errorf("price and quantity must be positive")
	}
	// The reservation covers the whole quantity, so a submit must arrive unfilled.
	if e.RemainedQuantity != e.Quantity {
		return fmt.Errorf("remained_quantity %d must equal quantity %d on submit", e.RemainedQuantity, e.Quantity)
	}
	return nil
}

// CreateOrderEvent is the engine's acceptance of an order; it assigns OrderID.
type CreateOrderEvent struct {
	OrderEvent
}

func (e *CreateOrderEvent) Type() EventType { return EventCreateOrder }
func (e *CreateOrderEvent) Key() string     { return orderKey(EventCreateOrder, e.Ouid) }

func (e *CreateOrderEvent) Validate() error {
	if err := e.validate(EventCreateOrder); err != nil {
		return err
	}
	if e.OrderID == nil {
		return fmt.Errorf("order_id is required")
	}
	return nil
}

type RejectOrderEvent struct {
	OrderEvent
	Reason string `json:"reason,omitempty"`
}

func (e *RejectOrderEvent) Type() EventType { return EventRejectOrder }
func (e *RejectOrderEvent) Key() string     { return orderKey(EventRejectOrder, e.Ouid) }
func (e *RejectOrderEvent) Validate() error { return e.validate(EventRejectOrder) }

type CancelOrderEvent struct {
	OrderEvent
}

func (e *CancelOrderEvent) Type() EventType { return EventCancelOrder }
func (e *CancelOrderEvent) Key() string     { return orderKey(EventCancelOrder, e.Ouid) }
func (e *CancelOrderEvent) Validate() error { return e.validate(EventCancelOrder) }

type UpdatedOrderEvent struct {
	OrderEvent
	NewPrice    int64 `json:"new_price"`
	NewQuantity int64 `json:"new_quantity"`
}

func (e *UpdatedOrderEvent) Type() EventType { return EventUpdatedOrder }

func (e *UpdatedOrderEvent) Key() string {
	return orderKey(EventUpdatedOrder, e.Ouid) + ":" + e.EventID
}

func (e *UpdatedOrderEvent) Validate() error { return e.validate(EventUpdatedOrder) }

// TradeEvent is one match between a taker and a resting maker order.
type TradeEvent struct {
	kafka.Envelope
	TradeID               int64     `json:"trade_id"`
	Pair                  Pair      `json:"pair"`
	TakerOuid             string    `json:"taker_ouid"`
	TakerUUID             string    `json:"taker_uuid"`
	TakerOrderID          int64     `json:"taker_order_id"`
	TakerDirection        Direction `json:"taker_direction"`
	TakerPrice            int64     `json:"taker_price"`
	TakerRemainedQuantity int64     `json:"taker_remained_quantity"`
	MakerOuid             string    `json:"maker_ouid"`
	MakerUUID             string    `json:"maker_uuid"`
	MakerOrderID          int64     `json:"maker_order_id"`
	MakerDirection        Direction `json:"maker_direction"`
	MakerPrice            int64     `json:"maker_price"`
	MakerRemainedQuantity int64     `json:"maker_remained_quantity"`
	MatchedQuantity       int64     `json:"matched_quantity"`
	EventDate             time.Time `json:"event_date"`
}

func (e *TradeEvent) Type() EventType { return EventTrade }

func (e *TradeEvent) Key() string {
	return string(EventTrade) + ":" + e.TakerOuid + ":" + e.MakerOuid + ":" + strconv.FormatInt(e.TradeID, 10)
}

func (e *TradeEvent) OrderKeys() []string { return []string{e.TakerOuid, e.MakerOuid} }

func (e *TradeEvent) Date() time.Time {
	if !e.EventDate.IsZero() {
		return e.EventDate
	}
	return e.Timestamp
}

func (e *TradeEvent) envelope() kafka.Envelope { return e.Envelope }

func (e *TradeEvent) Detail() map[string]string {
	return map[string]string{
		"trade_id":                strconv.FormatInt(e.TradeID, 10),
		"pair":                    e.Pair.String(),
		"taker_ouid":              e.TakerOuid,
		"taker_uuid":              e.TakerUUID,
		"taker_order_id":          strconv.FormatInt(e.TakerOrderID, 10),
		"taker_direction":         string(e.TakerDirection),
		"taker_price":             strconv.FormatInt(e.TakerPrice, 10),
		"taker_remained_quantity": strconv.FormatInt(e.TakerRemainedQuantity, 10),
		"maker_ouid":              e.MakerOuid,
		"maker_uuid":              e.MakerUUID,
		"maker_order_id":          strconv.FormatInt(e.MakerOrderID, 10),
		"maker_direction":         string(e.MakerDirection),
		"maker_price":             strconv.FormatInt(e.MakerPrice, 10),
		"maker_remained_quantity": strconv.FormatInt(e.MakerRemainedQuantity, 10),
		"matched_quantity":        strconv.FormatInt(e.MatchedQuantity, 10),
		"event_date":              e.Date().UTC().Format(time.RFC3339Nano),
	}
}

func (e *TradeEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if EventType(e.EventType) != EventTrade {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if e.Pair.IsZero() {
		return fmt.Errorf("pair is required")
	}
	if strings.TrimSpace(e.TakerOuid) == "" || strings.TrimSpace(e.MakerOuid) == "" {
		return fmt.Errorf("taker_ouid and maker_ouid are required")
	}
	if e.TakerOuid == e.MakerOuid {
		return fmt.Errorf("taker and maker must differ")
	}
	if strings.TrimSpace(e.TakerUUID) == "" || strings.TrimSpace(e.MakerUUID) == "" {
		return fmt.Errorf("taker_uuid and maker_uuid are required")
	}
	if !e.TakerDirection.Valid() || !e.MakerDirection.Valid() || e.TakerDirection == e.MakerDirection {
		return fmt.Errorf("taker and maker directions must be opposite")
	}
	if e.MatchedQuantity <= 0 {
		return fmt.Errorf("matched_quantity must be positive")
	}
	if e.MakerPrice <= 0 || e.TakerPrice <= 0 {
		return fmt.Errorf("prices must be positive")
	}
	if e.TakerRemainedQuantity < 0 || e.MakerRemainedQuantity < 0 {
		return fmt.Errorf("remained quantities must not be negative")
	}
	return nil
}

func orderKey(t EventType, ouid string) string {
	return string(t) + ":" + ouid
}

// NewEvent returns an empty event for a discriminant.
func NewEvent(t EventType) (Event, error) {
	switch t {
	case EventSubmitOrder:
		return &SubmitOrderEvent{}, nil
	case EventCreateOrder:
		return &CreateOrderEvent{}, nil
	case EventRejectOrder:
		return &RejectOrderEvent{}, nil
	case EventCancelOrder:
		return &CancelOrderEvent{}, nil
	case EventUpdatedOrder:
		return &UpdatedOrderEvent{}, nil
	case EventTrade:
		return &TradeEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

// DecodeEvent reads the discriminant and decodes into the matching concrete type.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		EventType EventType `json:"event_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	ev, err := NewEvent(probe.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.EventType, err)
	}
	return ev, nil
}

// NewEventEnvelope builds a version 1 envelope for t.
func NewEventEnvelope(t EventType, correlationID string) kafka.Envelope {
	env, _ := kafka.NewEnvelope(string(t), eventVersion, correlationID)
	return env
}

// CorrelationID returns the envelope correlation id, falling back to the event id.
func CorrelationID(ev Event) string {
	env := ev.envelope()
	if strings.TrimSpace(env.CorrelationID) != "" {
		return env.CorrelationID
	}
	return env.EventID
}
