package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func submitEvent(ouid string) *SubmitOrderEvent {
	return &SubmitOrderEvent{OrderEvent: OrderEvent{
		Envelope:         NewEventEnvelope(EventSubmitOrder, "corr-1"),
		Ouid:             ouid,
		UUID:             "user-1",
		Pair:             Pair{Left: "eth", Right: "btc"},
		Direction:        Ask,
		MatchConstraint:  "GTC",
		OrderType:        "LIMIT_ORDER",
		Price:            100,
		Quantity:         10,
		RemainedQuantity: 10,
		EventDate:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
}

func TestDecodeEventDispatchesOnType(t *testing.T) {
	raw, err := json.Marshal(submitEvent("o-1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	submit, ok := ev.(*SubmitOrderEvent)
	if !ok {
		t.Fatalf("expected *SubmitOrderEvent, got %T", ev)
	}
	if submit.Pair.String() != "eth_btc" || submit.Direction != Ask || submit.Quantity != 10 {
		t.Fatalf("unexpected decode: %+v", submit)
	}
	if err := submit.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if submit.Key() != "SubmitOrderEvent:o-1" {
		t.Fatalf("unexpected key %s", submit.Key())
	}
}

func TestDecodeTradeEvent(t *testing.T) {
	trade := &TradeEvent{
		Envelope:        NewEventEnvelope(EventTrade, ""),
		TradeID:         7,
		Pair:            Pair{Left: "eth", Right: "btc"},
		TakerOuid:       "t",
		TakerUUID:       "u1",
		TakerDirection:  Bid,
		TakerPrice:      100,
		MakerOuid:       "m",
		MakerUUID:       "u2",
		MakerDirection:  Ask,
		MakerPrice:      100,
		MatchedQuantity: 5,
	}
	raw, _ := json.Marshal(trade)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Type() != EventTrade {
		t.Fatalf("expected trade, got %s", ev.Type())
	}
	keys := ev.OrderKeys()
	if len(keys) != 2 || keys[0] != "t" || keys[1] != "m" {
		t.Fatalf("unexpected order keys %v", keys)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if CorrelationID(ev) != trade.EventID {
		t.Fatalf("expected correlation fallback to event id")
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event_type":"MysteryEvent"}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestTradeValidateRejectsSameSide(t *testing.T) {
	trade := &TradeEvent{
		Envelope:        NewEventEnvelope(EventTrade, ""),
		Pair:            Pair{Left: "eth", Right: "btc"},
		TakerOuid:       "t",
		TakerUUID:       "u1",
		TakerDirection:  Bid,
		TakerPrice:      1,
		MakerOuid:       "m",
		MakerUUID:       "u2",
		MakerDirection:  Bid,
		MakerPrice:      1,
		MatchedQuantity: 1,
	}
	if err := trade.Validate(); err == nil {
		t.Fatalf("expected validation error for same direction")
	}
}

func TestSubmitMustArriveUnfilled(t *testing.T) {
	ev := submitEvent("o-1")
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	ev.RemainedQuantity = 4
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected error for a partially filled submit")
	}
	ev.RemainedQuantity = 0
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected error for a filled submit")
	}
}

func TestCreateOrderRequiresOrderID(t *testing.T) {
	ev := &CreateOrderEvent{OrderEvent: submitEvent("o-1").OrderEvent}
	ev.EventType = string(EventCreateOrder)
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected order_id error")
	}
	id := int64(42)
	ev.OrderID = &id
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTempEventRoundTrip(t *testing.T) {
	ev := submitEvent("o-9")
	tmp, err := NewTempEvent("o-9", ev)
	if err != nil {
		t.Fatalf("NewTempEvent: %v", err)
	}
	if tmp.EventKey != ev.Key() || !tmp.EventDate.Equal(ev.EventDate) {
		t.Fatalf("unexpected temp event %+v", tmp)
	}
	back, err := tmp.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.(*SubmitOrderEvent).Ouid != "o-9" {
		t.Fatalf("unexpected decoded event %+v", back)
	}
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair(" ETH_BTC ")
	if err != nil || p.Left != "eth" || p.Right != "btc" {
		t.Fatalf("unexpected pair %+v err=%v", p, err)
	}
	for _, bad := range []string{"", "eth", "_btc", "eth_", "a_b_c"} {
		if _, err := ParsePair(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
