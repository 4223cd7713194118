package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TempEvent is an event parked until the order it depends on exists.
// (Ouid, EventKey) is unique, so re-buffering the same event is a no-op.
// Replay follows ID, the arrival order. EventDate is informational.
type TempEvent struct {
	ID        int64           `json:"id"`
	Ouid      string          `json:"ouid"`
	EventKey  string          `json:"event_key"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EventDate time.Time       `json:"event_date"`
}

func NewTempEvent(ouid string, ev Event) (TempEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return TempEvent{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return TempEvent{
		Ouid:      ouid,
		EventKey:  ev.Key(),
		EventType: ev.Type(),
		Payload:   payload,
		EventDate: ev.Date().UTC(),
	}, nil
}

// Decode restores the concrete event from the stored payload.
func (t TempEvent) Decode() (Event, error) {
	ev, err := NewEvent(t.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(t.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode temp event %d: %w", t.ID, err)
	}
	return ev, nil
}
