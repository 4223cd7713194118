package service

import (
	"context"
	"log/slog"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

type BufferStore interface {
	FetchTempEvents(ctx context.Context, offset, size int) ([]model.TempEvent, error)
	LoadTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error)
	DrainTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error)
}

// PendingBuffer exposes the events parked until their order exists.
type PendingBuffer struct {
	store  BufferStore
	logger *slog.Logger
}

func NewPendingBuffer(store BufferStore, logger *slog.Logger) *PendingBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingBuffer{store: store, logger: logger}
}

func (b *PendingBuffer) List(ctx context.Context, offset, size int) ([]model.TempEvent, error) {
	return b.store.FetchTempEvents(ctx, offset, size)
}

func (b *PendingBuffer) Load(ctx context.Context, ouid string) ([]model.TempEvent, error) {
	return b.store.LoadTempEvents(ctx, ouid)
}

// DrainAndRemove deletes everything buffered under ouid and returns it in
// arrival order. Rows that no longer decode are logged and skipped.
func (b *PendingBuffer) DrainAndRemove(ctx context.Context, ouid string) ([]model.Event, error) {
	temps, err := b.store.DrainTempEvents(ctx, ouid)
	if err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(temps))
	for _, tmp := range temps {
		ev, err := tmp.Decode()
		if err != nil {
			b.logger.Warn("drained undecodable event", "ouid", ouid, "id", tmp.ID, "event_type", tmp.EventType, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
