package service

import (
	"context"
	"fmt"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
)

// Effects collects what a handler produced besides ledger rows. It is only
// acted on after the transaction commits.
type Effects struct {
	Projections []model.Projection
	// Buffered lists the ouids the event was parked under.
	Buffered []string
}

func (fx *Effects) project(p model.Projection) {
	fx.Projections = append(fx.Projections, p)
}

// bufferEvent parks ev under ouid until that order exists.
func bufferEvent(ctx context.Context, tx storage.Tx, ouid string, ev model.Event, fx *Effects) error {
	tmp, err := model.NewTempEvent(ouid, ev)
	if err != nil {
		return err
	}
	if _, err := tx.SaveTempEvent(ctx, tmp); err != nil {
		return fmt.Errorf("buffer %s for %s: %w", ev.Type(), ouid, err)
	}
	fx.Buffered = append(fx.Buffered, ouid)
	return nil
}
