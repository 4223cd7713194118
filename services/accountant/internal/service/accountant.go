package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opexdev/backoffice/libs/trace"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "accountant"

type Store interface {
	InTx(ctx context.Context, keys []string, fn func(storage.Tx) error) error
	GetOrder(ctx context.Context, ouid string) (*model.Order, error)
	HasTempEvents(ctx context.Context, ouid string) (bool, error)
	LoadTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error)
	FetchTempEvents(ctx context.Context, offset, size int) ([]model.TempEvent, error)
	RemoveTempEvents(ctx context.Context, ids []int64) error
}

// ProjectionSink receives read-model projections once their transaction has committed.
type ProjectionSink interface {
	PublishProjections(ctx context.Context, correlationID string, projections []model.Projection) error
}

// Result summarizes what one Handle call did.
type Result struct {
	Actions   []model.FinancialAction
	Finalized []model.FinancialAction
	Buffered  bool
	Duplicate bool
	// Replayed counts buffered events applied before or after the event itself.
	Replayed int
}

// Accountant routes order and trade events to their managers, one transaction
// per event, and replays buffered events once their orders exist.
type Accountant struct {
	store   Store
	orders  *OrderManager
	trades  *TradeManager
	sink    ProjectionSink
	logger  *slog.Logger
	metrics *Metrics
}

func NewAccountant(store Store, orders *OrderManager, trades *TradeManager, sink ProjectionSink, logger *slog.Logger, metrics *Metrics) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		store:   store,
		orders:  orders,
		trades:  trades,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

func (a *Accountant) Handle(ctx context.Context, ev model.Event) (Result, error) {
	ctx, span := trace.Start(ctx, tracerName, "accountant.handle", oteltrace.WithAttributes(
		attribute.String("event.type", string(ev.Type())),
		attribute.String("event.key", ev.Key()),
	))
	defer span.End()

	start := time.Now()
	var res Result
	if ev.Type() != model.EventSubmitOrder {
		for _, ouid := range ev.OrderKeys() {
			n, err := a.replayIfReady(ctx, ouid)
			res.Replayed += n
			if err != nil {
				a.metrics.observeEvent(string(ev.Type()), "error", time.Since(start))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}
		}
	}

	applied, fx, err := a.apply(ctx, ev, nil)
	if err != nil {
		outcome := "error"
		if IsPermanent(err) {
			outcome = "rejected"
		}
		a.metrics.observeEvent(string(ev.Type()), outcome, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	applied.Replayed = res.Replayed
	res = applied
	a.publish(ctx, model.CorrelationID(ev), fx.Projections)

	if ev.Type() == model.EventSubmitOrder {
		for _, ouid := range ev.OrderKeys() {
			n, err := a.ReplayPending(ctx, ouid)
			res.Replayed += n
			if err != nil {
				// The sweep picks these up later.
				a.logger.Warn("replay after submit failed", "ouid", ouid, "error", err)
			}
		}
	}

	a.metrics.observeEvent(string(ev.Type()), outcomeOf(res), time.Since(start))
	return res, nil
}

func outcomeOf(res Result) string {
	switch {
	case res.Buffered:
		return "buffered"
	case res.Duplicate:
		return "duplicate"
	default:
		return "applied"
	}
}

// claimFunc runs first inside the transaction. Returning false skips the event.
type claimFunc func(ctx context.Context, tx storage.Tx) (bool, error)

func (a *Accountant) apply(ctx context.Context, ev model.Event, claim claimFunc) (Result, *Effects, error) {
	var (
		res     Result
		fx      *Effects
		skipped bool
	)
	err := a.store.InTx(ctx, ev.OrderKeys(), func(tx storage.Tx) error {
		res, fx, skipped = Result{}, &Effects{}, false
		if claim != nil {
			ok, err := claim(ctx, tx)
			if err != nil {
				return err
			}
			if !ok {
				skipped = true
				return nil
			}
		}
		return a.dispatch(ctx, tx, ev, &res, fx)
	})
	if err != nil {
		return Result{}, nil, err
	}
	if skipped {
		res.Duplicate = true
		return res, fx, nil
	}
	a.metrics.addActions(res.Actions)
	a.metrics.addActions(res.Finalized)
	return res, fx, nil
}

func (a *Accountant) dispatch(ctx context.Context, tx storage.Tx, ev model.Event, res *Result, fx *Effects) error {
	var err error
	switch e := ev.(type) {
	case *model.SubmitOrderEvent:
		res.Actions, err = a.orders.HandleSubmitOrder(ctx, tx, e, fx)
		if err == nil && res.Actions == nil {
			res.Duplicate = true
		}
	case *model.CreateOrderEvent:
		err = a.orders.HandleAcceptOrder(ctx, tx, e, fx)
	case *model.RejectOrderEvent:
		res.Finalized, err = a.orders.HandleRejectOrder(ctx, tx, e, fx)
	case *model.CancelOrderEvent:
		res.Finalized, err = a.orders.HandleCancelOrder(ctx, tx, e, fx)
	case *model.UpdatedOrderEvent:
		_, err = a.orders.HandleUpdateOrder(ctx, tx, e, fx)
	case *model.TradeEvent:
		var s Settlement
		s, err = a.trades.HandleTrade(ctx, tx, e, fx)
		res.Actions, res.Finalized, res.Duplicate = s.Actions, s.Finalized, s.Duplicate
	default:
		err = fmt.Errorf("%w: %T", model.ErrUnknownEventType, ev)
	}
	if err != nil {
		return err
	}
	res.Buffered = len(fx.Buffered) > 0
	return nil
}

func (a *Accountant) publish(ctx context.Context, correlationID string, projections []model.Projection) {
	if a.sink == nil || len(projections) == 0 {
		return
	}
	if err := a.sink.PublishProjections(ctx, correlationID, projections); err != nil {
		a.metrics.incProjection("error")
		a.logger.Error("publish projections failed", "correlation_id", correlationID, "count", len(projections), "error", err)
		return
	}
	a.metrics.incProjection("success")
}

func (a *Accountant) replayIfReady(ctx context.Context, ouid string) (int, error) {
	pending, err := a.store.HasTempEvents(ctx, ouid)
	if err != nil || !pending {
		return 0, err
	}
	if _, err := a.store.GetOrder(ctx, ouid); err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return a.ReplayPending(ctx, ouid)
}

// ReplayPending applies the events buffered under ouid, oldest first, each in
// its own transaction that also removes it from the buffer. Events that can
// never apply are dropped; a transient failure stops the replay.
func (a *Accountant) ReplayPending(ctx context.Context, ouid string) (int, error) {
	temps, err := a.store.LoadTempEvents(ctx, ouid)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, tmp := range temps {
		ev, err := tmp.Decode()
		if err != nil {
			a.drop(ctx, tmp, err)
			continue
		}
		id := tmp.ID
		res, fx, err := a.apply(ctx, ev, func(ctx context.Context, tx storage.Tx) (bool, error) {
			return tx.DeleteTempEvent(ctx, id)
		})
		if err != nil {
			if IsPermanent(err) {
				a.drop(ctx, tmp, err)
				continue
			}
			a.metrics.incReplay("error")
			return replayed, fmt.Errorf("replay %s for %s: %w", tmp.EventKey, ouid, err)
		}
		replayed++
		a.metrics.incReplay(outcomeOf(res))
		a.logger.Info("buffered event replayed", "ouid", ouid, "event_type", tmp.EventType, "event_key", tmp.EventKey, "actions", len(res.Actions))
		a.publish(ctx, model.CorrelationID(ev), fx.Projections)
	}
	return replayed, nil
}

func (a *Accountant) drop(ctx context.Context, tmp model.TempEvent, cause error) {
	a.metrics.incReplay("dropped")
	a.logger.Error("dropping buffered event", "ouid", tmp.Ouid, "event_type", tmp.EventType, "event_key", tmp.EventKey, "error", cause)
	if err := a.store.RemoveTempEvents(ctx, []int64{tmp.ID}); err != nil {
		a.logger.Error("remove buffered event failed", "id", tmp.ID, "error", err)
	}
}

// ReplaySweep walks the whole buffer and replays every ouid whose order now
// exists. It covers events left behind by a crash between commit and replay.
func (a *Accountant) ReplaySweep(ctx context.Context, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	seen := make(map[string]struct{})
	var ouids []string
	for offset := 0; ; offset += pageSize {
		page, err := a.store.FetchTempEvents(ctx, offset, pageSize)
		if err != nil {
			return 0, err
		}
		for _, tmp := range page {
			if _, ok := seen[tmp.Ouid]; ok {
				continue
			}
			seen[tmp.Ouid] = struct{}{}
			ouids = append(ouids, tmp.Ouid)
		}
		if len(page) < pageSize {
			break
		}
	}

	total := 0
	for _, ouid := range ouids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := a.replayIfReady(ctx, ouid)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
