package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/fraction"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"github.com/shopspring/decimal"
)

type ConfigSource interface {
	UserLevel(ctx context.Context, uuid, hint string) (string, error)
	Resolve(ctx context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error)
}

// OrderManager applies order lifecycle events to the ledger.
type OrderManager struct {
	configs ConfigSource
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewOrderManager(configs ConfigSource, logger *slog.Logger, metrics *Metrics) *OrderManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderManager{
		configs: configs,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// HandleSubmitOrder creates the order and reserves its funds: one TRADE action
// from the user's main wallet into their exchange wallet. A submit for an
// existing ouid is a no-op.
func (m *OrderManager) HandleSubmitOrder(ctx context.Context, tx storage.Tx, ev *model.SubmitOrderEvent, fx *Effects) ([]model.FinancialAction, error) {
	if _, err := tx.FindOrder(ctx, ev.Ouid); err == nil {
		m.logger.Info("order already submitted", "ouid", ev.Ouid, "event_id", ev.EventID)
		return nil, nil
	} else if !errors.Is(err, storage.ErrOrderNotFound) {
		return nil, err
	}

	level, err := m.configs.UserLevel(ctx, ev.UUID, ev.UserLevel)
	if err != nil {
		return nil, err
	}
	cfg, err := m.configs.Resolve(ctx, ev.Pair, ev.Direction, level)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	reserve := fraction.ReserveAmount(ev.Direction, ev.Quantity, ev.Price, cfg.LeftSideFraction, cfg.RightSideFraction)
	order := &model.Order{
		Ouid:                   ev.Ouid,
		UUID:                   ev.UUID,
		MatchingEngineID:       ev.OrderID,
		Pair:                   ev.Pair,
		Direction:              ev.Direction,
		MatchConstraint:        ev.MatchConstraint,
		OrderType:              ev.OrderType,
		Price:                  ev.Price,
		Quantity:               ev.Quantity,
		OrigPrice:              fraction.ConvertPrice(ev.Price, cfg.RightSideFraction),
		OrigQuantity:           fraction.ConvertQuantity(ev.Quantity, cfg.LeftSideFraction),
		MakerFee:               cfg.MakerFee,
		TakerFee:               cfg.TakerFee,
		LeftSideFraction:       cfg.LeftSideFraction,
		RightSideFraction:      cfg.RightSideFraction,
		UserLevel:              level,
		FilledOrigQuantity:     decimal.Zero,
		RemainedTransferAmount: reserve,
		Status:                 model.StatusRequested,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	reservation := model.NewFinancialAction(nil, model.EventSubmitOrder, order.Ouid, model.Transfer{
		Symbol:       fraction.SpendSymbol(order.Direction, order.Pair),
		Amount:       reserve,
		SourceUUID:   order.UUID,
		SourceWallet: model.WalletMain,
		DestUUID:     order.UUID,
		DestWallet:   model.WalletExchange,
	}, model.CategoryTrade, model.MergeDetail(order.Detail(), ev.Detail()), now)

	actions, err := tx.InsertActions(ctx, []model.FinancialAction{reservation})
	if err != nil {
		return nil, err
	}
	fx.project(model.NewRichOrder(order))
	return actions, nil
}

// HandleAcceptOrder attaches the engine order id once the engine accepts the order.
func (m *OrderManager) HandleAcceptOrder(ctx context.Context, tx storage.Tx, ev *model.CreateOrderEvent, fx *Effects) error {
	order, err := tx.FindOrder(ctx, ev.Ouid)
	if errors.Is(err, storage.ErrOrderNotFound) {
		m.logger.Info("order not yet submitted, buffering", "ouid", ev.Ouid, "event_type", ev.Type())
		return bufferEvent(ctx, tx, ev.Ouid, ev, fx)
	}
	if err != nil {
		return err
	}

	order.MatchingEngineID = ev.OrderID
	if order.Status == model.StatusRequested {
		order.Status = model.StatusNew
	}
	order.UpdatedAt = m.now().UTC()
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}
	// The row only leaves NEW through trades, cancels and rejects; the
	// projection reports what the engine says is left on the book.
	ro := model.NewRichOrder(order)
	if !order.Status.Terminal() {
		ro.Status = fraction.StatusFor(ev.RemainedQuantity, order.Quantity)
	}
	fx.project(ro)
	return nil
}

func (m *OrderManager) HandleRejectOrder(ctx context.Context, tx storage.Tx, ev *model.RejectOrderEvent, fx *Effects) ([]model.FinancialAction, error) {
	return m.finalize(ctx, tx, ev, ev.Ouid, model.StatusRejected, fx)
}

func (m *OrderManager) HandleCancelOrder(ctx context.Context, tx storage.Tx, ev *model.CancelOrderEvent, fx *Effects) ([]model.FinancialAction, error) {
	return m.finalize(ctx, tx, ev, ev.Ouid, model.StatusCanceled, fx)
}

// HandleUpdateOrder has no agreed semantics yet, so it refuses rather than guess.
func (m *OrderManager) HandleUpdateOrder(_ context.Context, _ storage.Tx, ev *model.UpdatedOrderEvent, _ *Effects) ([]model.FinancialAction, error) {
	return nil, fmt.Errorf("%w: update order %s", ErrNotImplemented, ev.Ouid)
}

// finalize closes an order and returns whatever it still holds in the
// exchange wallet to the user's main wallet.
func (m *OrderManager) finalize(ctx context.Context, tx storage.Tx, ev model.Event, ouid string, status model.OrderStatus, fx *Effects) ([]model.FinancialAction, error) {
	order, err := tx.FindOrder(ctx, ouid)
	if errors.Is(err, storage.ErrOrderNotFound) {
		m.logger.Info("order not yet submitted, buffering", "ouid", ouid, "event_type", ev.Type())
		return nil, bufferEvent(ctx, tx, ouid, ev, fx)
	}
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		m.logger.Info("order already closed", "ouid", ouid, "status", order.Status, "event_type", ev.Type())
		return nil, nil
	}

	now := m.now().UTC()
	var pending []model.FinancialAction
	if order.RemainedTransferAmount.IsPositive() {
		parent, err := tx.FindLastAction(ctx, order.UUID, order.Ouid)
		if err != nil {
			return nil, err
		}
		pending = append(pending, model.NewFinancialAction(parent, ev.Type(), order.Ouid, model.Transfer{
			Symbol:       fraction.SpendSymbol(order.Direction, order.Pair),
			Amount:       order.RemainedTransferAmount,
			SourceUUID:   order.UUID,
			SourceWallet: model.WalletExchange,
			DestUUID:     order.UUID,
			DestWallet:   model.WalletMain,
		}, model.CategoryOrderFinalized, model.MergeDetail(order.Detail(), ev.Detail()), now))
	}

	order.Status = status
	order.RemainedTransferAmount = decimal.Zero
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	var actions []model.FinancialAction
	if len(pending) > 0 {
		actions, err = tx.InsertActions(ctx, pending)
		if err != nil {
			return nil, err
		}
	}
	fx.project(model.NewRichOrder(order))
	return actions, nil
}
