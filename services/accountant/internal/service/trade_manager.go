package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/opexdev/backoffice/services/accountant/internal/fraction"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"github.com/shopspring/decimal"
)

// Settlement is the ledger outcome of one trade. Actions holds the taker
// transfer, maker transfer, taker fee and maker fee in that order.
type Settlement struct {
	Actions   []model.FinancialAction
	Finalized []model.FinancialAction
	Buffered  bool
	Duplicate bool
}

type TradeManager struct {
	fees    FeeCalculator
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewTradeManager(fees FeeCalculator, logger *slog.Logger, metrics *Metrics) *TradeManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeManager{
		fees:    fees,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// TradeKey identifies a trade in the processed events table.
func TradeKey(ev *model.TradeEvent) string {
	return kafka.DeterministicEventID("trade", ev.TakerOuid, ev.MakerOuid, strconv.FormatInt(ev.TradeID, 10))
}

type tradeSide struct {
	order    *model.Order
	maker    bool
	spent    decimal.Decimal
	transfer model.FinancialAction
}

func (m *TradeManager) HandleTrade(ctx context.Context, tx storage.Tx, ev *model.TradeEvent, fx *Effects) (Settlement, error) {
	var res Settlement

	taker, err := findOptionalOrder(ctx, tx, ev.TakerOuid)
	if err != nil {
		return res, err
	}
	maker, err := findOptionalOrder(ctx, tx, ev.MakerOuid)
	if err != nil {
		return res, err
	}
	if taker == nil || maker == nil {
		for _, missing := range []struct {
			ouid  string
			order *model.Order
		}{{ev.TakerOuid, taker}, {ev.MakerOuid, maker}} {
			if missing.order != nil {
				continue
			}
			if err := bufferEvent(ctx, tx, missing.ouid, ev, fx); err != nil {
				return res, err
			}
		}
		m.logger.Info("trade waiting for orders", "trade_id", ev.TradeID, "buffered_under", fx.Buffered)
		res.Buffered = true
		return res, nil
	}

	fresh, err := tx.MarkEventProcessed(ctx, TradeKey(ev))
	if err != nil {
		return res, err
	}
	if !fresh {
		m.logger.Info("trade already settled", "trade_id", ev.TradeID, "taker_ouid", ev.TakerOuid, "maker_ouid", ev.MakerOuid)
		res.Duplicate = true
		return res, nil
	}

	sides := []*tradeSide{{order: taker}, {order: maker, maker: true}}
	for _, s := range sides {
		if err := checkSide(s, ev); err != nil {
			return res, err
		}
	}

	now := m.now().UTC()
	detail := ev.Detail()
	for i, s := range sides {
		counter := sides[1-i].order
		parent, err := tx.FindLastAction(ctx, s.order.UUID, s.order.Ouid)
		if err != nil {
			return res, err
		}
		s.transfer = model.NewFinancialAction(parent, model.EventTrade, s.order.Ouid, model.Transfer{
			Symbol:       fraction.SpendSymbol(s.order.Direction, s.order.Pair),
			Amount:       s.spent,
			SourceUUID:   s.order.UUID,
			SourceWallet: model.WalletExchange,
			DestUUID:     counter.UUID,
			DestWallet:   model.WalletMain,
		}, model.CategoryTrade, model.MergeDetail(s.order.Detail(), detail), now)
	}

	fees := make([]model.FinancialAction, len(sides))
	for i, s := range sides {
		credit := sides[1-i]
		o := s.order
		received := fraction.ReceivedAmount(o.Direction, ev.MatchedQuantity, ev.MakerPrice, o.LeftSideFraction, o.RightSideFraction)
		if !received.Equal(credit.spent) {
			return res, fmt.Errorf("%w: %s expects %s, %s sends %s", ErrUnbalancedTrade, o.Ouid, received, credit.order.Ouid, credit.spent)
		}
		fees[i] = m.fees.Charge(o, s.maker, received, &credit.transfer, model.MergeDetail(o.Detail(), detail), now)
	}

	var finalized []model.FinancialAction
	for _, s := range sides {
		o := s.order
		o.RemainedTransferAmount = o.RemainedTransferAmount.Sub(s.spent)
		o.FilledQuantity += ev.MatchedQuantity
		o.FilledOrigQuantity = fraction.ConvertQuantity(o.FilledQuantity, o.LeftSideFraction)
		o.UpdatedAt = now
		if o.FilledQuantity == o.Quantity {
			o.Status = model.StatusFilled
			if o.RemainedTransferAmount.IsPositive() {
				finalized = append(finalized, model.NewFinancialAction(&s.transfer, model.EventTrade, o.Ouid, model.Transfer{
					Symbol:       fraction.SpendSymbol(o.Direction, o.Pair),
					Amount:       o.RemainedTransferAmount,
					SourceUUID:   o.UUID,
					SourceWallet: model.WalletExchange,
					DestUUID:     o.UUID,
					DestWallet:   model.WalletMain,
				}, model.CategoryOrderFinalized, model.MergeDetail(o.Detail(), detail), now))
			}
			o.RemainedTransferAmount = decimal.Zero
		} else {
			o.Status = model.StatusPartiallyFilled
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
	}

	pending := make([]model.FinancialAction, 0, 4+len(finalized))
	pending = append(pending, sides[0].transfer, sides[1].transfer, fees[0], fees[1])
	pending = append(pending, finalized...)
	saved, err := tx.InsertActions(ctx, pending)
	if err != nil {
		return res, err
	}
	res.Actions = saved[:4]
	res.Finalized = saved[4:]

	fx.project(model.NewRichOrderUpdate(taker, ev.TradeID))
	fx.project(model.NewRichOrderUpdate(maker, ev.TradeID))
	fx.project(richTrade(ev, taker, maker, res.Actions[2], res.Actions[3]))
	return res, nil
}

// checkSide computes what the side gives up and rejects trades the order
// cannot cover.
func checkSide(s *tradeSide, ev *model.TradeEvent) error {
	o := s.order
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, o.Ouid, o.Status)
	}
	if o.FilledQuantity+ev.MatchedQuantity > o.Quantity {
		return fmt.Errorf("%w: %s would fill %d of %d", ErrReserveExceeded, o.Ouid, o.FilledQuantity+ev.MatchedQuantity, o.Quantity)
	}
	s.spent = fraction.MatchedAmount(o.Direction, ev.MatchedQuantity, ev.MakerPrice, o.LeftSideFraction, o.RightSideFraction)
	if s.spent.GreaterThan(o.RemainedTransferAmount) {
		return fmt.Errorf("%w: %s spends %s of %s", ErrReserveExceeded, o.Ouid, s.spent, o.RemainedTransferAmount)
	}
	return nil
}

func findOptionalOrder(ctx context.Context, tx storage.Tx, ouid string) (*model.Order, error) {
	order, err := tx.FindOrder(ctx, ouid)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

func richTrade(ev *model.TradeEvent, taker, maker *model.Order, takerFee, makerFee model.FinancialAction) *model.RichTrade {
	matched := fraction.ConvertQuantity(ev.MatchedQuantity, taker.LeftSideFraction)
	return &model.RichTrade{
		TradeID:              ev.TradeID,
		Pair:                 ev.Pair,
		TakerOuid:            taker.Ouid,
		TakerUUID:            taker.UUID,
		TakerOrderID:         ev.TakerOrderID,
		TakerDirection:       taker.Direction,
		TakerPrice:           fraction.ConvertPrice(ev.TakerPrice, taker.RightSideFraction),
		TakerQuantity:        taker.OrigQuantity,
		TakerRemained:        fraction.ConvertQuantity(ev.TakerRemainedQuantity, taker.LeftSideFraction),
		TakerCommission:      takerFee.Amount,
		TakerCommissionAsset: takerFee.Symbol,
		MakerOuid:            maker.Ouid,
		MakerUUID:            maker.UUID,
		MakerOrderID:         ev.MakerOrderID,
		MakerDirection:       maker.Direction,
		MakerPrice:           fraction.ConvertPrice(ev.MakerPrice, maker.RightSideFraction),
		MakerQuantity:        maker.OrigQuantity,
		MakerRemained:        fraction.ConvertQuantity(ev.MakerRemainedQuantity, maker.LeftSideFraction),
		MakerCommission:      makerFee.Amount,
		MakerCommissionAsset: makerFee.Symbol,
		MatchedQuantity:      matched,
		TradeDate:            ev.Date().UTC(),
	}
}
