package model

import (
	"strconv"
	"time"

	"github.com/opexdev/backoffice/libs/kafka"
	"github.com/shopspring/decimal"
)

const (
	RichOrderEventType       = "accountant.rich_order"
	RichOrderUpdateEventType = "accountant.rich_order_update"
	RichTradeEventType       = "accountant.rich_trade"
)

// Projection is a read-only view published after commit. It is never consumed back.
type Projection interface {
	ProjectionType() string
	PartitionKey() string
	// IdentityParts feed the deterministic event id, so a replayed commit
	// republishes under the same id.
	IdentityParts() []string
	SetEnvelope(env kafka.Envelope)
}

type RichOrder struct {
	kafka.Envelope
	Ouid             string          `json:"ouid"`
	UUID             string          `json:"uuid"`
	OrderID          *int64          `json:"order_id,omitempty"`
	Pair             Pair            `json:"pair"`
	Direction        Direction       `json:"direction"`
	MatchConstraint  string          `json:"match_constraint"`
	OrderType        string          `json:"order_type"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	Status           OrderStatus     `json:"status"`
	MakerFee         decimal.Decimal `json:"maker_fee"`
	TakerFee         decimal.Decimal `json:"taker_fee"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func NewRichOrder(o *Order) *RichOrder {
	return &RichOrder{
		Ouid:             o.Ouid,
		UUID:             o.UUID,
		OrderID:          o.MatchingEngineID,
		Pair:             o.Pair,
		Direction:        o.Direction,
		MatchConstraint:  o.MatchConstraint,
		OrderType:        o.OrderType,
		Price:            o.OrigPrice,
		Quantity:         o.OrigQuantity,
		ExecutedQuantity: o.FilledOrigQuantity,
		Status:           o.Status,
		MakerFee:         o.MakerFee,
		TakerFee:         o.TakerFee,
		UpdatedAt:        o.UpdatedAt,
	}
}

func (r *RichOrder) ProjectionType() string { return RichOrderEventType }
func (r *RichOrder) PartitionKey() string   { return r.Ouid }

func (r *RichOrder) IdentityParts() []string {
	return []string{RichOrderEventType, r.Ouid, string(r.Status)}
}

func (r *RichOrder) SetEnvelope(env kafka.Envelope) { r.Envelope = env }

type RichOrderUpdate struct {
	kafka.Envelope
	Ouid             string          `json:"ouid"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	RemainedQuantity decimal.Decimal `json:"remained_quantity"`
	Status           OrderStatus     `json:"status"`
	TradeID          int64           `json:"trade_id"`
}

func NewRichOrderUpdate(o *Order, tradeID int64) *RichOrderUpdate {
	return &RichOrderUpdate{
		Ouid:             o.Ouid,
		Price:            o.OrigPrice,
		Quantity:         o.OrigQuantity,
		RemainedQuantity: o.OrigQuantity.Sub(o.FilledOrigQuantity),
		Status:           o.Status,
		TradeID:          tradeID,
	}
}

func (r *RichOrderUpdate) ProjectionType() string { return RichOrderUpdateEventType }
func (r *RichOrderUpdate) PartitionKey() string   { return r.Ouid }

func (r *RichOrderUpdate) IdentityParts() []string {
	return []string{RichOrderUpdateEventType, r.Ouid, strconv.FormatInt(r.TradeID, 10)}
}

func (r *RichOrderUpdate) SetEnvelope(env kafka.Envelope) { r.Envelope = env }

type RichTrade struct {
	kafka.Envelope
	TradeID              int64           `json:"trade_id"`
	Pair                 Pair            `json:"pair"`
	TakerOuid            string          `json:"taker_ouid"`
	TakerUUID            string          `json:"taker_uuid"`
	TakerOrderID         int64           `json:"taker_order_id"`
	TakerDirection       Direction       `json:"taker_direction"`
	TakerPrice           decimal.Decimal `json:"taker_price"`
	TakerQuantity        decimal.Decimal `json:"taker_quantity"`
	TakerRemained        decimal.Decimal `json:"taker_remained_quantity"`
	TakerCommission      decimal.Decimal `json:"taker_commission"`
	TakerCommissionAsset string          `json:"taker_commission_asset"`
	MakerOuid            string          `json:"maker_ouid"`
	MakerUUID            string          `json:"maker_uuid"`
	MakerOrderID         int64           `json:"maker_order_id"`
	MakerDirection       Direction       `json:"maker_direction"`
	MakerPrice           decimal.Decimal `json:"maker_price"`
	MakerQuantity        decimal.Decimal `json:"maker_quantity"`
	MakerRemained        decimal.Decimal `json:"maker_remained_quantity"`
	MakerCommission      decimal.Decimal `json:"maker_commission"`
	MakerCommissionAsset string          `json:"maker_commission_asset"`
	MatchedQuantity      decimal.Decimal `json:"matched_quantity"`
	TradeDate            time.Time       `json:"trade_date"`
}

func (r *RichTrade) ProjectionType() string { return RichTradeEventType }
func (r *RichTrade) PartitionKey() string   { return r.Pair.String() }

func (r *RichTrade) IdentityParts() []string {
	return []string{RichTradeEventType, r.TakerOuid, r.MakerOuid, strconv.FormatInt(r.TradeID, 10)}
}

func (r *RichTrade) SetEnvelope(env kafka.Envelope) { r.Envelope = env }
