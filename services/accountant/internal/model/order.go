package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Bid Direction = "BID"
	Ask Direction = "ASK"
)

func (d Direction) Valid() bool { return d == Bid || d == Ask }

type OrderStatus string

const (
	StatusRequested       OrderStatus = "REQUESTED"
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCanceled        OrderStatus = "CANCELED"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}

// Pair is a trading pair; the wire form is "left_right", e.g. "eth_btc".
type Pair struct {
	Left  string
	Right string
}

func ParsePair(s string) (Pair, error) {
	left, right, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "_")
	if !ok || left == "" || right == "" || strings.Contains(right, "_") {
		return Pair{}, fmt.Errorf("invalid pair %q", s)
	}
	return Pair{Left: left, Right: right}, nil
}

func (p Pair) String() string {
	return p.Left + "_" + p.Right
}

func (p Pair) IsZero() bool { return p.Left == "" && p.Right == "" }

func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pair) UnmarshalText(b []byte) error {
	parsed, err := ParsePair(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Order is the ledger row for one ouid. Price and Quantity are raw engine units;
// the Orig* fields are their decimal conversions.
type Order struct {
	Ouid             string
	UUID             string
	MatchingEngineID *int64

	Pair            Pair
	Direction       Direction
	MatchConstraint string
	OrderType       string
	Price           int64
	Quantity        int64
	OrigPrice       decimal.Decimal
	OrigQuantity    decimal.Decimal

	MakerFee          decimal.Decimal
	TakerFee          decimal.Decimal
	LeftSideFraction  decimal.Decimal
	RightSideFraction decimal.Decimal
	UserLevel         string

	FilledQuantity         int64
	FilledOrigQuantity     decimal.Decimal
	RemainedTransferAmount decimal.Decimal
	Status                 OrderStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) IsAsk() bool { return o.Direction == Ask }

// Detail flattens the order for FinancialAction audit context.
func (o *Order) Detail() map[string]string {
	d := map[string]string{
		"ouid":                     o.Ouid,
		"uuid":                     o.UUID,
		"pair":                     o.Pair.String(),
		"direction":                string(o.Direction),
		"match_constraint":         o.MatchConstraint,
		"order_type":               o.OrderType,
		"price":                    fmt.Sprint(o.Price),
		"quantity":                 fmt.Sprint(o.Quantity),
		"maker_fee":                o.MakerFee.String(),
		"taker_fee":                o.TakerFee.String(),
		"left_side_fraction":       o.LeftSideFraction.String(),
		"right_side_fraction":      o.RightSideFraction.String(),
		"user_level":               o.UserLevel,
		"filled_quantity":          fmt.Sprint(o.FilledQuantity),
		"remained_transfer_amount": o.RemainedTransferAmount.String(),
		"status":                   string(o.Status),
	}
	if o.MatchingEngineID != nil {
		d["order_id"] = fmt.Sprint(*o.MatchingEngineID)
	}
	return d
}

// PairConfig holds the fee terms and fractions for one (pair, direction, user level).
type PairConfig struct {
	Pair              Pair            `json:"pair"`
	Direction         Direction       `json:"direction"`
	UserLevel         string          `json:"user_level"`
	MakerFee          decimal.Decimal `json:"maker_fee"`
	TakerFee          decimal.Decimal `json:"taker_fee"`
	LeftSideFraction  decimal.Decimal `json:"left_side_fraction"`
	RightSideFraction decimal.Decimal `json:"right_side_fraction"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DefaultUserLevel matches any level without a dedicated row.
const DefaultUserLevel = "*"

func PairConfigKey(pair Pair, direction Direction, userLevel string) string {
	return pair.String() + "|" + string(direction) + "|" + userLevel
}

func (c PairConfig) Key() string {
	return PairConfigKey(c.Pair, c.Direction, c.UserLevel)
}

func (c PairConfig) Validate() error {
	if c.Pair.IsZero() {
		return fmt.Errorf("pair is required")
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("direction must be BID or ASK")
	}
	if strings.TrimSpace(c.UserLevel) == "" {
		return fmt.Errorf("user_level is required")
	}
	if c.LeftSideFraction.Sign() <= 0 || c.RightSideFraction.Sign() <= 0 {
		return fmt.Errorf("fractions must be positive")
	}
	if c.MakerFee.Sign() < 0 || c.TakerFee.Sign() < 0 {
		return fmt.Errorf("fees must not be negative")
	}
	return nil
}
