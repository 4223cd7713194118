package service

import (
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/fraction"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultFeeAccount receives every fee when no account is configured.
const DefaultFeeAccount = "1"

type FeeCalculator struct {
	feeAccount string
}

func NewFeeCalculator(feeAccount string) FeeCalculator {
	if feeAccount == "" {
		feeAccount = DefaultFeeAccount
	}
	return FeeCalculator{feeAccount: feeAccount}
}

func (f FeeCalculator) Account() string { return f.feeAccount }

// Rate picks the maker or taker fee fixed on the order at submit.
func (f FeeCalculator) Rate(order *model.Order, maker bool) decimal.Decimal {
	if maker {
		return order.MakerFee
	}
	return order.TakerFee
}

// Charge builds the FEE action for an order that was just credited received.
// The fee is taken in the received asset from the user's main wallet and is
// parented on the transfer that credited it.
func (f FeeCalculator) Charge(order *model.Order, maker bool, received decimal.Decimal, credit *model.FinancialAction, detail map[string]string, now time.Time) model.FinancialAction {
	rate := f.Rate(order, maker)
	role := "taker"
	if maker {
		role = "maker"
	}
	return model.NewFinancialAction(credit, model.EventTrade, order.Ouid, model.Transfer{
		Symbol:       fraction.ReceiveSymbol(order.Direction, order.Pair),
		Amount:       fraction.FeeAmount(received, rate),
		SourceUUID:   order.UUID,
		SourceWallet: model.WalletMain,
		DestUUID:     f.feeAccount,
		DestWallet:   model.WalletMain,
	}, model.CategoryFee, model.MergeDetail(detail, map[string]string{
		"fee_role": role,
		"fee_rate": rate.String(),
	}), now)
}
