package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletType string

const (
	WalletMain     WalletType = "main"
	WalletExchange WalletType = "exchange"
)

type ActionCategory string

const (
	CategoryTrade          ActionCategory = "TRADE"
	CategoryFee            ActionCategory = "FEE"
	CategoryOrderFinalized ActionCategory = "ORDER_FINALIZED"
)

type ActionStatus string

const (
	ActionCreated   ActionStatus = "CREATED"
	ActionProcessed ActionStatus = "PROCESSED"
)

// FinancialAction is one directional movement between two wallet slots.
// ParentID points at the causally preceding action of the same order chain.
type FinancialAction struct {
	ID           uuid.UUID         `json:"id"`
	ParentID     *uuid.UUID        `json:"parent_id,omitempty"`
	Seq          int64             `json:"seq"`
	EventType    EventType         `json:"event_type"`
	Ouid         string            `json:"ouid"`
	Symbol       string            `json:"symbol"`
	Amount       decimal.Decimal   `json:"amount"`
	SourceUUID   string            `json:"source_uuid"`
	SourceWallet WalletType        `json:"source_wallet"`
	DestUUID     string            `json:"dest_uuid"`
	DestWallet   WalletType        `json:"dest_wallet"`
	Category     ActionCategory    `json:"category"`
	Status       ActionStatus      `json:"status"`
	Detail       map[string]string `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
}

// NewActionID returns a time-ordered id.
func NewActionID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Transfer is the leg of an action before it is attached to a chain.
type Transfer struct {
	Symbol       string
	Amount       decimal.Decimal
	SourceUUID   string
	SourceWallet WalletType
	DestUUID     string
	DestWallet   WalletType
}

func NewFinancialAction(parent *FinancialAction, eventType EventType, ouid string, t Transfer, category ActionCategory, detail map[string]string, now time.Time) FinancialAction {
	fa := FinancialAction{
		ID:           NewActionID(),
		EventType:    eventType,
		Ouid:         ouid,
		Symbol:       t.Symbol,
		Amount:       t.Amount,
		SourceUUID:   t.SourceUUID,
		SourceWallet: t.SourceWallet,
		DestUUID:     t.DestUUID,
		DestWallet:   t.DestWallet,
		Category:     category,
		Status:       ActionCreated,
		Detail:       detail,
		CreatedAt:    now.UTC(),
	}
	if parent != nil {
		pid := parent.ID
		fa.ParentID = &pid
	}
	return fa
}

// TransferRequest is what the wallet subsystem receives for one action.
type TransferRequest struct {
	Symbol           string          `json:"symbol"`
	Amount           decimal.Decimal `json:"amount"`
	SourceUUID       string          `json:"source_uuid"`
	SourceWalletType WalletType      `json:"source_wallet_type"`
	DestUUID         string          `json:"dest_uuid"`
	DestWalletType   WalletType      `json:"dest_wallet_type"`
	IdempotencyRef   string          `json:"idempotency_ref"`
	Category         ActionCategory  `json:"category"`
	Ouid             string          `json:"ouid"`
}

func (fa FinancialAction) TransferRequest() TransferRequest {
	return TransferRequest{
		Symbol:           fa.Symbol,
		Amount:           fa.Amount,
		SourceUUID:       fa.SourceUUID,
		SourceWalletType: fa.SourceWallet,
		DestUUID:         fa.DestUUID,
		DestWalletType:   fa.DestWallet,
		IdempotencyRef:   fa.ID.String(),
		Category:         fa.Category,
		Ouid:             fa.Ouid,
	}
}

// MergeDetail copies maps left to right; later keys win.
func MergeDetail(parts ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, p := range parts {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}
