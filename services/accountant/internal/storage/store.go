package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrActionNotFound     = errors.New("financial action not found")
	ErrPairConfigNotFound = errors.New("pair config not found")
	ErrDuplicateOrder     = errors.New("order already exists")
	ErrNegativeAmount     = errors.New("financial action amount is negative")
)

// ProcessOutcome reports what ProcessAction did with one outbox row.
type ProcessOutcome int

const (
	OutcomeProcessed ProcessOutcome = iota
	OutcomeAlreadyProcessed
	// OutcomeBusy means another sweeper holds the row.
	OutcomeBusy
)

func (o ProcessOutcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Tx is the write surface available inside InTx. Every ouid the caller may
// touch must be listed in the InTx keys so writers for one order serialize.
type Tx interface {
	FindOrder(ctx context.Context, ouid string) (*model.Order, error)
	InsertOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	// InsertActions appends in slice order and returns the rows with Seq set.
	InsertActions(ctx context.Context, actions []model.FinancialAction) ([]model.FinancialAction, error)
	// FindLastAction returns the newest action of uuid on ouid, or nil.
	FindLastAction(ctx context.Context, uuid, ouid string) (*model.FinancialAction, error)
	// SaveTempEvent reports false when (ouid, event key) is already buffered.
	SaveTempEvent(ctx context.Context, ev model.TempEvent) (bool, error)
	LoadTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error)
	DeleteTempEvent(ctx context.Context, id int64) (bool, error)
	// MarkEventProcessed reports false when key was already recorded.
	MarkEventProcessed(ctx context.Context, key string) (bool, error)
}

func lockOrder(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// sortTempEvents puts events in arrival order. IDs are assigned on insert
// under the per-order lock, so they follow the order events were buffered
// in regardless of the dates the producers stamped on them.
func sortTempEvents(events []model.TempEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}
