package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(ouid string) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		Ouid:                   ouid,
		UUID:                   "user-1",
		Pair:                   model.Pair{Left: "eth", Right: "btc"},
		Direction:              model.Ask,
		Price:                  100,
		Quantity:               10,
		OrigPrice:              decimal.NewFromInt(1),
		OrigQuantity:           decimal.NewFromInt(10),
		LeftSideFraction:       decimal.NewFromInt(1),
		RightSideFraction:      decimal.RequireFromString("0.01"),
		RemainedTransferAmount: decimal.NewFromInt(10),
		Status:                 model.StatusRequested,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func testAction(parent *model.FinancialAction, ouid string, amount int64) model.FinancialAction {
	return model.NewFinancialAction(parent, model.EventSubmitOrder, ouid, model.Transfer{
		Symbol:       "eth",
		Amount:       decimal.NewFromInt(amount),
		SourceUUID:   "user-1",
		SourceWallet: model.WalletMain,
		DestUUID:     "user-1",
		DestWallet:   model.WalletExchange,
	}, model.CategoryTrade, nil, time.Now())
}

func TestMemoryTxRollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.InTx(ctx, []string{"o-1"}, func(tx Tx) error {
		require.NoError(t, tx.InsertOrder(ctx, testOrder("o-1")))
		_, err := tx.InsertActions(ctx, []model.FinancialAction{testAction(nil, "o-1", 10)})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetOrder(ctx, "o-1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Empty(t, store.Actions())
}

func TestMemoryTxCommitsAndAssignsSeq(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var inserted []model.FinancialAction
	err := store.InTx(ctx, []string{"o-1"}, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("o-1")); err != nil {
			return err
		}
		first := testAction(nil, "o-1", 10)
		second := testAction(&first, "o-1", 4)
		var err error
		inserted, err = tx.InsertActions(ctx, []model.FinancialAction{first, second})
		if err != nil {
			return err
		}
		last, err := tx.FindLastAction(ctx, "user-1", "o-1")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, second.ID, last.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.Less(t, inserted[0].Seq, inserted[1].Seq)

	err = store.InTx(ctx, []string{"o-1"}, func(tx Tx) error {
		return tx.InsertOrder(ctx, testOrder("o-1"))
	})
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	pending, err := store.LoadUnprocessed(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMemoryTempEventsUniqueInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []model.TempEvent{
		{Ouid: "o-1", EventKey: "b", EventType: model.EventTrade, Payload: []byte(`{}`), EventDate: base.Add(time.Minute)},
		{Ouid: "o-1", EventKey: "a", EventType: model.EventCancelOrder, Payload: []byte(`{}`), EventDate: base},
		{Ouid: "o-2", EventKey: "c", EventType: model.EventTrade, Payload: []byte(`{}`), EventDate: base},
	}
	err := store.InTx(ctx, nil, func(tx Tx) error {
		for _, ev := range events {
			saved, err := tx.SaveTempEvent(ctx, ev)
			require.NoError(t, err)
			assert.True(t, saved)
		}
		dup, err := tx.SaveTempEvent(ctx, events[0])
		require.NoError(t, err)
		assert.False(t, dup)
		return nil
	})
	require.NoError(t, err)

	has, err := store.HasTempEvents(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, has)

	drained, err := store.DrainTempEvents(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].EventKey, "later event_date but buffered first")
	assert.Equal(t, "a", drained[1].EventKey)

	left, err := store.LoadTempEvents(ctx, "o-1")
	require.NoError(t, err)
	assert.Empty(t, left)

	page, err := store.FetchTempEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NoError(t, store.RemoveTempEvents(ctx, []int64{page[0].ID}))
	has, err = store.HasTempEvents(ctx, "o-2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemoryMarkEventProcessed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i, want := range []bool{true, false} {
		err := store.InTx(ctx, nil, func(tx Tx) error {
			fresh, err := tx.MarkEventProcessed(ctx, "trade-1")
			require.NoError(t, err)
			assert.Equal(t, want, fresh, "attempt %d", i)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestMemoryProcessAction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	action := testAction(nil, "o-1", 10)
	require.NoError(t, store.InTx(ctx, nil, func(tx Tx) error {
		_, err := tx.InsertActions(ctx, []model.FinancialAction{action})
		return err
	}))

	failed := errors.New("wallet down")
	_, err := store.ProcessAction(ctx, action.ID, func(model.FinancialAction) error { return failed })
	require.ErrorIs(t, err, failed)
	stored, err := store.LoadAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreated, stored.Status)

	outcome, err := store.ProcessAction(ctx, action.ID, func(model.FinancialAction) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = store.ProcessAction(ctx, action.ID, func(model.FinancialAction) error {
		t.Fatal("processed action must not be forwarded again")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)

	count, err := store.CountUnprocessed(ctx, "user-1", "eth", model.EventSubmitOrder)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryPairConfigs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cfg := model.PairConfig{
		Pair:              model.Pair{Left: "eth", Right: "btc"},
		Direction:         model.Bid,
		UserLevel:         model.DefaultUserLevel,
		MakerFee:          decimal.RequireFromString("0.1"),
		TakerFee:          decimal.RequireFromString("0.12"),
		LeftSideFraction:  decimal.NewFromInt(1),
		RightSideFraction: decimal.RequireFromString("0.01"),
	}
	require.NoError(t, store.UpsertPairConfig(ctx, cfg))

	found, err := store.FindPairConfig(ctx, cfg.Pair, model.Bid, model.DefaultUserLevel)
	require.NoError(t, err)
	assert.True(t, found.TakerFee.Equal(cfg.TakerFee))

	_, err = store.FindPairConfig(ctx, cfg.Pair, model.Ask, model.DefaultUserLevel)
	assert.ErrorIs(t, err, ErrPairConfigNotFound)

	bad := cfg
	bad.LeftSideFraction = decimal.Zero
	assert.Error(t, store.UpsertPairConfig(ctx, bad))
}
