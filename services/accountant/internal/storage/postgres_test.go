package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	pool := testutil.PostgresPool(t)
	store := NewPostgresStore(pool, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, testutil.CleanupTestData(ctx, pool))
	return store
}

func TestPostgresOrderAndActions(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	first := testAction(nil, "pg-1", 10)
	second := testAction(&first, "pg-1", 4)
	second.Detail = map[string]string{"k": "v"}
	err := store.InTx(ctx, []string{"pg-1"}, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("pg-1")); err != nil {
			return err
		}
		_, err := tx.InsertActions(ctx, []model.FinancialAction{first, second})
		return err
	})
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "eth_btc", order.Pair.String())
	assert.True(t, order.RemainedTransferAmount.Equal(decimal.NewFromInt(10)))

	last, err := store.FindLastAction(ctx, "user-1", "pg-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second.ID, last.ID)
	require.NotNil(t, last.ParentID)
	assert.Equal(t, first.ID, *last.ParentID)
	assert.Equal(t, "v", last.Detail["k"])

	err = store.InTx(ctx, []string{"pg-1"}, func(tx Tx) error {
		return tx.InsertOrder(ctx, testOrder("pg-1"))
	})
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	order.Status = model.StatusCanceled
	order.RemainedTransferAmount = decimal.Zero
	require.NoError(t, store.InTx(ctx, []string{"pg-1"}, func(tx Tx) error {
		return tx.UpdateOrder(ctx, order)
	}))
	order, err = store.GetOrder(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, order.Status)
}

func TestPostgresRollback(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, []string{"pg-2"}, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, testOrder("pg-2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.GetOrder(ctx, "pg-2")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresTempEvents(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.InTx(ctx, []string{"pg-3"}, func(tx Tx) error {
		for i, key := range []string{"late", "early"} {
			saved, err := tx.SaveTempEvent(ctx, model.TempEvent{
				Ouid:      "pg-3",
				EventKey:  key,
				EventType: model.EventTrade,
				Payload:   []byte(`{"a":1}`),
				EventDate: base.Add(time.Duration(1-i) * time.Minute),
			})
			if err != nil {
				return err
			}
			assert.True(t, saved)
		}
		dup, err := tx.SaveTempEvent(ctx, model.TempEvent{Ouid: "pg-3", EventKey: "late", EventType: model.EventTrade, Payload: []byte(`{}`), EventDate: base})
		assert.False(t, dup)
		return err
	})
	require.NoError(t, err)

	drained, err := store.DrainTempEvents(ctx, "pg-3")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "late", drained[0].EventKey)
	assert.Equal(t, "early", drained[1].EventKey)
	assert.JSONEq(t, `{"a":1}`, string(drained[0].Payload))

	has, err := store.HasTempEvents(ctx, "pg-3")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPostgresProcessActionSingleWinner(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	action := testAction(nil, "pg-4", 3)
	require.NoError(t, store.InTx(ctx, []string{"pg-4"}, func(tx Tx) error {
		_, err := tx.InsertActions(ctx, []model.FinancialAction{action})
		return err
	}))

	var (
		mu        sync.Mutex
		forwarded int
		wg        sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ProcessAction(ctx, action.ID, func(model.FinancialAction) error {
				mu.Lock()
				forwarded++
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, forwarded)
	stored, err := store.LoadAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionProcessed, stored.Status)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestPostgresPairConfigs(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	cfg := model.PairConfig{
		Pair:              model.Pair{Left: "eth", Right: "btc"},
		Direction:         model.Ask,
		UserLevel:         model.DefaultUserLevel,
		MakerFee:          decimal.RequireFromString("0.1"),
		TakerFee:          decimal.RequireFromString("0.12"),
		LeftSideFraction:  decimal.NewFromInt(1),
		RightSideFraction: decimal.RequireFromString("0.01"),
	}
	require.NoError(t, store.UpsertPairConfig(ctx, cfg))
	cfg.MakerFee = decimal.RequireFromString("0.05")
	require.NoError(t, store.UpsertPairConfig(ctx, cfg))

	all, err := store.ListPairConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].MakerFee.Equal(cfg.MakerFee))

	_, err = store.FindPairConfig(ctx, cfg.Pair, model.Bid, model.DefaultUserLevel)
	assert.ErrorIs(t, err, ErrPairConfigNotFound)
}
