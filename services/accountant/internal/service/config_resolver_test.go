package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opexdev/backoffice/services/accountant/internal/cache"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverUsesUserLevelFromRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	levels := cache.NewUserLevelCache(client, time.Hour, "")
	store := storage.NewMemoryStore()
	vip := model.PairConfig{Pair: ethBtc, Direction: model.Ask, UserLevel: "vip", MakerFee: dec("0.01"), TakerFee: dec("0.02"), LeftSideFraction: dec("1"), RightSideFraction: dec("0.01")}
	base := vip
	base.UserLevel = model.DefaultUserLevel
	base.MakerFee = dec("0.1")
	require.NoError(t, store.UpsertPairConfig(ctx, vip))
	require.NoError(t, store.UpsertPairConfig(ctx, base))

	resolver := NewConfigResolver(cache.NewPairConfigCache(), store, levels, quietLogger(), nil)

	level, err := resolver.UserLevel(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultUserLevel, level)

	level, err = resolver.UserLevel(ctx, "alice", "vip")
	require.NoError(t, err)
	assert.Equal(t, "vip", level)

	level, err = resolver.UserLevel(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "vip", level, "hint is remembered for later events")

	cfg, err := resolver.Resolve(ctx, ethBtc, model.Ask, level)
	require.NoError(t, err)
	assert.True(t, cfg.MakerFee.Equal(dec("0.01")))

	cfg, err = resolver.Resolve(ctx, ethBtc, model.Ask, "gold")
	require.NoError(t, err)
	assert.True(t, cfg.MakerFee.Equal(dec("0.1")), "unknown level falls back to the default row")
}

func TestResolverMissingConfig(t *testing.T) {
	resolver := NewConfigResolver(cache.NewPairConfigCache(), storage.NewMemoryStore(), nil, quietLogger(), nil)

	_, err := resolver.Resolve(context.Background(), ethBtc, model.Bid, "vip")
	require.ErrorIs(t, err, ErrPairConfigNotFound)
}

func TestFeeCalculatorChargesReceivedAsset(t *testing.T) {
	fees := NewFeeCalculator("fees")
	order := &model.Order{
		Ouid:      "o-1",
		UUID:      "bob",
		Pair:      ethBtc,
		Direction: model.Bid,
		MakerFee:  dec("0.08"),
		TakerFee:  dec("0.1"),
	}
	credit := model.NewFinancialAction(nil, model.EventTrade, "o-2", model.Transfer{Symbol: "eth", Amount: dec("2")}, model.CategoryTrade, nil, time.Now())

	fee := fees.Charge(order, false, dec("2"), &credit, nil, time.Now())
	assert.Equal(t, "eth", fee.Symbol)
	assert.True(t, fee.Amount.Equal(dec("0.2")))
	assert.Equal(t, "fees", fee.DestUUID)
	assert.Equal(t, model.CategoryFee, fee.Category)
	assert.Equal(t, credit.ID, *fee.ParentID)
	assert.Equal(t, "taker", fee.Detail["fee_role"])

	fee = fees.Charge(order, true, dec("2"), &credit, nil, time.Now())
	assert.True(t, fee.Amount.Equal(dec("0.16")))
}
