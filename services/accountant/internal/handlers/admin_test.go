package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/opexdev/backoffice/services/accountant/internal/cache"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/outbox"
	"github.com/opexdev/backoffice/services/accountant/internal/service"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
	"github.com/opexdev/backoffice/services/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

var ethBtc = model.Pair{Left: "eth", Right: "btc"}

type nopWallet struct{ sent int }

func (w *nopWallet) Transfer(context.Context, model.TransferRequest) error {
	w.sent++
	return nil
}

type fixture struct {
	router *gin.Engine
	store  *storage.MemoryStore
	wallet *nopWallet
	token  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertPairConfig(ctx, model.PairConfig{
		Pair:              ethBtc,
		Direction:         model.Ask,
		UserLevel:         model.DefaultUserLevel,
		MakerFee:          decimal.RequireFromString("0.1"),
		TakerFee:          decimal.RequireFromString("0.12"),
		LeftSideFraction:  decimal.NewFromInt(1),
		RightSideFraction: decimal.RequireFromString("0.01"),
	}))
	configs := cache.NewPairConfigCache()
	require.NoError(t, configs.Load(ctx, store))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	levels := cache.NewUserLevelCache(client, time.Hour, "")

	wallet := &nopWallet{}
	h := New(Deps{
		Orders:   store,
		Outbox:   outbox.NewPublisher(store, wallet, 10, logger, nil),
		Buffer:   service.NewPendingBuffer(store, logger),
		Levels:   levels,
		Configs:  configs,
		Resolver: service.NewConfigResolver(configs, store, levels, logger, nil),
	}, logger)

	router := gin.New()
	h.Register(router, secret)

	token, err := testutil.GenerateAdminJWT(secret, time.Hour)
	require.NoError(t, err)
	return &fixture{router: router, store: store, wallet: wallet, token: token}
}

func (f *fixture) insertOrder(t *testing.T, ouid string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.store.InTx(context.Background(), []string{ouid}, func(tx storage.Tx) error {
		return tx.InsertOrder(context.Background(), &model.Order{
			Ouid:                   ouid,
			UUID:                   "alice",
			Pair:                   ethBtc,
			Direction:              model.Ask,
			Price:                  100,
			Quantity:               2,
			OrigPrice:              decimal.NewFromInt(1),
			OrigQuantity:           decimal.RequireFromString("0.02"),
			RemainedTransferAmount: decimal.RequireFromString("0.02"),
			Status:                 model.StatusRequested,
			UserLevel:              model.DefaultUserLevel,
			CreatedAt:              now,
			UpdatedAt:              now,
		})
	})
	require.NoError(t, err)
}

func (f *fixture) insertAction(t *testing.T, ouid string) model.FinancialAction {
	t.Helper()
	fa := model.NewFinancialAction(nil, model.EventSubmitOrder, ouid, model.Transfer{
		Symbol:       "eth",
		Amount:       decimal.RequireFromString("0.02"),
		SourceUUID:   "alice",
		SourceWallet: model.WalletMain,
		DestUUID:     "alice",
		DestWallet:   model.WalletExchange,
	}, model.CategoryTrade, nil, time.Now().Add(-time.Hour))
	err := f.store.InTx(context.Background(), nil, func(tx storage.Tx) error {
		_, err := tx.InsertActions(context.Background(), []model.FinancialAction{fa})
		return err
	})
	require.NoError(t, err)
	return fa
}

func (f *fixture) bufferCancel(t *testing.T, ouid string) {
	t.Helper()
	ev := &model.CancelOrderEvent{OrderEvent: model.OrderEvent{
		Envelope:  model.NewEventEnvelope(model.EventCancelOrder, ouid),
		Ouid:      ouid,
		UUID:      "alice",
		Pair:      ethBtc,
		Direction: model.Ask,
		Price:     100,
		Quantity:  2,
		EventDate: time.Now().UTC(),
	}}
	tmp, err := model.NewTempEvent(ouid, ev)
	require.NoError(t, err)
	err = f.store.InTx(context.Background(), []string{ouid}, func(tx storage.Tx) error {
		_, err := tx.SaveTempEvent(context.Background(), tmp)
		return err
	})
	require.NoError(t, err)
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	f := setup(t)

	resp := testutil.MakeAPIRequest(f.router, http.MethodGet, "/v1/config/pairs", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	token, err := testutil.GenerateJWT("bob", []string{"trader"}, secret, time.Hour)
	require.NoError(t, err)
	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/config/pairs", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestGetOrder(t *testing.T) {
	f := setup(t)
	f.insertOrder(t, "o-1")

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/orders/o-1", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp.Body.Bytes())
	assert.Equal(t, "eth_btc", body["pair"])
	assert.Equal(t, "0.02", body["remained_transfer_amount"])
	assert.Equal(t, string(model.StatusRequested), body["status"])

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/orders/missing", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOrderNotFound)
}

func TestActionChainAndRetries(t *testing.T) {
	f := setup(t)
	fa := f.insertAction(t, "o-1")

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/actions/"+fa.ID.String()+"/chain", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var chain struct {
		Actions []model.FinancialAction `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &chain))
	require.Len(t, chain.Actions, 1)
	assert.Equal(t, fa.ID, chain.Actions[0].ID)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/actions/"+uuid.NewString()+"/chain", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeActionNotFound)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/actions/not-a-uuid/chain", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/actions/retries?older_than=1m&limit=5", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &chain))
	assert.Len(t, chain.Actions, 1)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/actions/retries?older_than=soon", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestSweepForwardsPendingActions(t *testing.T) {
	f := setup(t)
	f.insertAction(t, "o-1")
	f.insertAction(t, "o-2")

	resp := testutil.MakeAuthRequest(f.router, http.MethodPost, "/v1/outbox/sweep", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var res outbox.SweepResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Forwarded)
	assert.Equal(t, 2, f.wallet.sent)

	n, err := f.store.CountUnprocessed(context.Background(), "alice", "eth", model.EventSubmitOrder)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingSubmits(t *testing.T) {
	f := setup(t)
	f.insertAction(t, "o-1")

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/users/alice/pending-submits?symbol=ETH", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp.Body.Bytes())
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, "eth", body["symbol"])

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/users/alice/pending-submits", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestTempEventsListAndDrain(t *testing.T) {
	f := setup(t)
	f.bufferCancel(t, "o-9")

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/temp-events?offset=0&size=10", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var listed struct {
		Events []model.TempEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
	require.Len(t, listed.Events, 1)
	assert.Equal(t, "o-9", listed.Events[0].Ouid)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/temp-events/o-9", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var loaded struct {
		Ouid   string            `json:"ouid"`
		Events []model.TempEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &loaded))
	assert.Equal(t, "o-9", loaded.Ouid)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, model.EventCancelOrder, loaded.Events[0].EventType)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/temp-events/o-missing", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Empty(t, decode(t, resp.Body.Bytes())["events"])

	resp = testutil.MakeAuthRequest(f.router, http.MethodDelete, "/v1/temp-events/o-9", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp.Body.Bytes())
	assert.Len(t, body["events"], 1)

	has, err := f.store.HasTempEvents(context.Background(), "o-9")
	require.NoError(t, err)
	assert.False(t, has)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/temp-events?size=-1", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestUserLevelRoundTrip(t *testing.T) {
	f := setup(t)

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/users/alice/level", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.DefaultUserLevel, decode(t, resp.Body.Bytes())["level"])

	resp = testutil.MakeAuthRequest(f.router, http.MethodPut, "/v1/users/alice/level", map[string]string{"level": "vip"}, f.token)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/users/alice/level", nil, f.token)
	assert.Equal(t, "vip", decode(t, resp.Body.Bytes())["level"])

	resp = testutil.MakeAuthRequest(f.router, http.MethodPut, "/v1/users/alice/level", map[string]string{"level": " "}, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestConfigEndpoints(t *testing.T) {
	f := setup(t)

	resp := testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/config/pairs", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var listed struct {
		Configs []model.PairConfig `json:"configs"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
	assert.Len(t, listed.Configs, 1)

	// An unknown level falls back to the wildcard row.
	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/config/eth_btc/fee/ask/gold", nil, f.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var cfg model.PairConfig
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &cfg))
	assert.True(t, cfg.TakerFee.Equal(decimal.RequireFromString("0.12")))

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/config/eth_btc/fee/bid/gold", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeConfigNotFound)

	resp = testutil.MakeAuthRequest(f.router, http.MethodGet, "/v1/config/eth_btc/fee/sideways/gold", nil, f.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}
