package execution

import (
	"context"
	"testing"
	"time"

	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReconciler(ex *fakeExchange) (*Reconciler, *Executor, *memJournal) {
	e, j := newTestExecutor(ex)
	return NewReconciler(ex, e, zap.NewNop()), e, j
}

func TestStopLossFillJournalsSingleExit(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	sl, tp := st.Brackets.StopLossID, st.Brackets.TakeProfitID

	ex.trigger(sl)
	require.NoError(t, r.Reconcile(ctx, st, testRatios))

	require.Equal(t, 1, j.count(model.TradeExit))
	exit := j.entries[1]
	assert.Equal(t, model.ResultLoss, exit.Result)
	assert.Equal(t, 99.8, exit.ExitPrice)
	assert.Equal(t, "15m", exit.Timeframe)
	assert.Equal(t, model.StatusCanceled, ex.order(tp).Status)
	assert.Equal(t, PhaseFlat, st.Phase)
	assert.False(t, st.Position.IsOpen())
	assert.True(t, st.Brackets.Empty())

	// 再次对账不产生新的流水或订单
	created := ex.createdCount()
	require.NoError(t, r.Reconcile(ctx, st, testRatios))
	assert.Equal(t, 1, j.count(model.TradeExit))
	assert.Equal(t, created, ex.createdCount())
}

func TestTakeProfitFillIsWin(t *testing.T) {
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	sl := st.Brackets.StopLossID

	ex.trigger(st.Brackets.TakeProfitID)
	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))

	require.Equal(t, 1, j.count(model.TradeExit))
	assert.Equal(t, model.ResultWin, j.entries[1].Result)
	assert.Equal(t, 100.45, j.entries[1].ExitPrice)
	assert.Equal(t, model.StatusCanceled, ex.order(sl).Status)
}

func TestTransientSiblingCancelDefersExit(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)

	ex.trigger(st.Brackets.StopLossID)
	ex.failNext("cancel", transientErr("cancel"))
	require.Error(t, r.Reconcile(ctx, st, testRatios))

	assert.Equal(t, 0, j.count(model.TradeExit))
	assert.True(t, st.Position.IsOpen())
	assert.Equal(t, PhaseProtected, st.Phase)

	require.NoError(t, r.Reconcile(ctx, st, testRatios))
	assert.Equal(t, 1, j.count(model.TradeExit))
	assert.Equal(t, PhaseFlat, st.Phase)
}

func TestTransientFetchKeepsState(t *testing.T) {
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	before := *st.clone()

	ex.failNext("position", transientErr("position"))
	require.Error(t, r.Reconcile(context.Background(), st, testRatios))
	assert.Equal(t, before.Position, st.Position)
	assert.Equal(t, before.Brackets, st.Brackets)
	assert.Equal(t, 1, len(j.entries))
}

func TestRestartRecoveryPlacesBrackets(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.setPosition(model.ExchangePosition{Symbol: "BTCUSDT", Quantity: 0.5, EntryPrice: 100})
	r, _, j := newTestReconciler(ex)
	st := newTestState()

	require.NoError(t, r.Reconcile(ctx, st, testRatios))

	assert.Equal(t, model.DirLong, st.Position.Side)
	assert.Equal(t, 0.5, st.Position.Quantity)
	assert.Equal(t, 100.0, st.Position.EntryPrice)
	assert.Equal(t, "unknown", st.Position.Timeframe)
	assert.Equal(t, PhaseProtected, st.Phase)
	require.Len(t, ex.created, 2)
	assert.Equal(t, "99.75", ex.created[0].StopPrice)
	assert.Equal(t, "100.40", ex.created[1].StopPrice)
	assert.Empty(t, j.entries)

	// 幂等：第二轮不下单、不写流水、状态不变
	before := *st.clone()
	require.NoError(t, r.Reconcile(ctx, st, testRatios))
	assert.Len(t, ex.created, 2)
	assert.Empty(t, j.entries)
	assert.Equal(t, before, *st)
}

func TestRecoveryAdoptsExistingBrackets(t *testing.T) {
	ex := newFakeExchange()
	ex.setPosition(model.ExchangePosition{Symbol: "BTCUSDT", Quantity: -0.5, EntryPrice: 100})
	sl := ex.addOrder(model.Order{Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeStopMarket, StopPrice: 100.25, Quantity: 0.5})
	dup := ex.addOrder(model.Order{Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeStopMarket, StopPrice: 100.3, Quantity: 0.5})
	wrong := ex.addOrder(model.Order{Symbol: "BTCUSDT", Side: model.SideSell, Type: model.OrderTypeTakeProfitMarket, StopPrice: 101, Quantity: 0.5})
	r, _, _ := newTestReconciler(ex)
	st := newTestState()

	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))

	assert.Equal(t, model.DirShort, st.Position.Side)
	assert.Equal(t, sl, st.Brackets.StopLossID)
	assert.NotEmpty(t, st.Brackets.TakeProfitID)
	assert.Equal(t, model.StatusCanceled, ex.order(dup).Status)
	assert.Equal(t, model.StatusCanceled, ex.order(wrong).Status)

	// 只补挂缺失的止盈单
	require.Len(t, ex.created, 1)
	assert.Equal(t, model.OrderTypeTakeProfitMarket, ex.created[0].Type)
	assert.Equal(t, model.SideBuy, ex.created[0].Side)
	assert.Equal(t, "99.60", ex.created[0].StopPrice)
	assert.Equal(t, PhaseProtected, st.Phase)
}

func TestReconcileRetriesMissingBracket(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.failNext("create", transientErr("create"), transientErr("create"), transientErr("create"))
	r, e, _ := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	require.Equal(t, PhaseUnprotected, st.Phase)
	tp := st.Brackets.TakeProfitID

	require.NoError(t, r.Reconcile(ctx, st, testRatios))
	assert.Equal(t, PhaseProtected, st.Phase)
	assert.Equal(t, tp, st.Brackets.TakeProfitID)
	assert.Len(t, ex.created, 5)
	assert.Equal(t, model.OrderTypeStopMarket, ex.created[4].Type)
}

func TestReconcileAdoptsExchangeQuantity(t *testing.T) {
	ex := newFakeExchange()
	r, e, _ := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	entry := st.Position.EntryPrice

	ex.setPosition(model.ExchangePosition{Symbol: "BTCUSDT", Quantity: 0.3, EntryPrice: entry})
	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))
	assert.Equal(t, 0.3, st.Position.Quantity)
	assert.Equal(t, entry, st.Position.EntryPrice)
	assert.Equal(t, "15m", st.Position.Timeframe)
}

func TestExternalCloseClearsWithoutExit(t *testing.T) {
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	enterLong(t, e, st)
	sl, tp := st.Brackets.StopLossID, st.Brackets.TakeProfitID

	ex.setPosition(model.ExchangePosition{Symbol: "BTCUSDT"})
	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))

	assert.Equal(t, 0, j.count(model.TradeExit))
	assert.Equal(t, PhaseFlat, st.Phase)
	assert.False(t, st.Position.IsOpen())
	assert.Equal(t, model.StatusCanceled, ex.order(sl).Status)
	assert.Equal(t, model.StatusCanceled, ex.order(tp).Status)
}

func TestStrayAndOrphanOrdersCancelled(t *testing.T) {
	ex := newFakeExchange()
	stray := ex.addOrder(model.Order{Symbol: "BTCUSDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Price: 90, Quantity: 1})
	orphan := ex.addOrder(model.Order{Symbol: "BTCUSDT", Side: model.SideSell, Type: model.OrderTypeStopMarket, StopPrice: 90, Quantity: 1})
	r, _, j := newTestReconciler(ex)
	st := newTestState()
	strays := metrics.ReconcileRepairs.WithLabelValues("BTCUSDT", "cancel_stray")
	before := testutil.ToFloat64(strays)

	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))

	assert.Equal(t, before+1, testutil.ToFloat64(strays))
	assert.Equal(t, model.StatusCanceled, ex.order(stray).Status)
	assert.Equal(t, model.StatusCanceled, ex.order(orphan).Status)
	assert.Equal(t, PhaseFlat, st.Phase)
	assert.Empty(t, j.entries)
	assert.Empty(t, ex.created)
}

func TestFlatReconcileIsNoop(t *testing.T) {
	ex := newFakeExchange()
	r, _, j := newTestReconciler(ex)
	st := newTestState()

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Reconcile(context.Background(), st, testRatios))
	}
	assert.Empty(t, ex.cancels)
	assert.Empty(t, ex.created)
	assert.Empty(t, j.entries)
	assert.Equal(t, PhaseFlat, st.Phase)
}

// enterPending 开仓单未成交且撤单超时，返回仍挂着的开仓单 ID
func enterPending(t *testing.T, ex *fakeExchange, e *Executor, st *SymbolState) string {
	t.Helper()
	ex.limitStatus = model.StatusNew
	ex.failNext("cancel", transientErr("cancel"))
	outcome, err := e.Enter(context.Background(), st, EntryRequest{
		Direction: model.DirLong, Quantity: 0.5, Timeframe: "15m", Ratios: testRatios,
	})
	require.Error(t, err)
	require.Equal(t, EntryPending, outcome)
	require.NotNil(t, st.Pending)
	return st.Pending.OrderID
}

func TestPendingEntryFilledLateIsRecorded(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	id := enterPending(t, ex, e, st)

	ex.fillLimit(id)
	require.NoError(t, r.Reconcile(ctx, st, testRatios))

	assert.Nil(t, st.Pending)
	require.Equal(t, 1, j.count(model.TradeEntry))
	assert.Equal(t, "15m", j.entries[0].Timeframe)
	assert.Equal(t, "15m", st.Position.Timeframe)
	assert.InDelta(t, 100.05, st.Position.EntryPrice, 1e-9)
	assert.Len(t, st.TradeTimes, 1)
	assert.Equal(t, e.now().Add(30*time.Minute), st.CooldownUntil)
	assert.Equal(t, PhaseProtected, st.Phase)
	assert.Equal(t, 2, ex.createdCount())

	// 之后止损成交：ENTRY 在 EXIT 之前且各一条
	ex.trigger(st.Brackets.StopLossID)
	require.NoError(t, r.Reconcile(ctx, st, testRatios))
	require.Len(t, j.entries, 2)
	assert.Equal(t, model.TradeEntry, j.entries[0].Type)
	assert.Equal(t, model.TradeExit, j.entries[1].Type)
	assert.Equal(t, "15m", j.entries[1].Timeframe)
	assert.Equal(t, PhaseFlat, st.Phase)
}

func TestPendingEntryUnfilledIsCancelled(t *testing.T) {
	ex := newFakeExchange()
	r, e, j := newTestReconciler(ex)
	st := newTestState()
	id := enterPending(t, ex, e, st)

	require.NoError(t, r.Reconcile(context.Background(), st, testRatios))
	assert.Nil(t, st.Pending)
	assert.Equal(t, model.StatusCanceled, ex.order(id).Status)
	assert.Equal(t, PhaseFlat, st.Phase)
	assert.False(t, st.Position.IsOpen())
	assert.Empty(t, st.TradeTimes)
	assert.Empty(t, j.entries)
}

func TestPendingEntryTransientFetchKeepsPending(t *testing.T) {
	ex := newFakeExchange()
	r, e, _ := newTestReconciler(ex)
	st := newTestState()
	id := enterPending(t, ex, e, st)

	ex.failNext("fetch_order", transientErr("fetch_order"))
	require.Error(t, r.Reconcile(context.Background(), st, testRatios))
	require.NotNil(t, st.Pending)
	assert.Equal(t, id, st.Pending.OrderID)
	assert.Equal(t, PhaseEntering, st.Phase)
	assert.Equal(t, model.StatusNew, ex.order(id).Status)
}
