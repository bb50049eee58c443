package exchange

import (
	"context"
	"testing"

	"crypto-futures-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPaper(t *testing.T) *PaperExchange {
	t.Helper()
	p := NewPaperExchange(PaperConfig{InitialCapital: 1000}, nil, zap.NewNop())
	require.NoError(t, p.SetLeverage(context.Background(), "BTCUSDT", 10))
	p.OnPrice("BTCUSDT", 100)
	return p
}

func TestPaperPostOnlyCrossingIsRejected(t *testing.T) {
	p := newTestPaper(t)
	_, err := p.CreateLimitOrder(context.Background(), LimitOrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: "1", Price: "101", PostOnly: true,
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestPaperBracketLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestPaper(t)

	entry, err := p.CreateLimitOrder(ctx, LimitOrderRequest{
		Symbol: "BTCUSDT", Side: model.SideBuy, Quantity: "1", Price: "99.99", PostOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, entry.Status)

	p.OnPrice("BTCUSDT", 99.9)
	filled, err := p.FetchOrder(ctx, "BTCUSDT", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, filled.Status)
	assert.InDelta(t, 99.99, filled.FillPrice(), 1e-9)

	pos, err := p.FetchPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.Quantity)

	sl, err := p.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Type: model.OrderTypeStopMarket,
		Side: model.SideSell, Quantity: "1", StopPrice: "99", ReduceOnly: true})
	require.NoError(t, err)
	tp, err := p.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Type: model.OrderTypeTakeProfitMarket,
		Side: model.SideSell, Quantity: "1", StopPrice: "101", ReduceOnly: true})
	require.NoError(t, err)

	open, err := p.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	p.OnPrice("BTCUSDT", 98.5)

	slAfter, err := p.FetchOrder(ctx, "BTCUSDT", sl.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, slAfter.Status)

	// 兄弟单不会自动撤销
	tpAfter, err := p.FetchOrder(ctx, "BTCUSDT", tp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, tpAfter.Status)

	pos, err = p.FetchPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, pos.Quantity)

	bal, err := p.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000+(98.5-99.99), bal, 1e-9)

	history := p.GetTradeHistory()
	require.Len(t, history, 1)
	assert.Equal(t, model.ResultLoss, history[0].Result)

	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", tp.ID))
	assert.True(t, IsRejected(p.CancelOrder(ctx, "BTCUSDT", tp.ID)))
}

func TestPaperReduceOnlyWithoutPosition(t *testing.T) {
	p := newTestPaper(t)
	_, err := p.CreateOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Type: model.OrderTypeMarket,
		Side: model.SideSell, Quantity: "1", ReduceOnly: true})
	assert.True(t, IsRejected(err))
}

func TestPaperOrderBookAroundLastPrice(t *testing.T) {
	p := newTestPaper(t)
	book, err := p.FetchOrderBook(context.Background(), "BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, book.Bids, 3)
	require.Len(t, book.Asks, 3)
	assert.Less(t, book.Bids[0].Price, 100.0)
	assert.Greater(t, book.Asks[0].Price, 100.0)
	assert.Greater(t, book.Bids[0].Price, book.Bids[1].Price)

	_, err = p.FetchOrderBook(context.Background(), "ETHUSDT", 3)
	assert.True(t, IsTransient(err))
}
