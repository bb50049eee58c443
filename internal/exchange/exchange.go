package exchange

import (
	"context"

	"crypto-futures-trader/internal/model"
)

// LimitOrderRequest 开仓限价单
type LimitOrderRequest struct {
	Symbol   string
	Side     model.OrderSide
	Quantity string // 已按精度格式化
	Price    string
	PostOnly bool
	ClientID string
}

// OrderRequest 止损/止盈/市价单
type OrderRequest struct {
	Symbol     string
	Type       model.OrderType // STOP_MARKET, TAKE_PROFIT_MARKET, MARKET
	Side       model.OrderSide
	Quantity   string
	StopPrice  string // 仅触发单
	ReduceOnly bool
}

// Exchange 是交易所协作方的通用接口，负责与交易所通信。
// 所有错误都应是 *Error，以便调用方按类型分支。
type Exchange interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.KLine, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	FetchOrder(ctx context.Context, symbol, id string) (model.Order, error)
	CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (model.Order, error)
	CreateOrder(ctx context.Context, req OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, symbol, id string) error
	FetchPosition(ctx context.Context, symbol string) (model.ExchangePosition, error)
	// FetchBalance 返回可用的报价币余额 (USDT)
	FetchBalance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolPrecision(ctx context.Context, symbol string) (model.Precision, error)
	Close() error
}
