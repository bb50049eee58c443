package model

import (
	"fmt"
	"time"
)

type Direction string

const (
	DirLong  Direction = "long"  // 多
	DirShort Direction = "short" // 空
	DirFlat  Direction = "flat"  // 空仓
)

func (s Direction) String() string {
	return string(s)
}

// CloseSide 返回平仓 (止损/止盈) 所需的下单方向
func (s Direction) CloseSide() OrderSide {
	if s == DirShort {
		return SideBuy
	}
	return SideSell
}

// EntrySide 返回开仓方向对应的下单方向
func (s Direction) EntrySide() OrderSide {
	if s == DirShort {
		return SideSell
	}
	return SideBuy
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsBracket 止损/止盈单
func (t OrderType) IsBracket() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsOpen 订单仍挂在盘口上
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// IsDead 订单已终结且未成交
func (s OrderStatus) IsDead() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Order 交易所订单视图
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Status    OrderStatus
	Price     float64
	AvgPrice  float64
	StopPrice float64
	Quantity  float64
	Executed  float64
}

// FillPrice 成交均价，缺失时退回挂单价
func (o Order) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return o.StopPrice
}

// PriceLevel 盘口档位
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook 盘口快照 (bids 降序, asks 升序)
type OrderBook struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// ExchangePosition 交易所持仓 (Quantity 带符号: >0 多, <0 空)
type ExchangePosition struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// Precision 交易对精度
type Precision struct {
	PriceDecimals int
	QtyDecimals   int
}

// Position 本地持仓 (Side=flat 时 EntryPrice/Quantity 必须为 0)
type Position struct {
	Side       Direction
	EntryPrice float64
	Quantity   float64
	Timeframe  string // 开仓信号来源周期
	EntryTime  time.Time
}

func (p Position) IsOpen() bool {
	return p.Side == DirLong || p.Side == DirShort
}

func (p Position) String() string {
	if !p.IsOpen() {
		return "FLAT"
	}
	return fmt.Sprintf("%s %.6f @ %.6f (%s)", p.Side, p.Quantity, p.EntryPrice, p.Timeframe)
}

// BracketOrders 止损/止盈单 ID
type BracketOrders struct {
	StopLossID   string
	TakeProfitID string
}

func (b BracketOrders) Complete() bool {
	return b.StopLossID != "" && b.TakeProfitID != ""
}

func (b BracketOrders) Empty() bool {
	return b.StopLossID == "" && b.TakeProfitID == ""
}

type TradeType string

const (
	TradeEntry TradeType = "ENTRY"
	TradeExit  TradeType = "EXIT"
)

type TradeResult string

const (
	ResultOpen TradeResult = "open"
	ResultWin  TradeResult = "win"
	ResultLoss TradeResult = "loss"
	// ResultUnknown 平仓成交价未知，exit_price 与 pnl_pct 为 0
	ResultUnknown TradeResult = "unknown"
)

// TradeLogEntry 交易流水 (只追加)
type TradeLogEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	Symbol     string      `json:"symbol"`
	Timeframe  string      `json:"timeframe"`
	Type       TradeType   `json:"type"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	PnLPct     float64     `json:"pnl_pct"`
	Result     TradeResult `json:"result"`
}

// NewEntryLog 构造开仓流水
func NewEntryLog(ts time.Time, symbol, timeframe string, entry float64) TradeLogEntry {
	return TradeLogEntry{
		Timestamp:  ts,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Type:       TradeEntry,
		EntryPrice: entry,
		Result:     ResultOpen,
	}
}

// NewExitLog 构造平仓流水，按方向判定盈亏。exit <= 0 表示成交价未知，结果记为 unknown。
func NewExitLog(ts time.Time, symbol, timeframe string, side Direction, entry, exit float64) TradeLogEntry {
	if exit <= 0 {
		return TradeLogEntry{
			Timestamp:  ts,
			Symbol:     symbol,
			Timeframe:  timeframe,
			Type:       TradeExit,
			EntryPrice: entry,
			Result:     ResultUnknown,
		}
	}
	var pnl float64
	if entry != 0 {
		pnl = (exit - entry) / entry * 100
	}
	return TradeLogEntry{
		Timestamp:  ts,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Type:       TradeExit,
		EntryPrice: entry,
		ExitPrice:  exit,
		PnLPct:     pnl,
		Result:     ClassifyResult(side, entry, exit),
	}
}

// ClassifyResult 多头价格上涨为盈，空头价格下跌为盈
func ClassifyResult(side Direction, entry, exit float64) TradeResult {
	if (side == DirLong && exit > entry) || (side == DirShort && exit < entry) {
		return ResultWin
	}
	return ResultLoss
}
