package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/service"

	"go.uber.org/zap"
)

// MarketData 模拟盘需要的只读行情来源 (通常是不带 Key 的 Binance 公共接口)
type MarketData interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.KLine, error)
	SymbolPrecision(ctx context.Context, symbol string) (model.Precision, error)
}

// PaperConfig 模拟器配置
type PaperConfig struct {
	InitialCapital float64 // 初始资金
	FeeRate        float64 // 交易手续费率 (例如 0.0004)
	Spread         float64 // 合成盘口的买卖价差 (比例)
	LevelQty       float64 // 合成盘口每档数量
}

// paperPosition 模拟交易所的持仓数据结构
type paperPosition struct {
	Side             model.Direction // Long/Short/Flat
	Size             float64         // 持仓数量
	AvgPrice         float64         // 平均开仓价格
	LiquidationPrice float64         // 强平价格 (核心风控)
	Margin           float64
	EntryFee         float64
	EntryTime        time.Time
}

type paperOrder struct {
	model.Order
	reduceOnly bool
	postOnly   bool
}

// PaperExchange 在内存中撮合订单，实现 Exchange 接口
type PaperExchange struct {
	cfg    PaperConfig
	market MarketData
	logger *zap.SugaredLogger
	now    func() time.Time

	mu sync.RWMutex // 保护账户状态

	balance   float64 // 账户余额 (包含已实现盈亏)
	maxEquity float64 // 历史最高账户净值

	lastPrice map[string]float64
	leverage  map[string]int
	positions map[string]*paperPosition
	orders    map[string]*paperOrder
	nextID    int64

	tradeHistory []*model.TradeLogEntry // 所有已平仓的交易
}

// NewPaperExchange 构造函数；market 可为 nil (无历史数据，默认精度)
func NewPaperExchange(cfg PaperConfig, market MarketData, logger *zap.Logger) *PaperExchange {
	if cfg.Spread <= 0 {
		cfg.Spread = 0.0002
	}
	if cfg.LevelQty <= 0 {
		cfg.LevelQty = 1000
	}
	return &PaperExchange{
		cfg:       cfg,
		market:    market,
		logger:    logger.Sugar().With("exchange", "Paper"),
		now:       time.Now,
		balance:   cfg.InitialCapital,
		maxEquity: cfg.InitialCapital, // 初始化时，最大净值 = 初始资金
		lastPrice: make(map[string]float64),
		leverage:  make(map[string]int),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		nextID:    1000,
	}
}

// OnPrice 推送最新价格：撮合挂单，检查止损/止盈/强平
func (e *PaperExchange) OnPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice[symbol] = price

	// 按 ID 顺序撮合，保证确定性
	ids := make([]string, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := e.orders[id]
		if !o.Status.IsOpen() {
			continue
		}
		switch o.Type {
		case model.OrderTypeLimit:
			if (o.Side == model.SideBuy && price <= o.Price) || (o.Side == model.SideSell && price >= o.Price) {
				e.fill(o, o.Price)
			}
		case model.OrderTypeStopMarket:
			if e.checkStopLoss(o, price) {
				e.fill(o, price)
			}
		case model.OrderTypeTakeProfitMarket:
			if e.checkTakeProfit(o, price) {
				e.fill(o, price)
			}
		}
	}

	if pos := e.positions[symbol]; pos != nil && e.checkLiquidation(pos, price) {
		e.logger.Warnf("Sim LIQUIDATION: %s %s @ %.4f (liq %.4f)", pos.Side, symbol, price, pos.LiquidationPrice)
		e.closePosition(symbol, pos, pos.LiquidationPrice)
	}

	if eq := e.equityLocked(); eq > e.maxEquity {
		e.maxEquity = eq
	}
}

func (e *PaperExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.KLine, error) {
	if e.market == nil {
		return nil, nil
	}
	return e.market.FetchCandles(ctx, symbol, timeframe, limit)
}

func (e *PaperExchange) FetchOrderBook(_ context.Context, symbol string, depth int) (model.OrderBook, error) {
	e.mu.RLock()
	price, ok := e.lastPrice[symbol]
	e.mu.RUnlock()
	if !ok {
		return model.OrderBook{}, NewError(KindTransient, "fetch_order_book", fmt.Errorf("no price for %s yet", symbol))
	}
	if depth <= 0 {
		depth = 5
	}

	bid, ask := e.topOfBook(price)
	step := price * e.cfg.Spread / 2
	book := model.OrderBook{}
	for i := 0; i < depth; i++ {
		book.Bids = append(book.Bids, model.PriceLevel{Price: bid - float64(i)*step, Quantity: e.cfg.LevelQty})
		book.Asks = append(book.Asks, model.PriceLevel{Price: ask + float64(i)*step, Quantity: e.cfg.LevelQty})
	}
	return book, nil
}

func (e *PaperExchange) FetchOpenOrders(_ context.Context, symbol string) ([]model.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			out = append(out, o.Order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *PaperExchange) FetchOrder(_ context.Context, symbol, id string) (model.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol {
		return model.Order{}, NewError(KindRejected, "fetch_order", fmt.Errorf("order %s does not exist", id))
	}
	return o.Order, nil
}

func (e *PaperExchange) CreateLimitOrder(_ context.Context, req LimitOrderRequest) (model.Order, error) {
	qty, price, err := parseQtyPrice(req.Quantity, req.Price)
	if err != nil {
		return model.Order{}, NewError(KindRejected, "create_limit_order", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.lastPrice[req.Symbol]
	if !ok {
		return model.Order{}, NewError(KindTransient, "create_limit_order", fmt.Errorf("no price for %s yet", req.Symbol))
	}
	bid, ask := e.topOfBook(last)
	if req.PostOnly && ((req.Side == model.SideBuy && price >= ask) || (req.Side == model.SideSell && price <= bid)) {
		return model.Order{}, &Error{Kind: KindRejected, Op: "create_limit_order", Code: codePostOnlyRejected,
			Err: errors.New("post-only order would immediately match")}
	}

	o := e.newOrder(req.Symbol, req.Side, model.OrderTypeLimit, qty)
	o.Price = price
	o.ClientID = req.ClientID
	o.postOnly = req.PostOnly
	return o.Order, nil
}

func (e *PaperExchange) CreateOrder(_ context.Context, req OrderRequest) (model.Order, error) {
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil || qty <= 0 {
		return model.Order{}, NewError(KindRejected, "create_order", fmt.Errorf("invalid quantity %q", req.Quantity))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions[req.Symbol]
	if req.ReduceOnly && (pos == nil || pos.Side.CloseSide() != req.Side) {
		return model.Order{}, &Error{Kind: KindRejected, Op: "create_order", Code: codeReduceOnlyReject,
			Err: errors.New("reduce-only order would not reduce position")}
	}

	o := e.newOrder(req.Symbol, req.Side, req.Type, qty)
	o.reduceOnly = req.ReduceOnly

	switch req.Type {
	case model.OrderTypeMarket:
		last, ok := e.lastPrice[req.Symbol]
		if !ok {
			o.Status = model.StatusRejected
			return o.Order, NewError(KindTransient, "create_order", fmt.Errorf("no price for %s yet", req.Symbol))
		}
		e.fill(o, last)
	case model.OrderTypeStopMarket, model.OrderTypeTakeProfitMarket:
		stop, err := strconv.ParseFloat(req.StopPrice, 64)
		if err != nil || stop <= 0 {
			o.Status = model.StatusRejected
			return o.Order, NewError(KindRejected, "create_order", fmt.Errorf("invalid stop price %q", req.StopPrice))
		}
		o.StopPrice = stop
	default:
		o.Status = model.StatusRejected
		return o.Order, NewError(KindRejected, "create_order", fmt.Errorf("unsupported order type %s", req.Type))
	}
	return o.Order, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, symbol, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol || !o.Status.IsOpen() {
		return &Error{Kind: KindRejected, Op: "cancel_order", Code: codeCancelRejected, Err: fmt.Errorf("unknown order %s", id)}
	}
	o.Status = model.StatusCanceled
	return nil
}

func (e *PaperExchange) FetchPosition(_ context.Context, symbol string) (model.ExchangePosition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := model.ExchangePosition{Symbol: symbol}
	pos := e.positions[symbol]
	if pos == nil {
		return out, nil
	}
	out.Quantity = pos.Size
	if pos.Side == model.DirShort {
		out.Quantity = -pos.Size
	}
	out.EntryPrice = pos.AvgPrice
	out.UnrealizedPnL = calculateClosedPnL(pos, e.lastPrice[symbol])
	return out, nil
}

// FetchBalance 可用余额 = 余额 - 已用保证金
func (e *PaperExchange) FetchBalance(context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	free := e.balance
	for _, p := range e.positions {
		free -= p.Margin
	}
	return free, nil
}

func (e *PaperExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return NewError(KindRejected, "set_leverage", fmt.Errorf("invalid leverage %d", leverage))
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

func (e *PaperExchange) SymbolPrecision(ctx context.Context, symbol string) (model.Precision, error) {
	if e.market == nil {
		return model.Precision{PriceDecimals: 2, QtyDecimals: 3}, nil
	}
	return e.market.SymbolPrecision(ctx, symbol)
}

func (e *PaperExchange) Close() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.logger.Infof("Sim closed. Balance: %.4f, Max equity: %.4f, Trades: %d", e.balance, e.maxEquity, len(e.tradeHistory))
	return nil
}

// GetTradeHistory 返回记录的副本，防止外部修改
func (e *PaperExchange) GetTradeHistory() []*model.TradeLogEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	records := make([]*model.TradeLogEntry, len(e.tradeHistory))
	copy(records, e.tradeHistory)
	return records
}

// GetMaxEquity 返回账户历史上的最高净值
func (e *PaperExchange) GetMaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}

func (e *PaperExchange) newOrder(symbol string, side model.OrderSide, typ model.OrderType, qty float64) *paperOrder {
	e.nextID++
	o := &paperOrder{Order: model.Order{
		ID:       strconv.FormatInt(e.nextID, 10),
		Symbol:   symbol,
		Side:     side,
		Type:     typ,
		Status:   model.StatusNew,
		Quantity: qty,
	}}
	e.orders[o.ID] = o
	return o
}

func (e *PaperExchange) topOfBook(price float64) (bid, ask float64) {
	half := price * e.cfg.Spread / 2
	return price - half, price + half
}

// fill 以 price 成交订单：开仓或平仓
func (e *PaperExchange) fill(o *paperOrder, price float64) {
	pos := e.positions[o.Symbol]

	if o.reduceOnly || (pos != nil && pos.Side.CloseSide() == o.Side) {
		if pos == nil {
			// reduce-only 单在无仓位时触发：交易所会将其作废
			o.Status = model.StatusExpired
			return
		}
		o.Status = model.StatusFilled
		o.AvgPrice = price
		o.Executed = o.Quantity
		e.closePosition(o.Symbol, pos, price)
		return
	}

	if pos != nil {
		// 简化模型：不支持加仓
		o.Status = model.StatusRejected
		return
	}

	lev := e.leverage[o.Symbol]
	if lev < 1 {
		lev = 1
	}
	requiredMargin := o.Quantity * price / float64(lev)
	if e.balance < requiredMargin {
		e.logger.Infof("Sim Rejected: Insufficient balance. Need: %.2f, Have: %.2f", requiredMargin, e.balance)
		o.Status = model.StatusRejected
		return
	}

	// 扣除开仓手续费
	fee := o.Quantity * price * e.cfg.FeeRate
	e.balance -= fee

	side := model.DirLong
	if o.Side == model.SideSell {
		side = model.DirShort
	}
	e.positions[o.Symbol] = &paperPosition{
		Side:             side,
		Size:             o.Quantity,
		AvgPrice:         price,
		LiquidationPrice: calculateLiquidationPrice(price, side, float64(lev)),
		Margin:           requiredMargin,
		EntryFee:         fee,
		EntryTime:        e.now(),
	}
	o.Status = model.StatusFilled
	o.AvgPrice = price
	o.Executed = o.Quantity

	e.logger.Infof("Sim ORDER FILLED (OPEN): %s %s %.4f @ %.4f. Fee: %.4f",
		side, o.Symbol, o.Quantity, price, fee)
}

func (e *PaperExchange) closePosition(symbol string, pos *paperPosition, price float64) {
	pnl := calculateClosedPnL(pos, price)
	closeFee := pos.Size * price * e.cfg.FeeRate
	e.balance += pnl - closeFee

	rec := model.NewExitLog(e.now(), symbol, "", pos.Side, pos.AvgPrice, price)
	e.tradeHistory = append(e.tradeHistory, &rec)

	e.logger.Infof("Sim POSITION CLOSED: %s %s @ %.4f. Realized PnL: %.4f. New Balance: %.4f",
		pos.Side, symbol, price, pnl, e.balance)
	delete(e.positions, symbol)
}

func (e *PaperExchange) equityLocked() float64 {
	eq := e.balance
	for sym, p := range e.positions {
		eq += calculateClosedPnL(p, e.lastPrice[sym])
	}
	return eq
}

// checkStopLoss 多头止损：价格 <= 触发价；空头止损：价格 >= 触发价
func (e *PaperExchange) checkStopLoss(o *paperOrder, price float64) bool {
	if o.StopPrice == 0 {
		return false
	}
	if o.Side == model.SideSell {
		return price <= o.StopPrice
	}
	return price >= o.StopPrice
}

// checkTakeProfit 多头止盈：价格 >= 触发价；空头止盈：价格 <= 触发价
func (e *PaperExchange) checkTakeProfit(o *paperOrder, price float64) bool {
	if o.StopPrice == 0 {
		return false
	}
	if o.Side == model.SideSell {
		return price >= o.StopPrice
	}
	return price <= o.StopPrice
}

// checkLiquidation 强平价为 0 表示未开仓或 1 倍杠杆
func (e *PaperExchange) checkLiquidation(pos *paperPosition, price float64) bool {
	if pos.LiquidationPrice == 0 {
		return false
	}
	if pos.Side == model.DirLong {
		return price <= pos.LiquidationPrice
	}
	return price >= pos.LiquidationPrice
}

// calculateLiquidationPrice 计算强平价格 (简化模型，使用初始保证金率 = 1 / 杠杆)
func calculateLiquidationPrice(avgPrice float64, side model.Direction, leverage float64) float64 {
	if leverage <= 1 {
		return 0.0
	}
	marginRatio := 1.0 / leverage
	if side == model.DirLong {
		return avgPrice * (1.0 - marginRatio)
	}
	return avgPrice * (1.0 + marginRatio)
}

// calculateClosedPnL 计算已实现盈亏 (Realized PnL)
func calculateClosedPnL(pos *paperPosition, closePrice float64) float64 {
	if pos == nil || pos.Size == 0 || closePrice == 0 {
		return 0.0
	}
	if pos.Side == model.DirLong {
		return (closePrice - pos.AvgPrice) * pos.Size
	}
	return (pos.AvgPrice - closePrice) * pos.Size
}

func parseQtyPrice(qty, price string) (float64, float64, error) {
	q := service.ParseFloatOrZero(qty)
	p := service.ParseFloatOrZero(price)
	if q <= 0 || p <= 0 {
		return 0, 0, fmt.Errorf("invalid quantity %q or price %q", qty, price)
	}
	return q, p, nil
}
