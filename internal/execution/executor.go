package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoPosition   = errors.New("no open position")
	ErrPositionOpen = errors.New("position already open")
	ErrInvalidEntry = errors.New("invalid entry request")
	// ErrAlreadyFlat 交易所已无持仓 (止盈止损刚成交)，平仓结果交给对账记录
	ErrAlreadyFlat   = fmt.Errorf("%w: exchange position already closed", ErrNoPosition)
	errNotFilled     = errors.New("order not filled yet")
	errOrderCanceled = errors.New("order closed without fill")
)

// Config 下单参数
type Config struct {
	Leverage            int
	MakerOffset         float64
	FillPolls           int
	FillPollInterval    time.Duration
	BracketAttempts     int
	BracketRetryDelay   time.Duration
	BracketMaxDeviation float64
}

// EntryRequest 一次开仓请求
type EntryRequest struct {
	Direction model.Direction
	Quantity  float64
	Timeframe string    // 信号来源周期
	Closes    []float64 // 来源周期收盘价，用于计算冷却期
	Ratios    Ratios
}

// EntryOutcome 开仓结果
type EntryOutcome int

const (
	EntryFilled    EntryOutcome = iota
	EntryRejected               // post-only 会吃单等，属于预期结果
	EntryNotFilled              // 轮询结束未成交，已撤单
	EntryCanceled               // 交易所侧撤销/过期
	EntryPending                // 撤单失败，开仓单留给下一轮对账确认
)

func (o EntryOutcome) String() string {
	switch o {
	case EntryFilled:
		return "filled"
	case EntryRejected:
		return "rejected"
	case EntryNotFilled:
		return "not_filled"
	case EntryCanceled:
		return "canceled"
	case EntryPending:
		return "pending"
	}
	return "unknown"
}

// Executor 负责开仓、止盈止损挂单与主动平仓
type Executor struct {
	ex      exchange.Exchange
	journal journal.Journal
	cfg     Config
	logger  *zap.Logger

	now      func() time.Time
	clientID func() string
}

func NewExecutor(ex exchange.Exchange, j journal.Journal, cfg Config, logger *zap.Logger) *Executor {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.BracketMaxDeviation <= 0 {
		cfg.BracketMaxDeviation = 0.05
	}
	return &Executor{
		ex:       ex,
		journal:  j,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		clientID: uuid.NewString,
	}
}

// MakerPrice 做多: bid*(1+offset)，若 >= ask 则取 bid；做空: ask*(1-offset)，若 <= bid 则取 ask
func MakerPrice(dir model.Direction, book model.OrderBook, offset float64) (float64, error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, errors.New("empty order book")
	}
	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	if dir == model.DirLong {
		p := bid * (1 + offset)
		if p >= ask {
			p = bid
		}
		return p, nil
	}
	p := ask * (1 - offset)
	if p <= bid {
		p = ask
	}
	return p, nil
}

// BracketPrices 止盈 = entry*(1 ± tp/leverage)，止损 = entry*(1 ∓ sl/leverage)，按价格精度取整。
// 偏离开仓价超过 maxDev 时退回固定的 ±maxDev。
func BracketPrices(side model.Direction, entry float64, r Ratios, leverage, priceDecimals int, maxDev float64) (tp, sl float64) {
	lev := float64(leverage)
	sign := 1.0
	if side == model.DirShort {
		sign = -1
	}
	tp = service.RoundTo(entry*(1+sign*r.TakeProfit/lev), priceDecimals)
	sl = service.RoundTo(entry*(1-sign*r.StopLoss/lev), priceDecimals)

	if math.Abs(tp-entry)/entry > maxDev {
		tp = service.RoundTo(entry*(1+sign*maxDev), priceDecimals)
	}
	if math.Abs(sl-entry)/entry > maxDev {
		sl = service.RoundTo(entry*(1-sign*maxDev), priceDecimals)
	}
	return tp, sl
}

// Enter 挂 post-only 限价单并有限次轮询成交。
// 成交后记录持仓、冷却期、交易计数与 ENTRY 流水，并立即挂止盈止损单。
func (e *Executor) Enter(ctx context.Context, st *SymbolState, req EntryRequest) (EntryOutcome, error) {
	logger := e.logger.With(zap.String("Symbol", st.Symbol))

	if st.Position.IsOpen() || st.Phase != PhaseFlat {
		return EntryRejected, ErrPositionOpen
	}
	if (req.Direction != model.DirLong && req.Direction != model.DirShort) || req.Quantity <= 0 {
		return EntryRejected, fmt.Errorf("%w: %s qty %v", ErrInvalidEntry, req.Direction, req.Quantity)
	}

	book, err := e.ex.FetchOrderBook(ctx, st.Symbol, risk.BookDepth)
	if err != nil {
		return EntryRejected, fmt.Errorf("fetch order book: %w", err)
	}
	target, err := MakerPrice(req.Direction, book, e.cfg.MakerOffset)
	if err != nil {
		return EntryRejected, err
	}
	price := service.FormatFixed(target, st.Precision.PriceDecimals)
	qty := service.FormatFixed(req.Quantity, st.Precision.QtyDecimals)

	st.transition(PhaseEntering, logger)
	order, err := e.ex.CreateLimitOrder(ctx, exchange.LimitOrderRequest{
		Symbol:   st.Symbol,
		Side:     req.Direction.EntrySide(),
		Quantity: qty,
		Price:    price,
		PostOnly: true,
		ClientID: e.clientID(),
	})
	if err != nil {
		st.transition(PhaseFlat, logger)
		if exchange.IsRejected(err) {
			logger.Info("Post-only entry rejected", zap.String("Side", string(req.Direction)), zap.Error(err))
			return EntryRejected, nil
		}
		return EntryRejected, fmt.Errorf("create entry order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(st.Symbol, string(model.OrderTypeLimit)).Inc()
	logger.Info("Entry order placed",
		zap.String("OrderID", order.ID), zap.String("Side", string(req.Direction)),
		zap.String("Price", price), zap.String("Qty", qty))

	filled, err := e.pollFill(ctx, st.Symbol, order.ID)
	switch {
	case err == nil:
	case errors.Is(err, errOrderCanceled):
		if filled.Executed <= 0 {
			st.transition(PhaseFlat, logger)
			logger.Info("Entry order closed by exchange", zap.String("OrderID", order.ID), zap.String("Status", string(filled.Status)))
			return EntryCanceled, nil
		}
	default:
		// 未成交：撤单 (不重试，本轮信号作废)
		filled, err = e.cancelEntry(ctx, st.Symbol, order.ID, logger)
		if err != nil {
			// 开仓单可能仍挂着或随时成交：保持 ENTERING，由对账确认
			st.Pending = &PendingEntry{OrderID: order.ID, Request: req}
			logger.Warn("Entry order state unknown, deferring to reconciler", zap.String("OrderID", order.ID))
			return EntryPending, err
		}
		if filled.Executed <= 0 && filled.Status != model.StatusFilled {
			st.transition(PhaseFlat, logger)
			logger.Info("Entry order not filled, cancelled", zap.String("OrderID", order.ID))
			return EntryNotFilled, nil
		}
	}

	e.recordEntry(ctx, st, req, filled, logger)
	e.PlaceBrackets(ctx, st, req.Ratios)
	return EntryFilled, nil
}

// pollFill 每次轮询前先等待；FILLED 返回订单，交易所撤销返回 errOrderCanceled
func (e *Executor) pollFill(ctx context.Context, symbol, id string) (model.Order, error) {
	var last model.Order
	policy := retry.Policy{Attempts: e.cfg.FillPolls, Delay: e.cfg.FillPollInterval, DelayFirst: true}
	err := retry.Do(ctx, policy, func(int) error {
		o, err := e.ex.FetchOrder(ctx, symbol, id)
		if err != nil {
			return err
		}
		last = o
		switch {
		case o.Status == model.StatusFilled:
			return nil
		case o.Status.IsDead():
			return retry.Stop(errOrderCanceled)
		}
		return errNotFilled
	})
	return last, err
}

// cancelEntry 撤销未成交的开仓单，并返回最终订单状态 (可能在撤单前刚好成交)
func (e *Executor) cancelEntry(ctx context.Context, symbol, id string, logger *zap.Logger) (model.Order, error) {
	cancelErr := e.ex.CancelOrder(ctx, symbol, id)
	if cancelErr != nil && !exchange.IsRejected(cancelErr) {
		// 撤单结果未知：挂单留给对账清理
		logger.Error("Failed to cancel entry order", zap.String("OrderID", id), zap.Error(cancelErr))
		return model.Order{}, fmt.Errorf("cancel entry order: %w", cancelErr)
	}
	o, err := e.ex.FetchOrder(ctx, symbol, id)
	if err != nil {
		if cancelErr == nil {
			return model.Order{}, nil
		}
		return model.Order{}, fmt.Errorf("fetch entry order after cancel: %w", err)
	}
	return o, nil
}

func (e *Executor) recordEntry(ctx context.Context, st *SymbolState, req EntryRequest, o model.Order, logger *zap.Logger) {
	now := e.now()
	qty := req.Quantity
	if o.Status != model.StatusFilled && o.Executed > 0 {
		// 部分成交后撤单
		qty = o.Executed
	}

	st.Position = model.Position{
		Side:       req.Direction,
		EntryPrice: o.FillPrice(),
		Quantity:   qty,
		Timeframe:  req.Timeframe,
		EntryTime:  now,
	}
	st.Brackets = model.BracketOrders{}
	st.CooldownUntil = now.Add(risk.CooldownDuration(req.Timeframe, req.Closes))
	st.TradeTimes = append(st.TradeTimes, now)
	st.transition(PhaseUnprotected, logger)

	logger.Info("Entry filled",
		zap.String("Position", st.Position.String()), zap.Time("CooldownUntil", st.CooldownUntil))

	_ = e.journal.Append(ctx, model.NewEntryLog(now, st.Symbol, req.Timeframe, st.Position.EntryPrice))
	metrics.TradesTotal.WithLabelValues(st.Symbol, string(model.ResultOpen)).Inc()
	metrics.Position.WithLabelValues(st.Symbol).Set(directionValue(req.Direction))
}

// PlaceBrackets 为当前持仓补齐缺失的止损/止盈单。
// 每张单有限次重试；仍失败时只告警，留给下一轮对账，绝不视为致命错误。
// 返回止盈止损是否齐全。
func (e *Executor) PlaceBrackets(ctx context.Context, st *SymbolState, r Ratios) bool {
	logger := e.logger.With(zap.String("Symbol", st.Symbol))
	if !st.Position.IsOpen() || st.Position.EntryPrice <= 0 || st.Position.Quantity <= 0 {
		return false
	}

	tp, sl := BracketPrices(st.Position.Side, st.Position.EntryPrice, r,
		e.cfg.Leverage, st.Precision.PriceDecimals, e.cfg.BracketMaxDeviation)

	if st.Brackets.StopLossID == "" {
		if id, err := e.placeBracket(ctx, st, model.OrderTypeStopMarket, sl); err != nil {
			logger.Warn("Stop-loss placement failed, deferring to reconciler", zap.Float64("StopPrice", sl), zap.Error(err))
		} else {
			st.Brackets.StopLossID = id
		}
	}
	if st.Brackets.TakeProfitID == "" {
		if id, err := e.placeBracket(ctx, st, model.OrderTypeTakeProfitMarket, tp); err != nil {
			logger.Warn("Take-profit placement failed, deferring to reconciler", zap.Float64("StopPrice", tp), zap.Error(err))
		} else {
			st.Brackets.TakeProfitID = id
		}
	}

	st.settle(logger)
	return st.Brackets.Complete()
}

func (e *Executor) placeBracket(ctx context.Context, st *SymbolState, typ model.OrderType, stop float64) (string, error) {
	req := exchange.OrderRequest{
		Symbol:     st.Symbol,
		Type:       typ,
		Side:       st.Position.Side.CloseSide(),
		Quantity:   service.FormatFixed(st.Position.Quantity, st.Precision.QtyDecimals),
		StopPrice:  service.FormatFixed(stop, st.Precision.PriceDecimals),
		ReduceOnly: true,
	}

	var id string
	policy := retry.Policy{Attempts: e.cfg.BracketAttempts, Delay: e.cfg.BracketRetryDelay}
	err := retry.Do(ctx, policy, func(attempt int) error {
		o, err := e.ex.CreateOrder(ctx, req)
		if err != nil {
			e.logger.Debug("Bracket attempt failed",
				zap.String("Symbol", st.Symbol), zap.String("Type", string(typ)), zap.Int("Attempt", attempt), zap.Error(err))
			return err
		}
		id = o.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.OrdersTotal.WithLabelValues(st.Symbol, string(typ)).Inc()
	e.logger.Info("Bracket placed",
		zap.String("Symbol", st.Symbol), zap.String("Type", string(typ)),
		zap.String("OrderID", id), zap.String("StopPrice", req.StopPrice))
	return id, nil
}

// Close 主动平仓：先撤销所有止盈止损单，再以市价 reduce-only 平仓，写 EXIT 流水并清空状态。
// 撤单出现非预期错误时中止，保证不会在止盈止损单仍有效时写 EXIT。
// 交易所已无持仓时返回 ErrAlreadyFlat 且不修改状态，由对账按止盈止损成交记录 EXIT。
func (e *Executor) Close(ctx context.Context, st *SymbolState) error {
	logger := e.logger.With(zap.String("Symbol", st.Symbol))
	if !st.Position.IsOpen() {
		return ErrNoPosition
	}

	pos, err := e.ex.FetchPosition(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	if pos.Quantity == 0 {
		logger.Warn("Exchange position already closed, leaving exit to reconciler", zap.String("Position", st.Position.String()))
		return ErrAlreadyFlat
	}

	open, err := e.ex.FetchOpenOrders(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	ids := bracketIDs(st.Brackets, open)
	if err := cancelAll(ctx, e.ex, st.Symbol, ids); err != nil {
		return fmt.Errorf("cancel brackets: %w", err)
	}
	st.transition(PhaseExiting, logger)

	order, err := e.ex.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     st.Symbol,
		Type:       model.OrderTypeMarket,
		Side:       st.Position.Side.CloseSide(),
		Quantity:   service.FormatFixed(st.Position.Quantity, st.Precision.QtyDecimals),
		ReduceOnly: true,
	})
	if err != nil {
		// 止盈止损已撤销但 ID 保留：持仓仍在则下一轮对账补挂，已被止盈止损平掉则按成交记录 EXIT
		st.transition(PhaseUnprotected, logger)
		return fmt.Errorf("market close: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(st.Symbol, string(model.OrderTypeMarket)).Inc()

	exitPrice := order.FillPrice()
	if exitPrice <= 0 {
		if o, err := e.ex.FetchOrder(ctx, st.Symbol, order.ID); err == nil {
			exitPrice = o.FillPrice()
		}
	}
	if exitPrice <= 0 {
		logger.Warn("Exit price unknown, journaling EXIT with unknown result", zap.String("OrderID", order.ID))
	}

	e.recordExit(ctx, st, exitPrice, logger)
	return nil
}

func (e *Executor) recordExit(ctx context.Context, st *SymbolState, exitPrice float64, logger *zap.Logger) {
	pos := st.Position
	entry := model.NewExitLog(e.now(), st.Symbol, pos.Timeframe, pos.Side, pos.EntryPrice, exitPrice)
	_ = e.journal.Append(ctx, entry)
	metrics.TradesTotal.WithLabelValues(st.Symbol, string(entry.Result)).Inc()
	metrics.Position.WithLabelValues(st.Symbol).Set(0)

	logger.Info("Position closed",
		zap.String("Position", pos.String()), zap.Float64("Exit", exitPrice),
		zap.Float64("PnLPct", entry.PnLPct), zap.String("Result", string(entry.Result)))
	st.Clear()
}

// bracketIDs 跟踪中的止盈止损单加上交易所上所有止盈止损类型的挂单 (去重)
func bracketIDs(b model.BracketOrders, open []model.Order) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(b.StopLossID)
	add(b.TakeProfitID)
	for _, o := range open {
		if o.Type.IsBracket() {
			add(o.ID)
		}
	}
	return ids
}

// cancelAll 订单不存在 (已成交/已撤销) 视为成功；其他错误立即返回
func cancelAll(ctx context.Context, ex exchange.Exchange, symbol string, ids []string) error {
	for _, id := range ids {
		if err := ex.CancelOrder(ctx, symbol, id); err != nil && !exchange.IsRejected(err) {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	return nil
}

func directionValue(d model.Direction) float64 {
	switch d {
	case model.DirLong:
		return 1
	case model.DirShort:
		return -1
	}
	return 0
}
