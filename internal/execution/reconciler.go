package execution

import (
	"context"
	"fmt"
	"math"

	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

// Reconciler 以交易所为准校正本地持仓与止盈止损单。
// 每个 tick 对每个交易对运行一次，且总在开仓评估之前。
type Reconciler struct {
	ex     exchange.Exchange
	exec   *Executor
	logger *zap.Logger
}

// NewReconciler EXIT 流水通过 exec 的 journal 写入
func NewReconciler(ex exchange.Exchange, exec *Executor, logger *zap.Logger) *Reconciler {
	return &Reconciler{ex: ex, exec: exec, logger: logger}
}

// Reconcile 对账一次。返回错误时本轮放弃该交易对，本地状态保持不变以便下轮重试。
// 交易所状态未变化时重复调用不会产生新订单、新流水或状态变化。
func (r *Reconciler) Reconcile(ctx context.Context, st *SymbolState, ratios Ratios) error {
	logger := r.logger.With(zap.String("Symbol", st.Symbol))

	// 先确认未决的开仓单，之后查询到的持仓才包含它的成交
	if st.Pending != nil {
		if err := r.resolvePending(ctx, st, logger); err != nil {
			return err
		}
	}

	pos, err := r.ex.FetchPosition(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	open, err := r.ex.FetchOpenOrders(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	st.UnrealizedPnL = pos.UnrealizedPnL

	// 非止盈止损类型的挂单一律撤销 (残留开仓单、人工挂单)
	var brackets []model.Order
	for _, o := range open {
		if o.Type.IsBracket() {
			brackets = append(brackets, o)
			continue
		}
		r.repair(ctx, st, "cancel_stray", o, logger)
	}

	if pos.Quantity != 0 {
		return r.reconcileOpen(ctx, st, pos, brackets, ratios, logger)
	}
	return r.reconcileFlat(ctx, st, brackets, logger)
}

// resolvePending 确认上一轮撤单失败的开仓单：仍挂着则撤销；有成交 (含部分成交) 则按原信号补记开仓，否则回到 FLAT
func (r *Reconciler) resolvePending(ctx context.Context, st *SymbolState, logger *zap.Logger) error {
	p := st.Pending
	o, err := r.ex.FetchOrder(ctx, st.Symbol, p.OrderID)
	if err != nil && !exchange.IsRejected(err) {
		return fmt.Errorf("fetch pending entry %s: %w", p.OrderID, err)
	}
	if err == nil && o.Status.IsOpen() {
		if err := r.ex.CancelOrder(ctx, st.Symbol, p.OrderID); err != nil && !exchange.IsRejected(err) {
			return fmt.Errorf("cancel pending entry %s: %w", p.OrderID, err)
		}
		if o, err = r.ex.FetchOrder(ctx, st.Symbol, p.OrderID); err != nil {
			return fmt.Errorf("fetch pending entry %s after cancel: %w", p.OrderID, err)
		}
	}

	st.Pending = nil
	if o.Status == model.StatusFilled || o.Executed > 0 {
		logger.Warn("Pending entry order filled, recording entry",
			zap.String("OrderID", p.OrderID), zap.String("Status", string(o.Status)), zap.Float64("Executed", o.Executed))
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "pending_entry_filled").Inc()
		r.exec.recordEntry(ctx, st, p.Request, o, logger)
		return nil
	}
	logger.Info("Pending entry order closed without fill", zap.String("OrderID", p.OrderID), zap.String("Status", string(o.Status)))
	metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "pending_entry_cancelled").Inc()
	st.transition(PhaseFlat, logger)
	return nil
}

// reconcileOpen 交易所有持仓：采用交易所方向与数量，整理并补齐止盈止损单
func (r *Reconciler) reconcileOpen(ctx context.Context, st *SymbolState, pos model.ExchangePosition,
	brackets []model.Order, ratios Ratios, logger *zap.Logger) error {

	side := model.DirLong
	if pos.Quantity < 0 {
		side = model.DirShort
	}
	qty := math.Abs(pos.Quantity)

	switch {
	case !st.Position.IsOpen() || st.Position.Side != side:
		// 重启或本地缓存丢失：以交易所为准
		logger.Warn("Adopting exchange position",
			zap.String("Local", st.Position.String()), zap.String("Side", string(side)),
			zap.Float64("Qty", qty), zap.Float64("Entry", pos.EntryPrice))
		timeframe := st.Position.Timeframe
		if timeframe == "" {
			timeframe = "unknown"
		}
		st.Position = model.Position{
			Side:       side,
			EntryPrice: pos.EntryPrice,
			Quantity:   qty,
			Timeframe:  timeframe,
			EntryTime:  r.exec.now(),
		}
		st.Brackets = model.BracketOrders{}
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "adopt_position").Inc()
	case math.Abs(st.Position.Quantity-qty) > 1e-12:
		logger.Warn("Position quantity differs from exchange",
			zap.Float64("Local", st.Position.Quantity), zap.Float64("Exchange", qty))
		st.Position.Quantity = qty
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "adopt_quantity").Inc()
	}
	if st.Position.EntryPrice <= 0 {
		st.Position.EntryPrice = pos.EntryPrice
	}

	closeSide := side.CloseSide()
	st.Brackets.StopLossID = r.matchBracket(ctx, st, st.Brackets.StopLossID, model.OrderTypeStopMarket, closeSide, brackets, logger)
	st.Brackets.TakeProfitID = r.matchBracket(ctx, st, st.Brackets.TakeProfitID, model.OrderTypeTakeProfitMarket, closeSide, brackets, logger)

	// 方向错误的止盈止损单 (例如旧仓位遗留) 撤销
	for _, o := range brackets {
		if o.Side != closeSide {
			r.repair(ctx, st, "cancel_wrong_side", o, logger)
		}
	}

	if !st.Brackets.Complete() {
		logger.Warn("Position missing brackets, placing",
			zap.String("StopLossID", st.Brackets.StopLossID), zap.String("TakeProfitID", st.Brackets.TakeProfitID))
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "place_missing").Inc()
		r.exec.PlaceBrackets(ctx, st, ratios)
	}
	st.settle(logger)
	metrics.Position.WithLabelValues(st.Symbol).Set(directionValue(side))
	return nil
}

// matchBracket 返回应跟踪的订单 ID：已跟踪且仍挂着的保留；否则采用交易所上同类型的挂单；
// 多余的同类型挂单撤销。找不到时返回空串。
func (r *Reconciler) matchBracket(ctx context.Context, st *SymbolState, tracked string, typ model.OrderType,
	side model.OrderSide, brackets []model.Order, logger *zap.Logger) string {

	var candidates []model.Order
	for _, o := range brackets {
		if o.Type == typ && o.Side == side {
			candidates = append(candidates, o)
		}
	}

	keep := ""
	for _, o := range candidates {
		if o.ID == tracked {
			keep = tracked
			break
		}
	}
	if keep == "" && tracked != "" {
		logger.Warn("Tracked bracket no longer open, dropping", zap.String("Type", string(typ)), zap.String("OrderID", tracked))
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "drop_stale").Inc()
	}
	if keep == "" && len(candidates) > 0 {
		keep = candidates[0].ID
		logger.Warn("Adopting untracked bracket", zap.String("Type", string(typ)), zap.String("OrderID", keep))
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "adopt_bracket").Inc()
	}
	for _, o := range candidates {
		if o.ID != keep {
			r.repair(ctx, st, "cancel_duplicate", o, logger)
		}
	}
	return keep
}

// reconcileFlat 交易所无持仓
func (r *Reconciler) reconcileFlat(ctx context.Context, st *SymbolState, brackets []model.Order, logger *zap.Logger) error {
	if !st.Position.IsOpen() && st.Brackets.Empty() {
		// 无本地状态：清理孤立的止盈止损单
		for _, o := range brackets {
			r.repair(ctx, st, "cancel_orphan", o, logger)
		}
		st.settle(logger)
		metrics.Position.WithLabelValues(st.Symbol).Set(0)
		return nil
	}

	prev := st.Phase
	st.transition(PhaseExiting, logger)

	// 依次查询止损、止盈单，找出已成交的一张
	var filled *model.Order
	for _, id := range []string{st.Brackets.StopLossID, st.Brackets.TakeProfitID} {
		if id == "" {
			continue
		}
		o, err := r.ex.FetchOrder(ctx, st.Symbol, id)
		if err != nil {
			if exchange.IsRejected(err) {
				continue
			}
			st.transition(prev, logger)
			return fmt.Errorf("fetch bracket %s: %w", id, err)
		}
		if o.Status == model.StatusFilled {
			filled = &o
			break
		}
	}

	// 先撤销剩余的止盈止损单，成功后才能写 EXIT
	if err := cancelAll(ctx, r.ex, st.Symbol, bracketIDs(st.Brackets, brackets)); err != nil {
		st.transition(prev, logger)
		return fmt.Errorf("cancel sibling bracket: %w", err)
	}

	if filled == nil {
		logger.Warn("Position closed outside the bracket orders, clearing state without EXIT",
			zap.String("Position", st.Position.String()))
		metrics.ReconcileRepairs.WithLabelValues(st.Symbol, "external_close").Inc()
		metrics.Position.WithLabelValues(st.Symbol).Set(0)
		st.Clear()
		return nil
	}

	if !st.Position.IsOpen() {
		// 只有残留的止盈止损单记录，没有对应的 ENTRY
		logger.Warn("Bracket filled without a tracked position", zap.String("OrderID", filled.ID))
		metrics.Position.WithLabelValues(st.Symbol).Set(0)
		st.Clear()
		return nil
	}

	logger.Info("Bracket filled", zap.String("Type", string(filled.Type)), zap.String("OrderID", filled.ID),
		zap.Float64("Price", filled.FillPrice()))
	r.exec.recordExit(ctx, st, filled.FillPrice(), logger)
	return nil
}

// repair 撤销一张不应存在的挂单；失败只告警，下一轮再试
func (r *Reconciler) repair(ctx context.Context, st *SymbolState, action string, o model.Order, logger *zap.Logger) {
	err := r.ex.CancelOrder(ctx, st.Symbol, o.ID)
	if err != nil && !exchange.IsRejected(err) {
		logger.Warn("Failed to cancel order during reconciliation",
			zap.String("Action", action), zap.String("OrderID", o.ID), zap.Error(err))
		return
	}
	logger.Warn("Reconciliation cancelled order",
		zap.String("Action", action), zap.String("OrderID", o.ID), zap.String("Type", string(o.Type)))
	metrics.ReconcileRepairs.WithLabelValues(st.Symbol, action).Inc()
}
