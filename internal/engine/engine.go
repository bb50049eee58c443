// Package engine 主循环：按固定周期依次处理每个交易对 (对账 -> 风控 -> 信号 -> 开仓)。
// 所有持仓状态只在该 goroutine 中修改。
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-futures-trader/internal/data"
	"crypto-futures-trader/internal/exchange"
	"crypto-futures-trader/internal/execution"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/internal/oracle"
	"crypto-futures-trader/internal/risk"
	"crypto-futures-trader/internal/service"
	"crypto-futures-trader/internal/strategy"
	"crypto-futures-trader/pkg/ta"

	"go.uber.org/zap"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrStopped       = errors.New("engine stopped")
)

// Deps 引擎依赖的组件
type Deps struct {
	Exchange   exchange.Exchange
	Store      *data.Store
	Evaluator  *strategy.Evaluator
	Governor   *risk.Governor
	Gate       *oracle.Gate
	Executor   *execution.Executor
	Reconciler *execution.Reconciler
	Journal    journal.Journal
	Table      *execution.Table
}

type closeRequest struct {
	symbol string
	done   chan error
}

// Engine 单 goroutine 的交易主循环
type Engine struct {
	cfg  *service.Config
	deps Deps

	closeReqs chan closeRequest
	stopped   chan struct{}
	logger    *zap.Logger
}

func New(cfg *service.Config, deps Deps, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		closeReqs: make(chan closeRequest, 16),
		stopped:   make(chan struct{}),
		logger:    logger.With(zap.String("component", "engine")),
	}
}

// Startup 设置杠杆、加载精度、回填历史 K 线、从流水恢复当日开仓次数，并对所有交易对对账一次。
// 杠杆或精度失败时返回错误 (无法安全下单)；回填与对账失败只告警。
func (e *Engine) Startup(ctx context.Context) error {
	recent, err := e.deps.Journal.Recent(ctx, "")
	if err != nil {
		e.logger.Warn("Failed to load recent trades, daily counters start empty", zap.Error(err))
	}

	for _, sc := range e.cfg.Symbols {
		logger := e.logger.With(zap.String("Symbol", sc.Symbol))

		if err := e.deps.Exchange.SetLeverage(ctx, sc.Symbol, e.cfg.Risk.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", sc.Symbol, err)
		}
		prec, err := e.deps.Exchange.SymbolPrecision(ctx, sc.Symbol)
		if err != nil {
			return fmt.Errorf("load precision for %s: %w", sc.Symbol, err)
		}

		for _, tf := range e.cfg.Engine.Timeframes {
			candles, err := e.deps.Exchange.FetchCandles(ctx, sc.Symbol, tf, e.cfg.Engine.Backfill)
			if err != nil {
				logger.Warn("Backfill failed", zap.String("Timeframe", tf), zap.Error(err))
				continue
			}
			e.deps.Store.Backfill(sc.Symbol, tf, candles)
			logger.Info("Backfilled candles", zap.String("Timeframe", tf), zap.Int("Count", len(candles)))
		}

		st := e.deps.Table.Checkout(sc.Symbol)
		st.Precision = prec
		st.TradeTimes = journal.EntryTimes(recent, sc.Symbol)
		if err := e.deps.Reconciler.Reconcile(ctx, st, ratiosFor(sc)); err != nil {
			logger.Warn("Startup reconciliation failed, will retry on next tick", zap.Error(err))
		}
		e.deps.Table.Commit(st)

		logger.Info("Symbol initialized",
			zap.Int("PriceDecimals", prec.PriceDecimals), zap.Int("QtyDecimals", prec.QtyDecimals),
			zap.Int("Trades24h", len(st.TradeTimes)), zap.String("Position", st.Position.String()))
	}
	return nil
}

// Run 立即执行一次 tick，之后按 tick_interval 周期执行，直到 ctx 取消。
// 交易所调用使用与 ctx 脱钩的上下文，关闭时进行中的交易对步骤会完整执行。
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	work := context.WithoutCancel(ctx)

	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	e.tick(ctx, work)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return nil
		case req := <-e.closeReqs:
			req.done <- e.closePosition(work, req.symbol)
		case <-ticker.C:
			e.tick(ctx, work)
		}
	}
}

// RequestClose 请求主动平仓，由主循环串行执行，返回平仓结果
func (e *Engine) RequestClose(ctx context.Context, symbol string) error {
	if _, ok := e.cfg.Symbol(symbol); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	req := closeRequest{symbol: symbol, done: make(chan error, 1)}
	select {
	case e.closeReqs <- req:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) closePosition(ctx context.Context, symbol string) error {
	st := e.deps.Table.Checkout(symbol)
	defer e.deps.Table.Commit(st)
	logger := e.logger.With(zap.String("Symbol", symbol))
	logger.Info("Manual close requested", zap.String("Position", st.Position.String()))

	err := e.deps.Executor.Close(ctx, st)
	if errors.Is(err, execution.ErrAlreadyFlat) {
		// 止盈止损已先成交：立即对账写入对应的 EXIT
		sc, _ := e.cfg.Symbol(symbol)
		if rerr := e.deps.Reconciler.Reconcile(ctx, st, ratiosFor(sc)); rerr != nil {
			logger.Warn("Reconciliation after close failed, will retry on next tick", zap.Error(rerr))
		}
	}
	return err
}

// tick 按配置顺序处理每个交易对；关闭信号只在交易对之间检查
func (e *Engine) tick(ctx, work context.Context) {
	for _, sc := range e.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		e.step(work, sc)
	}
}

// step 单个交易对的一次完整处理
func (e *Engine) step(ctx context.Context, sc service.SymbolConfig) {
	logger := e.logger.With(zap.String("Symbol", sc.Symbol))
	st := e.deps.Table.Checkout(sc.Symbol)
	defer e.deps.Table.Commit(st)

	ratios := ratiosFor(sc)
	if err := e.deps.Reconciler.Reconcile(ctx, st, ratios); err != nil {
		logger.Error("Reconciliation failed, skipping symbol this tick", zap.Error(err))
		return
	}

	pruned, capErr := e.deps.Governor.CheckDailyCap(st.TradeTimes)
	st.TradeTimes = pruned

	if st.Position.IsOpen() || st.Phase != execution.PhaseFlat {
		return
	}
	if e.deps.Governor.InCooldown(st.CooldownUntil) {
		logger.Debug("In cooldown", zap.Time("Until", st.CooldownUntil))
		return
	}
	if capErr != nil {
		e.reject(logger, sc.Symbol, capErr)
		return
	}

	sig := e.deps.Evaluator.Evaluate(sc.Symbol, e.params(sc))
	if sig.IsNone() {
		logger.Debug("No signal", zap.String("Reason", sig.Reason))
		return
	}
	metrics.SignalsTotal.WithLabelValues(sc.Symbol, string(sig.Direction)).Inc()
	logger.Info("Signal", zap.String("Signal", sig.String()))

	balance, err := e.deps.Exchange.FetchBalance(ctx)
	if err != nil {
		logger.Error("Failed to fetch balance", zap.Error(err))
		return
	}
	qty := risk.PositionSize(balance, e.cfg.Risk.TradeValue, sig.Snapshot.Close,
		e.cfg.Risk.Leverage, st.Precision.QtyDecimals, sc.MinQty)
	if qty <= 0 {
		logger.Warn("Position size below minimum, skipping",
			zap.Float64("Balance", balance), zap.Float64("TradeValue", e.cfg.Risk.TradeValue),
			zap.Float64("Price", sig.Snapshot.Close), zap.Float64("MinQty", sc.MinQty))
		metrics.RiskRejections.WithLabelValues(sc.Symbol, "size").Inc()
		return
	}

	if e.cfg.Engine.SignalPriority {
		logger.Info("Signal priority enabled, skipping liquidity and AI checks")
	} else {
		if err := e.deps.Governor.CheckLiquidity(ctx, sc.Symbol, qty); err != nil {
			if risk.IsRejection(err) {
				e.reject(logger, sc.Symbol, err)
			} else {
				logger.Error("Liquidity check failed", zap.Error(err))
			}
			return
		}
		decision := e.deps.Gate.Accept(ctx, sig.Direction, sig.Snapshot.Features())
		if !decision.Accepted {
			logger.Info("AI gate rejected signal",
				zap.String("Direction", string(sig.Direction)), zap.Float64("Probability", decision.Probability),
				zap.String("Reason", decision.Reason))
			metrics.RiskRejections.WithLabelValues(sc.Symbol, "ai").Inc()
			return
		}
		logger.Info("AI gate accepted signal", zap.Float64("Probability", decision.Probability))
	}

	outcome, err := e.deps.Executor.Enter(ctx, st, execution.EntryRequest{
		Direction: sig.Direction,
		Quantity:  qty,
		Timeframe: sig.Timeframe,
		Closes:    model.Closes(e.deps.Store.Latest(sc.Symbol, sig.Timeframe)),
		Ratios:    ratios,
	})
	if err != nil {
		logger.Error("Entry failed", zap.String("Outcome", outcome.String()), zap.Error(err))
		return
	}
	logger.Info("Entry attempt finished", zap.String("Outcome", outcome.String()), zap.String("Phase", string(st.Phase)))
}

func (e *Engine) reject(logger *zap.Logger, symbol string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, risk.ErrSpreadTooWide):
		reason = "spread"
	case errors.Is(err, risk.ErrInsufficientDepth), errors.Is(err, risk.ErrEmptyBook):
		reason = "depth"
	case errors.Is(err, risk.ErrDailyCapReached):
		reason = "daily_cap"
	case errors.Is(err, risk.ErrCooldown):
		reason = "cooldown"
	}
	logger.Info("Risk check rejected entry", zap.String("Reason", reason), zap.Error(err))
	metrics.RiskRejections.WithLabelValues(symbol, reason).Inc()
}

func (e *Engine) params(sc service.SymbolConfig) ta.Params {
	return ta.Params{
		EMAShort:   sc.EMAShort,
		EMALong:    sc.EMALong,
		RSI:        sc.RSI,
		MACDFast:   sc.MACDFast,
		MACDSlow:   sc.MACDSlow,
		MACDSignal: sc.MACDSignal,
		ADX:        sc.ADX,
		BBPeriod:   e.cfg.AI.BBPeriod,
		BBK:        e.cfg.AI.BBK,
		StochK:     e.cfg.AI.StochKPeriod,
		StochD:     e.cfg.AI.StochDPeriod,
	}
}

func ratiosFor(sc service.SymbolConfig) execution.Ratios {
	return execution.Ratios{TakeProfit: sc.TakeProfit, StopLoss: sc.StopLoss}
}
