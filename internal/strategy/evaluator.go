package strategy

import (
	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"

	"go.uber.org/zap"
)

// SeriesSource 只读的 K 线快照来源 (data.Store)
type SeriesSource interface {
	Latest(symbol, timeframe string) []model.KLine
}

// Evaluator 负责根据多周期指标生成交易信号
type Evaluator struct {
	calc       ta.Calculator
	source     SeriesSource
	timeframes []string // 扫描顺序
	logger     *zap.Logger
}

// NewEvaluator 初始化信号生成器
func NewEvaluator(calc ta.Calculator, source SeriesSource, timeframes []string, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		calc:       calc,
		source:     source,
		timeframes: timeframes,
		logger:     logger,
	}
}

// Evaluate 对所有周期评分并聚合为一个信号。
// 数据缺失的周期直接跳过，不影响其他周期。
func (e *Evaluator) Evaluate(symbol string, p ta.Params) Signal {
	scores := make([]TimeframeScore, 0, len(e.timeframes))
	for _, tf := range e.timeframes {
		series := e.source.Latest(symbol, tf)
		snap, err := e.calc.Compute(series, p)
		if err != nil {
			e.logger.Debug("Timeframe skipped", zap.String("Symbol", symbol), zap.String("Timeframe", tf), zap.Error(err))
			continue
		}
		score := ScoreSnapshot(snap)
		scores = append(scores, TimeframeScore{
			Timeframe: tf,
			Score:     score,
			Direction: DirectionForScore(score),
			Snapshot:  snap,
		})
	}

	best, reason, ok := Aggregate(scores)
	if !ok {
		return NoSignal(symbol, reason)
	}
	return Signal{
		Symbol:    symbol,
		Direction: best.Direction,
		Timeframe: best.Timeframe,
		Score:     best.Score,
		Snapshot:  best.Snapshot,
		Reason:    reason,
	}
}

// ScoreSnapshot 加权评分：EMA 交叉 ±2，MACD ±1，RSI 超卖/超买 ±1，ADX>25 顺 EMA 方向 ±1.5
func ScoreSnapshot(s ta.Snapshot) float64 {
	var score, emaDir float64

	switch {
	case s.EMAShort > s.EMALong:
		emaDir = 1
	case s.EMAShort < s.EMALong:
		emaDir = -1
	}
	score += weightEMACross * emaDir

	switch {
	case s.MACD > s.MACDSignal:
		score += weightMACD
	case s.MACD < s.MACDSignal:
		score -= weightMACD
	}

	switch {
	case s.RSI < RSIOversold:
		score += weightRSI
	case s.RSI > RSIOverbought:
		score -= weightRSI
	}

	if s.ADX > ADXTrendConfirmed {
		score += weightADXConfirmed * emaDir
	}
	return score
}

// DirectionForScore score >= 1.5 做多，<= -1.5 做空
func DirectionForScore(score float64) model.Direction {
	switch {
	case score >= SignalThreshold:
		return model.DirLong
	case score <= -SignalThreshold:
		return model.DirShort
	}
	return model.DirFlat
}

// Aggregate 多周期聚合。
// 1h/4h/1d 中 |score| >= 3 的周期直接胜出；否则至少两个周期有信号且方向一致时，
// 采用扫描顺序中的第一个。
func Aggregate(scores []TimeframeScore) (TimeframeScore, string, bool) {
	byTF := make(map[string]TimeframeScore, len(scores))
	for _, s := range scores {
		byTF[s.Timeframe] = s
	}
	for _, tf := range higherTimeframes {
		s, ok := byTF[tf]
		if ok && s.Direction != model.DirFlat && abs(s.Score) >= HigherTFFastPath {
			return s, "higher timeframe " + tf + " strong signal", true
		}
	}

	var active []TimeframeScore
	for _, s := range scores {
		if s.Direction != model.DirFlat {
			active = append(active, s)
		}
	}
	if len(active) < 2 {
		return TimeframeScore{}, "fewer than two timeframes signal", false
	}
	for _, s := range active[1:] {
		if s.Direction != active[0].Direction {
			return TimeframeScore{}, "timeframes disagree", false
		}
	}
	return active[0], "timeframes agree", true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
