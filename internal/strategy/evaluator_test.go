package strategy

import (
	"testing"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var (
	bullish  = ta.Snapshot{EMAShort: 105, EMALong: 100, MACD: 1, MACDSignal: 0.5, RSI: 50, ADX: 30} // 2+1+1.5
	mild     = ta.Snapshot{EMAShort: 105, EMALong: 100, MACD: 0, MACDSignal: 0.5, RSI: 50, ADX: 10} // 2-1
	bearish  = ta.Snapshot{EMAShort: 95, EMALong: 100, MACD: -1, MACDSignal: 0, RSI: 50, ADX: 10}   // -2-1
	weakUp   = ta.Snapshot{EMAShort: 105, EMALong: 100, MACD: 1, MACDSignal: 0.5, RSI: 80, ADX: 10} // 2+1-1
	oversold = ta.Snapshot{EMAShort: 100, EMALong: 100, MACD: 0, MACDSignal: 0, RSI: 20, ADX: 40}   // 1
)

func TestScoreSnapshot(t *testing.T) {
	assert.Equal(t, 4.5, ScoreSnapshot(bullish))
	assert.Equal(t, 1.0, ScoreSnapshot(mild))
	assert.Equal(t, -3.0, ScoreSnapshot(bearish))
	assert.Equal(t, 2.0, ScoreSnapshot(weakUp))
	// EMA 无交叉时 ADX 不加分
	assert.Equal(t, 1.0, ScoreSnapshot(oversold))
}

func TestDirectionForScore(t *testing.T) {
	assert.Equal(t, model.DirLong, DirectionForScore(1.5))
	assert.Equal(t, model.DirShort, DirectionForScore(-1.5))
	assert.Equal(t, model.DirFlat, DirectionForScore(1.0))
}

func ts(tf string, score float64) TimeframeScore {
	return TimeframeScore{Timeframe: tf, Score: score, Direction: DirectionForScore(score)}
}

func TestAggregateHigherTimeframeFastPath(t *testing.T) {
	got, _, ok := Aggregate([]TimeframeScore{ts("5m", 2), ts("15m", 2), ts("4h", -3)})
	assert.True(t, ok)
	assert.Equal(t, "4h", got.Timeframe)
	assert.Equal(t, model.DirShort, got.Direction)

	// 1h 优先于 4h
	got, _, ok = Aggregate([]TimeframeScore{ts("4h", -4.5), ts("1h", 3)})
	assert.True(t, ok)
	assert.Equal(t, "1h", got.Timeframe)
}

func TestAggregateAgreement(t *testing.T) {
	got, _, ok := Aggregate([]TimeframeScore{ts("5m", 1), ts("15m", 2), ts("30m", 1.5)})
	assert.True(t, ok)
	assert.Equal(t, "15m", got.Timeframe)
	assert.Equal(t, model.DirLong, got.Direction)

	_, _, ok = Aggregate([]TimeframeScore{ts("5m", 2), ts("15m", -2)})
	assert.False(t, ok)

	_, _, ok = Aggregate([]TimeframeScore{ts("5m", 2), ts("15m", 0)})
	assert.False(t, ok)

	// 低周期 |score|>=3 不走快速通道
	_, _, ok = Aggregate([]TimeframeScore{ts("5m", 4.5)})
	assert.False(t, ok)
}

type fakeSource map[string][]model.KLine

func (f fakeSource) Latest(_, tf string) []model.KLine { return f[tf] }

// fakeCalc 按周期返回预设快照
type fakeCalc map[string]ta.Snapshot

func (f fakeCalc) Compute(series []model.KLine, _ ta.Params) (ta.Snapshot, error) {
	if len(series) < ta.MinHistoryLen {
		return ta.Snapshot{}, ta.ErrInsufficientHistory
	}
	return f[series[0].Interval], nil
}

func bars(tf string, n int) []model.KLine {
	out := make([]model.KLine, n)
	for i := range out {
		out[i].Interval = tf
	}
	return out
}

func TestEvaluatorSkipsShortSeries(t *testing.T) {
	src := fakeSource{"5m": bars("5m", 50), "15m": bars("15m", 50), "1h": bars("1h", 10)}
	calc := fakeCalc{"5m": weakUp, "15m": bullish, "1h": bearish}
	e := NewEvaluator(calc, src, []string{"5m", "15m", "1h"}, zap.NewNop())

	sig := e.Evaluate("BTCUSDT", ta.Params{})
	assert.False(t, sig.IsNone())
	assert.Equal(t, model.DirLong, sig.Direction)
	assert.Equal(t, "5m", sig.Timeframe)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
}

func TestEvaluatorNoData(t *testing.T) {
	e := NewEvaluator(fakeCalc{}, fakeSource{}, []string{"5m"}, zap.NewNop())
	assert.True(t, e.Evaluate("BTCUSDT", ta.Params{}).IsNone())
}
