package strategy

import (
	"fmt"

	"crypto-futures-trader/internal/model"
	"crypto-futures-trader/pkg/ta"
)

// 评分阈值
const (
	SignalThreshold    = 1.5 // |score| >= 1.5 才有方向
	HigherTFFastPath   = 3.0 // 高周期 |score| >= 3 直接采用
	RSIOversold        = 30.0
	RSIOverbought      = 70.0
	ADXTrendConfirmed  = 25.0
	weightEMACross     = 2.0
	weightMACD         = 1.0
	weightRSI          = 1.0
	weightADXConfirmed = 1.5
)

// higherTimeframes 按检查顺序排列
var higherTimeframes = []string{"1h", "4h", "1d"}

// TimeframeScore 单个周期的评分结果
type TimeframeScore struct {
	Timeframe string
	Score     float64
	Direction model.Direction
	Snapshot  ta.Snapshot
}

// Signal 结构体定义了策略层向执行层发出的开仓候选
type Signal struct {
	Symbol    string
	Direction model.Direction // long/short；flat 表示无信号
	Timeframe string          // 信号来源周期 (写入交易流水)
	Score     float64
	Snapshot  ta.Snapshot // 来源周期的指标快照，供 AI 过滤使用
	Reason    string
}

// NoSignal 无操作
func NoSignal(symbol, reason string) Signal {
	return Signal{Symbol: symbol, Direction: model.DirFlat, Reason: reason}
}

func (s Signal) IsNone() bool {
	return s.Direction != model.DirLong && s.Direction != model.DirShort
}

func (s Signal) String() string {
	if s.IsNone() {
		return fmt.Sprintf("SIGNAL [%s | NONE] %s", s.Symbol, s.Reason)
	}
	return fmt.Sprintf("SIGNAL [%s | %s | %s] score %.1f @ %.4f | %s",
		s.Symbol, s.Direction, s.Timeframe, s.Score, s.Snapshot.Close, s.Reason)
}
