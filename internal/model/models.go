package model

import "time"

// Ticker 代表最新成交价快照 (来自 ticker 流)
type Ticker struct {
	Symbol    string  // 所属交易对，例如 "BTCUSDT"
	Timestamp int64   // 毫秒时间戳
	Price     float64 // 最新价格
}

// KLine 代表一根 K 线 (OHLCV)
type KLine struct {
	Symbol    string // 所属交易对
	Interval  string // 周期，例如 "5m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	Closed    bool // 交易所是否已确认该 K 线收盘
}

// Closes 返回收盘价序列
func Closes(series []KLine) []float64 {
	out := make([]float64, len(series))
	for i, k := range series {
		out[i] = k.Close
	}
	return out
}
