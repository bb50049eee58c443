// Package journal 只追加的交易流水 (ENTRY/EXIT)
package journal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crypto-futures-trader/internal/model"
)

// TimeLayout 流水时间戳格式
const TimeLayout = "2006-01-02 15:04:05"

// Window Recent 查询的滚动窗口
const Window = 24 * time.Hour

// Header CSV 表头
var Header = []string{"timestamp", "symbol", "timeframe", "type", "entry_price", "exit_price", "pnl_pct", "result"}

// Journal 交易流水存储
type Journal interface {
	Append(ctx context.Context, e model.TradeLogEntry) error
	// Recent 返回最近 24h 的记录；symbol 为空时返回全部交易对
	Recent(ctx context.Context, symbol string) ([]model.TradeLogEntry, error)
	Close() error
}

// Record 把一条流水转换为 CSV 行
func Record(e model.TradeLogEntry) []string {
	return []string{
		e.Timestamp.Format(TimeLayout),
		e.Symbol,
		e.Timeframe,
		string(e.Type),
		strconv.FormatFloat(e.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(e.ExitPrice, 'f', -1, 64),
		strconv.FormatFloat(e.PnLPct, 'f', -1, 64),
		string(e.Result),
	}
}

// ParseRecord Record 的逆操作；时间按 loc 解析
func ParseRecord(rec []string, loc *time.Location) (model.TradeLogEntry, error) {
	if len(rec) != len(Header) {
		return model.TradeLogEntry{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(rec))
	}
	ts, err := time.ParseInLocation(TimeLayout, rec[0], loc)
	if err != nil {
		return model.TradeLogEntry{}, fmt.Errorf("timestamp: %w", err)
	}
	nums := make([]float64, 3)
	for i := range nums {
		if nums[i], err = strconv.ParseFloat(rec[4+i], 64); err != nil {
			return model.TradeLogEntry{}, fmt.Errorf("%s: %w", Header[4+i], err)
		}
	}
	return model.TradeLogEntry{
		Timestamp:  ts,
		Symbol:     rec[1],
		Timeframe:  rec[2],
		Type:       model.TradeType(rec[3]),
		EntryPrice: nums[0],
		ExitPrice:  nums[1],
		PnLPct:     nums[2],
		Result:     model.TradeResult(rec[7]),
	}, nil
}

// EntryTimes 从流水中取出某交易对的开仓时间 (用于恢复日内计数)
func EntryTimes(entries []model.TradeLogEntry, symbol string) []time.Time {
	var out []time.Time
	for _, e := range entries {
		if e.Symbol == symbol && e.Type == model.TradeEntry {
			out = append(out, e.Timestamp)
		}
	}
	return out
}
