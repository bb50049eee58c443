package data

import (
	"sync"

	"crypto-futures-trader/internal/model"
)

type seriesKey struct {
	symbol    string
	timeframe string
}

// Store 按 (symbol, timeframe) 保存有界、按时间排序的 K 线序列。
// 写入采用写时复制：每次修改生成新切片并在锁内替换，读者拿到的快照永不被修改。
type Store struct {
	mu        sync.RWMutex
	series    map[seriesKey][]model.KLine
	retention int
}

// NewStore retention 为每个序列保留的最大 K 线数量
func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = 300
	}
	return &Store{
		series:    make(map[seriesKey][]model.KLine),
		retention: retention,
	}
}

// Append 合并一根 K 线：更新的追加，相同时间覆盖，更早的忽略
func (s *Store) Append(symbol, timeframe string, k model.KLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, timeframe}
	if next, changed := merge(s.series[key], k, s.retention); changed {
		s.series[key] = next
	}
}

// Backfill 按同样的规则合并一批历史 K 线
func (s *Store) Backfill(symbol, timeframe string, batch []model.KLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, timeframe}
	cur := s.series[key]
	for _, k := range batch {
		if next, changed := merge(cur, k, s.retention); changed {
			cur = next
		}
	}
	s.series[key] = cur
}

// ApplyTick 用最新成交价更新该交易对所有周期最后一根 K 线的收盘价
func (s *Store) ApplyTick(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, cur := range s.series {
		if key.symbol != symbol || len(cur) == 0 {
			continue
		}
		next := make([]model.KLine, len(cur))
		copy(next, cur)
		last := &next[len(next)-1]
		last.Close = price
		if price > last.High {
			last.High = price
		}
		if last.Low == 0 || price < last.Low {
			last.Low = price
		}
		s.series[key] = next
	}
}

// Latest 返回当前快照；调用方不得修改返回的切片
func (s *Store) Latest(symbol, timeframe string) []model.KLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[seriesKey{symbol, timeframe}]
}

// Len 序列长度
func (s *Store) Len(symbol, timeframe string) int {
	return len(s.Latest(symbol, timeframe))
}

// merge 返回合并后的新切片；cur 本身不被修改
func merge(cur []model.KLine, k model.KLine, retention int) ([]model.KLine, bool) {
	n := len(cur)
	switch {
	case n == 0 || k.StartTime.After(cur[n-1].StartTime):
		start := 0
		if n+1 > retention {
			start = n + 1 - retention
		}
		next := make([]model.KLine, 0, n+1-start)
		next = append(next, cur[start:]...)
		return append(next, k), true
	case k.StartTime.Equal(cur[n-1].StartTime):
		next := make([]model.KLine, n)
		copy(next, cur)
		next[n-1] = k
		return next, true
	default:
		return cur, false
	}
}
