package execution

import (
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
)

// Ratios 每个交易对的止盈/止损比例 (按保证金计算，会除以杠杆)
type Ratios struct {
	TakeProfit float64
	StopLoss   float64
}

// PendingEntry 撤单结果未知的开仓单，由下一轮对账确认是否成交
type PendingEntry struct {
	OrderID string
	Request EntryRequest
}

// SymbolState 单个交易对的全部可变状态，只由该交易对的 tick 修改
type SymbolState struct {
	Symbol        string
	Phase         Phase
	Position      model.Position
	Brackets      model.BracketOrders
	Pending       *PendingEntry // 非空时处于 ENTERING，只读，替换而不修改
	CooldownUntil time.Time
	TradeTimes    []time.Time // 24h 内的开仓时间
	Precision     model.Precision
	UnrealizedPnL float64
}

// NewSymbolState 初始状态为 FLAT
func NewSymbolState(symbol string) *SymbolState {
	return &SymbolState{
		Symbol:   symbol,
		Phase:    PhaseFlat,
		Position: model.Position{Side: model.DirFlat},
	}
}

// Clear 平仓后清空持仓与止盈止损单；冷却期与交易计数保留
func (s *SymbolState) Clear() {
	s.Position = model.Position{Side: model.DirFlat}
	s.Brackets = model.BracketOrders{}
	s.UnrealizedPnL = 0
	s.Phase = PhaseFlat
}

func (s *SymbolState) clone() *SymbolState {
	c := *s
	c.TradeTimes = append([]time.Time(nil), s.TradeTimes...)
	return &c
}

// Table 以交易对为键的状态表，交易对集合在启动时固定。
// tick 通过 Checkout 取得副本修改后 Commit；状态服务只读快照。
type Table struct {
	mu      sync.RWMutex
	symbols []string
	states  map[string]*SymbolState
}

func NewTable(symbols []string) *Table {
	t := &Table{
		symbols: append([]string(nil), symbols...),
		states:  make(map[string]*SymbolState, len(symbols)),
	}
	for _, s := range symbols {
		t.states[s] = NewSymbolState(s)
	}
	return t
}

// Symbols 配置顺序
func (t *Table) Symbols() []string {
	return t.symbols
}

// Checkout 返回可修改的副本；未知交易对返回 nil
func (t *Table) Checkout(symbol string) *SymbolState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[symbol]
	if !ok {
		return nil
	}
	return s.clone()
}

// Commit 发布修改后的状态
func (t *Table) Commit(s *SymbolState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[s.Symbol]; ok {
		t.states[s.Symbol] = s.clone()
	}
}

// Snapshot 所有交易对的只读副本，按配置顺序
func (t *Table) Snapshot() []SymbolState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SymbolState, 0, len(t.symbols))
	for _, sym := range t.symbols {
		out = append(out, *t.states[sym].clone())
	}
	return out
}
