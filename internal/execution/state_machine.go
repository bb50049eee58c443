package execution

import (
	"go.uber.org/zap"
)

// Phase 单个交易对的持仓生命周期
type Phase string

const (
	PhaseFlat      Phase = "FLAT"      // 本地与交易所均无持仓
	PhaseEntering  Phase = "ENTERING"  // 开仓限价单挂出中
	PhaseProtected Phase = "PROTECTED" // 持仓且止盈止损单齐全
	// PhaseUnprotected 持仓但缺少止盈或止损单，由下一轮对账补齐
	PhaseUnprotected Phase = "UNPROTECTED"
	PhaseExiting     Phase = "EXITING" // 交易所已无持仓，正在确认平仓；不跨 tick 保留
)

// 合法的状态转换
var transitions = map[Phase][]Phase{
	PhaseFlat:        {PhaseEntering, PhaseProtected, PhaseUnprotected},
	PhaseEntering:    {PhaseFlat, PhaseProtected, PhaseUnprotected},
	PhaseProtected:   {PhaseUnprotected, PhaseExiting},
	PhaseUnprotected: {PhaseProtected, PhaseExiting},
	PhaseExiting:     {PhaseFlat, PhaseProtected, PhaseUnprotected},
}

// CanTransition 检查 from -> to 是否合法 (相同状态总是允许)
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// PhaseFor 根据持仓与止盈止损单推导稳定状态
func PhaseFor(s *SymbolState) Phase {
	if !s.Position.IsOpen() {
		return PhaseFlat
	}
	if s.Brackets.Complete() {
		return PhaseProtected
	}
	return PhaseUnprotected
}

// transition 切换状态并记录日志。
// 非法转换只告警不拒绝：交易所状态永远优先。
func (s *SymbolState) transition(to Phase, logger *zap.Logger) {
	if s.Phase == to {
		return
	}
	if !CanTransition(s.Phase, to) {
		logger.Warn("Unexpected phase transition",
			zap.String("Symbol", s.Symbol), zap.String("From", string(s.Phase)), zap.String("To", string(to)))
	} else {
		logger.Info("Phase transition",
			zap.String("Symbol", s.Symbol), zap.String("From", string(s.Phase)), zap.String("To", string(to)))
	}
	s.Phase = to
}

// settle 切换到由持仓推导出的稳定状态
func (s *SymbolState) settle(logger *zap.Logger) {
	s.transition(PhaseFor(s), logger)
}
