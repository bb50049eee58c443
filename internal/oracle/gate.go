package oracle

import (
	"context"
	"fmt"
	"math"

	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

// Oracle 外部概率模型；返回值必须是做多概率 (probability_of_long)
type Oracle interface {
	Score(ctx context.Context, features map[string]float64) (float64, error)
}

// GateConfig AI 过滤参数
type GateConfig struct {
	RequireModel  bool
	MinConfidence float64
}

// Decision 过滤结果
type Decision struct {
	Accepted    bool
	Probability float64 // 无模型时为 NaN
	Reason      string
}

// Gate 根据模型给出的做多概率接受或拒绝候选信号
type Gate struct {
	oracle Oracle
	cfg    GateConfig
	logger *zap.Logger
}

// NewGate oracle 为 nil 表示未配置模型
func NewGate(o Oracle, cfg GateConfig, logger *zap.Logger) *Gate {
	return &Gate{oracle: o, cfg: cfg, logger: logger}
}

// Accept 做多: p >= MinConfidence；做空: p <= 1 - MinConfidence。
// 模型报错或特征非有限值时拒绝。
func (g *Gate) Accept(ctx context.Context, dir model.Direction, features map[string]float64) Decision {
	if g.oracle == nil {
		if g.cfg.RequireModel {
			return Decision{Probability: math.NaN(), Reason: "no model configured and ai.require_model is set"}
		}
		return Decision{Accepted: true, Probability: math.NaN(), Reason: "no model configured"}
	}

	for name, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Decision{Probability: math.NaN(), Reason: fmt.Sprintf("feature %s is not finite", name)}
		}
	}

	p, err := g.oracle.Score(ctx, features)
	if err != nil {
		g.logger.Error("AI oracle failed", zap.Error(err))
		return Decision{Probability: math.NaN(), Reason: "oracle error: " + err.Error()}
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return Decision{Probability: p, Reason: fmt.Sprintf("oracle returned %v outside [0,1]", p)}
	}

	switch dir {
	case model.DirLong:
		if p >= g.cfg.MinConfidence {
			return Decision{Accepted: true, Probability: p, Reason: "long confidence met"}
		}
	case model.DirShort:
		if p <= 1-g.cfg.MinConfidence {
			return Decision{Accepted: true, Probability: p, Reason: "short confidence met"}
		}
	default:
		return Decision{Probability: p, Reason: "no direction"}
	}
	return Decision{Probability: p, Reason: fmt.Sprintf("probability_of_long %.3f below threshold %.3f", p, g.cfg.MinConfidence)}
}
