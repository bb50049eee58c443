package journal

import (
	"context"

	"crypto-futures-trader/internal/metrics"
	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

// Safe 包装任意 Journal：写入失败只记录日志，从不向调用方返回错误
type Safe struct {
	inner  Journal
	logger *zap.Logger
}

func NewSafe(inner Journal, logger *zap.Logger) *Safe {
	return &Safe{inner: inner, logger: logger}
}

func (s *Safe) Append(ctx context.Context, e model.TradeLogEntry) error {
	if err := s.inner.Append(ctx, e); err != nil {
		metrics.JournalErrors.Inc()
		s.logger.Error("Failed to journal trade",
			zap.String("Symbol", e.Symbol), zap.String("Type", string(e.Type)), zap.Error(err))
	}
	return nil
}

func (s *Safe) Recent(ctx context.Context, symbol string) ([]model.TradeLogEntry, error) {
	out, err := s.inner.Recent(ctx, symbol)
	if err != nil {
		s.logger.Warn("Failed to read trade journal", zap.String("Symbol", symbol), zap.Error(err))
		return out, nil
	}
	return out, nil
}

func (s *Safe) Close() error {
	return s.inner.Close()
}
