package data

import (
	"context"

	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

// PriceSink 需要实时价格的组件 (例如模拟交易所)
type PriceSink interface {
	OnPrice(symbol string, price float64)
}

// DataEngine 负责接收 Connector 推送的 Ticker 与 K 线，写入 Store，并广播最新价格
type DataEngine struct {
	store      *Store
	tickerChan <-chan model.Ticker
	klineChan  <-chan model.KLine
	symbols    map[string]bool
	sinks      []PriceSink
	logger     *zap.Logger
}

// NewDataEngine 创建并初始化 DataEngine
func NewDataEngine(store *Store, tickerChan <-chan model.Ticker, klineChan <-chan model.KLine, symbols []string, logger *zap.Logger) *DataEngine {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &DataEngine{
		store:      store,
		tickerChan: tickerChan,
		klineChan:  klineChan,
		symbols:    set,
		logger:     logger.With(zap.String("component", "data_engine")),
	}
}

// AddPriceSink 注册价格订阅者；必须在 Run 之前调用
func (de *DataEngine) AddPriceSink(s PriceSink) {
	de.sinks = append(de.sinks, s)
}

// Run 数据处理主循环，ctx 取消或输入通道关闭时退出
func (de *DataEngine) Run(ctx context.Context) error {
	de.logger.Info("Data Engine started, monitoring ticker and kline streams...")
	defer de.logger.Info("Data Engine stopped")

	tickers, klines := de.tickerChan, de.klineChan
	for tickers != nil || klines != nil {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-tickers:
			if !ok {
				tickers = nil
				continue
			}
			de.onTicker(t)
		case k, ok := <-klines:
			if !ok {
				klines = nil
				continue
			}
			de.onKLine(k)
		}
	}
	return nil
}

func (de *DataEngine) onTicker(t model.Ticker) {
	// 只处理本实例关注的交易对
	if !de.symbols[t.Symbol] {
		return
	}
	de.store.ApplyTick(t.Symbol, t.Price)
	de.broadcast(t.Symbol, t.Price)
}

func (de *DataEngine) onKLine(k model.KLine) {
	if !de.symbols[k.Symbol] || k.StartTime.IsZero() {
		return
	}
	de.store.Append(k.Symbol, k.Interval, k)
	de.broadcast(k.Symbol, k.Close)
}

func (de *DataEngine) broadcast(symbol string, price float64) {
	for _, s := range de.sinks {
		s.OnPrice(symbol, price)
	}
}
