// Package metrics 引擎的 Prometheus 指标，在 init() 中注册，由状态服务的 /metrics 暴露。
//
//	trader_orders_total{symbol,type}          下单次数
//	trader_signals_total{symbol,direction}    评估出的候选信号
//	trader_risk_rejections_total{symbol,reason}
//	trader_trades_total{symbol,result}        开平仓 (open|win|loss)
//	trader_reconcile_repairs_total{symbol,action}
//	trader_journal_errors_total               交易流水写入失败
//	trader_position{symbol}                   当前持仓方向 (1 多, -1 空, 0 空仓)
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"symbol", "type"},
	)

	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Candidate signals produced by the evaluator",
		},
		[]string{"symbol", "direction"},
	)

	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_risk_rejections_total",
			Help: "Entries rejected by risk or AI checks",
		},
		[]string{"symbol", "reason"},
	)

	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Journaled trades by result",
		},
		[]string{"symbol", "result"},
	)

	ReconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_reconcile_repairs_total",
			Help: "Repairs made by the reconciler",
		},
		[]string{"symbol", "action"},
	)

	JournalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_journal_errors_total",
			Help: "Trade journal writes that failed",
		},
	)

	Position = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_position",
			Help: "Current position direction per symbol",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(OrdersTotal, SignalsTotal, RiskRejections)
	prometheus.MustRegister(TradesTotal, ReconcileRepairs, JournalErrors)
	prometheus.MustRegister(Position)
}
