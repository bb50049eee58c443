package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/execution"
	"crypto-futures-trader/internal/journal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// PositionCloser 主动平仓入口 (engine.Engine)
type PositionCloser interface {
	RequestClose(ctx context.Context, symbol string) error
}

// StateSource 持仓状态只读快照 (execution.Table)
type StateSource interface {
	Snapshot() []execution.SymbolState
}

// PositionView /positions 的返回结构
type PositionView struct {
	Symbol        string    `json:"symbol"`
	Phase         string    `json:"phase"`
	Side          string    `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	Timeframe     string    `json:"timeframe,omitempty"`
	EntryTime     time.Time `json:"entry_time,omitempty"`
	StopLossID    string    `json:"stop_loss_id,omitempty"`
	TakeProfitID  string    `json:"take_profit_id,omitempty"`
	PendingEntry  string    `json:"pending_entry_id,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Trades24h     int       `json:"trades_24h"`
}

// StatusServer 只读状态查询 + 手动平仓 + Prometheus 指标
type StatusServer struct {
	addr    string
	states  StateSource
	journal journal.Journal
	closer  PositionCloser
	logger  *zap.Logger
}

func NewStatusServer(addr string, states StateSource, j journal.Journal, closer PositionCloser, logger *zap.Logger) *StatusServer {
	return &StatusServer{
		addr:    addr,
		states:  states,
		journal: j,
		closer:  closer,
		logger:  logger.With(zap.String("component", "status")),
	}
}

// SetupRoutes 注册所有路由
func (s *StatusServer) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/positions", s.positions)
	router.GET("/trades", s.trades)
	router.POST("/positions/:symbol/close", s.closePosition)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Run 监听直到 ctx 取消，然后优雅关闭
func (s *StatusServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.SetupRoutes(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("Addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Status server shutdown error", zap.Error(err))
		}
		s.logger.Info("Status server stopped")
		return nil
	}
}

func (s *StatusServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *StatusServer) positions(c *gin.Context) {
	snap := s.states.Snapshot()
	out := make([]PositionView, 0, len(snap))
	for _, st := range snap {
		out = append(out, PositionView{
			Symbol:        st.Symbol,
			Phase:         string(st.Phase),
			Side:          string(st.Position.Side),
			EntryPrice:    st.Position.EntryPrice,
			Quantity:      st.Position.Quantity,
			Timeframe:     st.Position.Timeframe,
			EntryTime:     st.Position.EntryTime,
			StopLossID:    st.Brackets.StopLossID,
			TakeProfitID:  st.Brackets.TakeProfitID,
			PendingEntry:  pendingID(st.Pending),
			UnrealizedPnL: st.UnrealizedPnL,
			CooldownUntil: st.CooldownUntil,
			Trades24h:     len(st.TradeTimes),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *StatusServer) trades(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	entries, err := s.journal.Recent(ctx, c.Query("symbol"))
	if err != nil {
		s.logger.Error("Failed to read journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read journal"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *StatusServer) closePosition(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	symbol := c.Param("symbol")
	err := s.closer.RequestClose(ctx, symbol)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "status": "closed"})
	case errors.Is(err, engine.ErrUnknownSymbol):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, execution.ErrNoPosition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Manual close failed", zap.String("Symbol", symbol), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func pendingID(p *execution.PendingEntry) string {
	if p == nil {
		return ""
	}
	return p.OrderID
}
