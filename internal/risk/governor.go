package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"crypto-futures-trader/internal/model"

	"go.uber.org/zap"
)

const (
	// BookDepth 流动性检查读取的盘口档数
	BookDepth = 5
	// DailyWindow 日内交易次数的滚动窗口
	DailyWindow = 24 * time.Hour

	DepthCumulative = "cumulative"
	DepthTop        = "top"

	defaultCooldownMinutes = 30
	maxCooldownMinutes     = 1440
	minCooldownCandles     = 10
)

// 各周期的基础冷却分钟数
var baseCooldownMinutes = map[string]float64{
	"5m":  15,
	"15m": 30,
	"30m": 45,
	"1h":  30,
	"4h":  45,
	"1d":  60,
}

// 风控拒绝原因；调用方用 errors.Is 判断
var (
	ErrSpreadTooWide     = errors.New("spread too wide")
	ErrInsufficientDepth = errors.New("insufficient book depth")
	ErrEmptyBook         = errors.New("empty order book")
	ErrDailyCapReached   = errors.New("daily trade cap reached")
	ErrCooldown          = errors.New("symbol in cooldown")
)

// IsRejection 风控拒绝 (与交易所错误区分)
func IsRejection(err error) bool {
	return errors.Is(err, ErrSpreadTooWide) || errors.Is(err, ErrInsufficientDepth) ||
		errors.Is(err, ErrEmptyBook) || errors.Is(err, ErrDailyCapReached) || errors.Is(err, ErrCooldown)
}

// Limits 风控参数
type Limits struct {
	MaxSpread       float64 // 0.002 = 0.2%
	DepthMultiplier float64
	DepthMode       string
	MaxTradesPerDay int
}

// BookSource 盘口来源 (交易所)
type BookSource interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
}

// Governor 负责流动性、冷却期与日内交易次数限制
type Governor struct {
	book   BookSource
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func NewGovernor(book BookSource, limits Limits, logger *zap.Logger) *Governor {
	return &Governor{
		book:   book,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// CheckLiquidity 读取盘口并检查价差与深度。
// 返回风控拒绝 (IsRejection) 或交易所错误。
func (g *Governor) CheckLiquidity(ctx context.Context, symbol string, qty float64) error {
	book, err := g.book.FetchOrderBook(ctx, symbol, BookDepth)
	if err != nil {
		return fmt.Errorf("fetch order book: %w", err)
	}
	if err := CheckBook(book, qty, g.limits); err != nil {
		g.logger.Warn("Liquidity check rejected entry", zap.String("Symbol", symbol), zap.Error(err))
		return err
	}
	return nil
}

// CheckBook 纯函数：(ask-bid)/bid > MaxSpread 拒绝；深度 < DepthMultiplier*qty 拒绝
func CheckBook(book model.OrderBook, qty float64, l Limits) error {
	if len(book.Bids) == 0 || len(book.Asks) == 0 || book.Bids[0].Price <= 0 {
		return ErrEmptyBook
	}
	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	spread := (ask - bid) / bid
	if spread > l.MaxSpread {
		return fmt.Errorf("%w: %.4f%% > %.4f%%", ErrSpreadTooWide, spread*100, l.MaxSpread*100)
	}

	var depth float64
	if l.DepthMode == DepthTop {
		depth = book.Bids[0].Quantity
	} else {
		for _, b := range book.Bids {
			depth += b.Quantity
		}
	}
	if depth < qty*l.DepthMultiplier {
		return fmt.Errorf("%w: %.6f < %.1f x %.6f", ErrInsufficientDepth, depth, l.DepthMultiplier, qty)
	}
	return nil
}

// InCooldown until 之前禁止新开仓
func (g *Governor) InCooldown(until time.Time) bool {
	return !until.IsZero() && g.now().Before(until)
}

// CheckDailyCap 先裁剪超过 24h 的记录，再检查次数；返回裁剪后的记录
func (g *Governor) CheckDailyCap(times []time.Time) ([]time.Time, error) {
	pruned := PruneTrades(times, g.now())
	if len(pruned) >= g.limits.MaxTradesPerDay {
		return pruned, fmt.Errorf("%w: %d/%d", ErrDailyCapReached, len(pruned), g.limits.MaxTradesPerDay)
	}
	return pruned, nil
}

// PruneTrades 只保留 24h 内的开仓时间
func PruneTrades(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-DailyWindow)
	out := times[:0:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// CooldownDuration 基础分钟数 * (1 + 波动率%)，上限 1440 分钟；K 线不足 10 根时为 30 分钟
func CooldownDuration(timeframe string, closes []float64) time.Duration {
	if len(closes) < minCooldownCandles {
		return defaultCooldownMinutes * time.Minute
	}
	base, ok := baseCooldownMinutes[timeframe]
	if !ok {
		base = defaultCooldownMinutes
	}
	minutes := math.Min(base*(1+Volatility(closes)), maxCooldownMinutes)
	return time.Duration(minutes * float64(time.Minute))
}

// Volatility 收盘价涨跌幅的样本标准差 (百分比)
func Volatility(closes []float64) float64 {
	var changes []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		changes = append(changes, closes[i]/closes[i-1]-1)
	}
	if len(changes) < 2 {
		return 0
	}
	var mean float64
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))
	var ss float64
	for _, c := range changes {
		ss += (c - mean) * (c - mean)
	}
	return math.Sqrt(ss/float64(len(changes)-1)) * 100
}
