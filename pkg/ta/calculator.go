package ta

import (
	"errors"
	"fmt"

	"crypto-futures-trader/internal/model"

	"github.com/markcheno/go-talib"
)

// MinHistoryLen 计算指标所需的最小历史长度
const MinHistoryLen = 30

var ErrInsufficientHistory = errors.New("history too short for indicators")

// Params 指标周期，由每个交易对的配置给出
type Params struct {
	EMAShort   int
	EMALong    int
	RSI        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	ADX        int
	ATR        int
	BBPeriod   int
	BBK        float64
	StochK     int
	StochD     int
}

// withDefaults 补齐可选周期
func (p Params) withDefaults() Params {
	if p.MACDFast == 0 {
		p.MACDFast = 12
	}
	if p.MACDSlow == 0 {
		p.MACDSlow = 26
	}
	if p.MACDSignal == 0 {
		p.MACDSignal = 9
	}
	if p.ADX == 0 {
		p.ADX = 14
	}
	if p.ATR == 0 {
		p.ATR = 14
	}
	if p.BBPeriod == 0 {
		p.BBPeriod = 20
	}
	if p.BBK == 0 {
		p.BBK = 2
	}
	if p.StochK == 0 {
		p.StochK = 14
	}
	if p.StochD == 0 {
		p.StochD = 3
	}
	return p
}

// Snapshot 最新一根 K 线上的指标值
type Snapshot struct {
	Close      float64
	Volume     float64
	EMAShort   float64
	EMALong    float64
	MACD       float64
	MACDSignal float64
	RSI        float64
	ADX        float64
	ATR        float64
	OBV        float64
	BBUpper    float64
	BBMiddle   float64
	BBLower    float64
	StochK     float64
	StochD     float64
	VWAP       float64
}

// Features 供概率模型使用的特征名 -> 值
func (s Snapshot) Features() map[string]float64 {
	return map[string]float64{
		"ema_short":  s.EMAShort,
		"ema_long":   s.EMALong,
		"macd":       s.MACD,
		"macdsignal": s.MACDSignal,
		"rsi":        s.RSI,
		"adx":        s.ADX,
		"obv":        s.OBV,
		"atr":        s.ATR,
		"bb_upper":   s.BBUpper,
		"bb_middle":  s.BBMiddle,
		"bb_lower":   s.BBLower,
		"stoch_k":    s.StochK,
		"stoch_d":    s.StochD,
		"vwap":       s.VWAP,
		"volume":     s.Volume,
	}
}

// Calculator 指标计算能力；配置只决定参数，不决定算法
type Calculator interface {
	Compute(series []model.KLine, p Params) (Snapshot, error)
}

// TalibCalculator 基于 go-talib 的标准实现
type TalibCalculator struct{}

func NewTalibCalculator() *TalibCalculator {
	return &TalibCalculator{}
}

// Compute 集中计算所有需要的指标
func (TalibCalculator) Compute(series []model.KLine, p Params) (Snapshot, error) {
	if len(series) < MinHistoryLen {
		return Snapshot{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, len(series), MinHistoryLen)
	}
	if p.EMAShort <= 0 || p.EMALong <= 0 || p.RSI <= 0 {
		return Snapshot{}, errors.New("ema_short, ema_long and rsi periods are required")
	}
	p = p.withDefaults()

	n := len(series)
	closePrices := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	volume := make([]float64, n)
	for i, k := range series {
		closePrices[i] = k.Close
		high[i] = k.High
		low[i] = k.Low
		volume[i] = k.Volume
	}

	snap := Snapshot{
		Close:  closePrices[n-1],
		Volume: volume[n-1],
	}

	snap.EMAShort = last(talib.Ema(closePrices, p.EMAShort))
	snap.EMALong = last(talib.Ema(closePrices, p.EMALong))

	macd, signal, _ := talib.Macd(closePrices, p.MACDFast, p.MACDSlow, p.MACDSignal)
	snap.MACD = last(macd)
	snap.MACDSignal = last(signal)

	snap.RSI = last(talib.Rsi(closePrices, p.RSI))

	// ADX/ATR 需要 High, Low, Close
	snap.ADX = last(talib.Adx(high, low, closePrices, p.ADX))
	snap.ATR = last(talib.Atr(high, low, closePrices, p.ATR))

	snap.OBV = last(talib.Obv(closePrices, volume))

	upper, middle, lower := talib.BBands(closePrices, p.BBPeriod, p.BBK, p.BBK, talib.SMA)
	snap.BBUpper = last(upper)
	snap.BBMiddle = last(middle)
	snap.BBLower = last(lower)

	slowK, slowD := talib.Stoch(high, low, closePrices, p.StochK, 3, talib.SMA, p.StochD, talib.SMA)
	snap.StochK = last(slowK)
	snap.StochD = last(slowD)

	snap.VWAP = vwap(series)
	return snap, nil
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

// vwap 按典型价 (H+L+C)/3 加权
func vwap(series []model.KLine) float64 {
	var pv, vol float64
	for _, k := range series {
		pv += (k.High + k.Low + k.Close) / 3 * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}
