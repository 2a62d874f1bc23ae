// Package indicators computes technical indicators over price and candle
// series. Every function returns nil when the series is too short for the
// requested lookback; callers must treat nil as insufficient data.
package indicators

import (
	"math"

	"perpbot/internal/domain"
)

// EMA seeds with the simple average of the first period values and then
// smooths with k = 2/(period+1).
func EMA(values []float64, period int) *float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	v := seed / float64(period)
	k := 2.0 / float64(period+1)
	for _, x := range values[period:] {
		v = x*k + v*(1-k)
	}
	return &v
}

// RSI uses Wilder smoothing and needs period+1 closes.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}
	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	var v float64
	switch {
	case avgLoss == 0 && avgGain == 0:
		v = 50
	case avgLoss == 0:
		v = 100
	default:
		rs := avgGain / avgLoss
		v = 100 - 100/(1+rs)
	}
	return &v
}

// ATR is the Wilder-smoothed true range and needs period+1 candles.
func ATR(candles []domain.Candle, period int) *float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		curr, prev := candles[i], candles[i-1]
		trs = append(trs, math.Max(curr.High-curr.Low,
			math.Max(math.Abs(curr.High-prev.Close), math.Abs(curr.Low-prev.Close))))
	}
	sum := 0.0
	for _, tr := range trs[:period] {
		sum += tr
	}
	v := sum / float64(period)
	for _, tr := range trs[period:] {
		v = (v*float64(period-1) + tr) / float64(period)
	}
	return &v
}

// Volatility is the sample standard deviation of the last period simple
// returns, in percent.
func Volatility(closes []float64, period int) *float64 {
	if period < 2 || len(closes) < period+1 {
		return nil
	}
	window := closes[len(closes)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			return nil
		}
		returns = append(returns, (window[i]-window[i-1])/window[i-1])
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	v := math.Sqrt(ss/float64(len(returns)-1)) * 100
	return &v
}

// Closes extracts close prices.
func Closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Snapshot is the set of indicator readings a tick works with. Nil fields
// were disabled or lacked history.
type Snapshot struct {
	Price      float64  `json:"price"`
	RSI        *float64 `json:"rsi"`
	ATR        *float64 `json:"atr"`
	EMAFast    *float64 `json:"ema_fast"`
	EMASlow    *float64 `json:"ema_slow"`
	Volatility *float64 `json:"volatility"`
}

// ATRPct is ATR as a percent of price.
func (s Snapshot) ATRPct() *float64 {
	if s.ATR == nil || s.Price <= 0 {
		return nil
	}
	v := *s.ATR / s.Price * 100
	return &v
}

// EMAGapPct is the signed fast-minus-slow gap as a percent of the slow EMA.
func (s Snapshot) EMAGapPct() *float64 {
	if s.EMAFast == nil || s.EMASlow == nil || *s.EMASlow == 0 {
		return nil
	}
	v := (*s.EMAFast - *s.EMASlow) / *s.EMASlow * 100
	return &v
}

type Params struct {
	RSIPeriod        int
	ATRPeriod        int
	EMAFast          int
	EMASlow          int
	VolatilityPeriod int
}

// Compute evaluates every indicator whose period is positive.
func Compute(candles []domain.Candle, price float64, p Params) Snapshot {
	closes := Closes(candles)
	s := Snapshot{Price: price}
	if s.Price <= 0 && len(closes) > 0 {
		s.Price = closes[len(closes)-1]
	}
	if p.RSIPeriod > 0 {
		s.RSI = RSI(closes, p.RSIPeriod)
	}
	if p.ATRPeriod > 0 {
		s.ATR = ATR(candles, p.ATRPeriod)
	}
	if p.EMAFast > 0 {
		s.EMAFast = EMA(closes, p.EMAFast)
	}
	if p.EMASlow > 0 {
		s.EMASlow = EMA(closes, p.EMASlow)
	}
	if p.VolatilityPeriod > 0 {
		s.Volatility = Volatility(closes, p.VolatilityPeriod)
	}
	return s
}
