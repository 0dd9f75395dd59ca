package indicators

import (
	"math"

	"strategy-executor/internal/market"
)

// FibonacciLevels are the retracement/extension ratios used for targets.
var FibonacciLevels = []float64{0.236, 0.382, 0.5, 0.618, 1.0, 1.272, 1.618}

// Levels are support and resistance estimates over a lookback window.
type Levels struct {
	Support    float64
	Resistance float64
	Pivot      float64
	S1         float64
	R1         float64
}

// SupportResistance calculates the rolling extremes of the last lookback bars
// and classic pivot points of the final bar.
func SupportResistance(candles []market.Candle, lookback int) Levels {
	if len(candles) == 0 {
		return Levels{}
	}
	if lookback <= 0 || lookback > len(candles) {
		lookback = len(candles)
	}
	window := candles[len(candles)-lookback:]
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range window {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	p := PivotPoints(candles[len(candles)-1])
	return Levels{
		Support:    lo,
		Resistance: hi,
		Pivot:      p.Pivot,
		S1:         p.S1,
		R1:         p.R1,
	}
}

// Pivots holds classic floor-trader pivots.
type Pivots struct {
	Pivot float64
	R1    float64
	R2    float64
	S1    float64
	S2    float64
}

// PivotPoints calculates pivots from one bar.
func PivotPoints(c market.Candle) Pivots {
	p := (c.High + c.Low + c.Close) / 3
	return Pivots{
		Pivot: p,
		R1:    2*p - c.Low,
		R2:    p + (c.High - c.Low),
		S1:    2*p - c.High,
		S2:    p - (c.High - c.Low),
	}
}

// NearestSupport returns the highest support candidate strictly below price.
func NearestSupport(l Levels, price float64) (float64, bool) {
	best, ok := 0.0, false
	for _, v := range []float64{l.Support, l.S1} {
		if v > 0 && v < price && (!ok || v > best) {
			best, ok = v, true
		}
	}
	return best, ok
}

// NearestResistance returns the lowest resistance candidate strictly above price.
func NearestResistance(l Levels, price float64) (float64, bool) {
	best, ok := 0.0, false
	for _, v := range []float64{l.Resistance, l.R1} {
		if v > price && (!ok || v < best) {
			best, ok = v, true
		}
	}
	return best, ok
}

// FibonacciExtension projects ratio of the high-low swing beyond entry in
// the direction of side.
func FibonacciExtension(side market.Side, entry, high, low, ratio float64) float64 {
	return entry + side.Sign()*(high-low)*ratio
}

// Trend labels used by multi-timeframe confirmation.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// TrendLabel classifies a history: EMA20 above EMA50 with RSI above 50 is
// bullish, the mirror is bearish, anything else neutral.
func TrendLabel(candles []market.Candle) string {
	s := NewSnapshot(candles)
	fast, ok1 := s.Last("ema_20")
	slow, ok2 := s.Last("ema_50")
	rsi, ok3 := s.Last("rsi_14")
	if !ok1 || !ok2 || !ok3 {
		return TrendNeutral
	}
	switch {
	case fast > slow && rsi > 50:
		return TrendBullish
	case fast < slow && rsi < 50:
		return TrendBearish
	}
	return TrendNeutral
}
