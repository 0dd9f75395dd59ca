package indicators

import (
	"math"

	"github.com/montanaflynn/stats"

	"strategy-executor/internal/market"
)

// Series functions return a slice aligned with their input. Positions where
// the indicator is not yet defined hold NaN.

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// firstRun returns the index at which period consecutive defined values end,
// or -1 when the series never has that many.
func firstRun(values []float64, period int) int {
	run := 0
	for i, v := range values {
		if math.IsNaN(v) {
			run = 0
			continue
		}
		run++
		if run == period {
			return i
		}
	}
	return -1
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average series.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average series, seeded with the SMA
// of the first period values. Leading NaNs are skipped.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}
	start := firstRun(values, period)
	if start < 0 {
		return out
	}
	seed := 0.0
	for i := start - period + 1; i <= start; i++ {
		seed += values[i]
	}
	ema := seed / float64(period)
	out[start] = ema

	k := 2.0 / float64(period+1)
	for i := start + 1; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
		out[i] = ema
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Wilder-smoothed relative strength index.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		ch := closes[i] - closes[i-1]
		if ch > 0 {
			gain += ch
		} else {
			loss -= ch
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		ch := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if ch > 0 {
			g = ch
		} else {
			l = -ch
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds the three MACD series.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD calculates the MACD line, its signal EMA and the histogram.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	line := nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}
	sig := EMA(line, signal)
	hist := nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds the band series.
type BollingerResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger calculates bands of width mult population standard deviations
// around the period SMA.
func Bollinger(closes []float64, period int, mult float64) BollingerResult {
	mid := SMA(closes, period)
	upper := nanSeries(len(closes))
	lower := nanSeries(len(closes))
	for i := period - 1; i < len(closes) && period > 0; i++ {
		sd, err := stats.StandardDeviationPopulation(stats.Float64Data(closes[i-period+1 : i+1]))
		if err != nil {
			continue
		}
		upper[i] = mid[i] + mult*sd
		lower[i] = mid[i] - mult*sd
	}
	return BollingerResult{Upper: upper, Middle: mid, Lower: lower}
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// TrueRange returns the true range series; the first bar uses high-low.
func TrueRange(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			out[i] = c.High - c.Low
			continue
		}
		prev := candles[i-1].Close
		out[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}
	return out
}

// ATR calculates Wilder's average true range.
func ATR(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period+1 {
		return out
	}
	tr := TrueRange(candles)
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// ============================================================================
// ADX (Average Directional Index)
// ============================================================================

// ADX calculates Wilder's average directional index.
func ADX(candles []market.Candle, period int) []float64 {
	n := len(candles)
	out := nanSeries(n)
	if period <= 0 || n < 2*period+1 {
		return out
	}

	tr := TrueRange(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nanSeries(n)
	dx[period] = directionalIndex(trS, plusS, minusS)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		dx[i] = directionalIndex(trS, plusS, minusS)
	}

	sum := 0.0
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	adx := sum / float64(period)
	out[2*period-1] = adx
	for i := 2 * period; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

func directionalIndex(tr, plusDM, minusDM float64) float64 {
	if tr == 0 {
		return 0
	}
	plusDI := 100 * plusDM / tr
	minusDI := 100 * minusDM / tr
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// Stochastic calculates %K over kPeriod bars and %D as its dPeriod SMA.
func Stochastic(candles []market.Candle, kPeriod, dPeriod int) (k, d []float64) {
	k = nanSeries(len(candles))
	if kPeriod <= 0 || len(candles) < kPeriod {
		return k, nanSeries(len(candles))
	}
	for i := kPeriod - 1; i < len(candles); i++ {
		hh, ll := candles[i].High, candles[i].Low
		for j := i - kPeriod + 1; j < i; j++ {
			hh = math.Max(hh, candles[j].High)
			ll = math.Min(ll, candles[j].Low)
		}
		if hh == ll {
			k[i] = 50
			continue
		}
		k[i] = (candles[i].Close - ll) / (hh - ll) * 100
	}

	d = nanSeries(len(candles))
	start := kPeriod - 1
	if dPeriod > 0 && len(candles)-start >= dPeriod {
		sma := SMA(k[start:], dPeriod)
		copy(d[start:], sma)
	}
	return k, d
}

// PercentileRank returns the share (0..100) of defined values in the last
// window entries of series that are at or below the final value.
func PercentileRank(series []float64, window int) float64 {
	if len(series) == 0 {
		return 0
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return 0
	}
	from := 0
	if window > 0 && len(series) > window {
		from = len(series) - window
	}
	total, below := 0, 0
	for _, v := range series[from:] {
		if math.IsNaN(v) {
			continue
		}
		total++
		if v <= last {
			below++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(below) / float64(total) * 100
}
