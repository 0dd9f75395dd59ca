package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/market"
)

func candlesFromCloses(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = market.Candle{
			Time:  t0.Add(time.Duration(i) * time.Hour),
			Open:  c,
			High:  c + 0.5,
			Low:   c - 0.5,
			Close: c,
		}
	}
	return out
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMA(t *testing.T) {
	got := SMA([]float64{1, 2, 3, 4, 5}, 3)
	assert.True(t, math.IsNaN(got[0]))
	assert.True(t, math.IsNaN(got[1]))
	assert.InDelta(t, 2.0, got[2], 1e-12)
	assert.InDelta(t, 4.0, got[4], 1e-12)
}

func TestEMA_SeededBySMA(t *testing.T) {
	got := EMA([]float64{2, 4, 6, 8}, 3)
	assert.InDelta(t, 4.0, got[2], 1e-12)
	// k = 0.5
	assert.InDelta(t, 6.0, got[3], 1e-12)
}

func TestEMA_SkipsLeadingNaN(t *testing.T) {
	got := EMA([]float64{math.NaN(), 1, 1, 1, 1}, 2)
	assert.True(t, math.IsNaN(got[1]))
	assert.InDelta(t, 1.0, got[2], 1e-12)
}

func TestRSI_Extremes(t *testing.T) {
	up := RSI(ramp(30, 1, 1), 14)
	assert.InDelta(t, 100.0, up[len(up)-1], 1e-9)

	down := RSI(ramp(30, 100, -1), 14)
	assert.InDelta(t, 0.0, down[len(down)-1], 1e-9)

	flat := RSI(ramp(30, 5, 0), 14)
	assert.InDelta(t, 50.0, flat[len(flat)-1], 1e-9)
}

func TestATR_ConstantRange(t *testing.T) {
	candles := candlesFromCloses(ramp(40, 10, 0)...)
	atr := ATR(candles, 14)
	assert.InDelta(t, 1.0, atr[len(atr)-1], 1e-9)
	assert.True(t, math.IsNaN(atr[13]))
}

func TestADX_StrongTrend(t *testing.T) {
	candles := candlesFromCloses(ramp(80, 10, 1)...)
	adx := ADX(candles, 14)
	assert.Greater(t, adx[len(adx)-1], 25.0)
}

func TestStochastic_Bounds(t *testing.T) {
	candles := candlesFromCloses(ramp(30, 10, 1)...)
	k, d := Stochastic(candles, 14, 3)
	last := k[len(k)-1]
	assert.GreaterOrEqual(t, last, 0.0)
	assert.LessOrEqual(t, last, 100.0)
	assert.False(t, math.IsNaN(d[len(d)-1]))
}

func TestBollinger_FlatSeriesCollapses(t *testing.T) {
	b := Bollinger(ramp(25, 3, 0), 20, 2)
	assert.InDelta(t, 3.0, b.Upper[24], 1e-12)
	assert.InDelta(t, 3.0, b.Lower[24], 1e-12)
}

func TestSnapshot_Names(t *testing.T) {
	s := NewSnapshot(candlesFromCloses(ramp(120, 1, 0.1)...))

	for _, name := range []string{
		"price", "ema_50", "sma_20", "rsi", "rsi_7", "macd", "macd_signal", "macd_hist",
		"atr", "adx", "stochastic_k", "stochastic_d", "bollinger_upper", "bollinger_mid", "bollinger_lower",
	} {
		_, ok := s.Last(name)
		assert.True(t, ok, name)
	}

	price, ok := s.Last("PRICE")
	require.True(t, ok)
	assert.InDelta(t, 12.9, price, 1e-9)

	prev, ok := s.Prev("price")
	require.True(t, ok)
	assert.InDelta(t, 12.8, prev, 1e-9)
}

func TestSnapshot_UnknownAndInsufficient(t *testing.T) {
	s := NewSnapshot(candlesFromCloses(1, 2, 3))

	_, err := s.Value("vwap")
	assert.ErrorIs(t, err, ErrUnknownIndicator)

	_, err = s.Value("ema_50")
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, ok := s.Last("ema")
	assert.False(t, ok)
}

func TestSnapshot_PatternSeries(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSnapshot([]market.Candle{
		{Time: t0, Open: 1.1050, High: 1.1055, Low: 1.0995, Close: 1.1000},
		{Time: t0.Add(time.Hour), Open: 1.0995, High: 1.1065, Low: 1.0990, Close: 1.1060},
	})

	v, ok := s.Last("pattern_bullish_engulfing")
	require.True(t, ok)
	assert.InDelta(t, 0.75, v, 1e-9)

	score, ok := s.Last("pattern_score")
	require.True(t, ok)
	assert.Greater(t, score, 0.0)

	assert.True(t, IsKnown("pattern_hammer"))
	assert.False(t, IsKnown("pattern_unicorn"))
}

func TestSnapshot_Values(t *testing.T) {
	s := NewSnapshot(candlesFromCloses(ramp(60, 1, 1)...))
	vals := s.Values([]string{"price", "ema_50", "ema_500", "bogus"})
	assert.Contains(t, vals, "price")
	assert.Contains(t, vals, "ema_50")
	assert.NotContains(t, vals, "ema_500")
	assert.NotContains(t, vals, "bogus")
}

func TestTrendLabel(t *testing.T) {
	assert.Equal(t, TrendBullish, TrendLabel(candlesFromCloses(ramp(120, 1, 0.1)...)))
	assert.Equal(t, TrendBearish, TrendLabel(candlesFromCloses(ramp(120, 50, -0.1)...)))
	assert.Equal(t, TrendNeutral, TrendLabel(candlesFromCloses(1, 2, 3)))
}

func TestSupportResistance(t *testing.T) {
	l := SupportResistance(candlesFromCloses(ramp(60, 10, 1)...), 50)
	assert.InDelta(t, 19.5, l.Support, 1e-9)
	assert.InDelta(t, 69.5, l.Resistance, 1e-9)

	// pivot S1 of the last bar sits just under its close
	s, ok := NearestSupport(l, 69)
	require.True(t, ok)
	assert.InDelta(t, 68.5, s, 1e-9)

	s, ok = NearestSupport(l, 65)
	require.True(t, ok)
	assert.InDelta(t, 19.5, s, 1e-9)
}

func TestPercentileRank(t *testing.T) {
	assert.InDelta(t, 100.0, PercentileRank([]float64{1, 2, 3, 4}, 0), 1e-9)
	assert.InDelta(t, 25.0, PercentileRank([]float64{4, 3, 2, 1}, 0), 1e-9)
	assert.InDelta(t, 200.0/3, PercentileRank([]float64{math.NaN(), 3, 1, 2}, 0), 1e-9)
}
