package ml

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"strategy-executor/internal/market"
)

func TestFeaturesFrom(t *testing.T) {
	f := FeaturesFrom(map[string]float64{"macd": 0.0012, "macd_signal": 0.0010, "atr": 0.0015}, 1.4, market.SideBuy)
	assert.Equal(t, 50.0, f.RSI)
	assert.InDelta(t, 0.0002, f.MACDDiff, 1e-12)
	assert.Equal(t, 0.0015, f.ATR)

	v := f.Vector()
	assert.Len(t, v, len(FeatureNames))
	assert.InDelta(t, 50, v[2], 1e-6)
	assert.InDelta(t, 1.4, v[3], 1e-6)

	f = FeaturesFrom(map[string]float64{"rsi": math.NaN(), "macd": 1}, 0, market.SideSell)
	assert.Equal(t, 50.0, f.RSI)
	assert.Zero(t, f.MACDDiff)
}

func TestHeuristicCentre(t *testing.T) {
	s, err := Heuristic{}.Score(Features{RSI: 50})
	assert.NoError(t, err)
	assert.Equal(t, NeutralScore, s)

	// flat momentum, rsi outside every band
	s, _ = Heuristic{}.Score(Features{ATR: 0.001, RSI: 70, Side: market.SideBuy})
	assert.Equal(t, NeutralScore, s)
}

func TestHeuristicIsSymmetric(t *testing.T) {
	buy, _ := Heuristic{}.Score(Features{ATR: 0.001, MACDDiff: 0.0005, RSI: 55, Side: market.SideBuy})
	sell, _ := Heuristic{}.Score(Features{ATR: 0.001, MACDDiff: -0.0005, RSI: 45, Side: market.SideSell})
	assert.InDelta(t, buy, sell, 1e-12)
	assert.Greater(t, buy, NeutralScore)

	against, _ := Heuristic{}.Score(Features{ATR: 0.001, MACDDiff: -0.002, RSI: 80, Side: market.SideBuy})
	assert.Less(t, against, NeutralScore)
	assert.GreaterOrEqual(t, against, 0.0)
}

type failingScorer struct{}

func (failingScorer) Name() string                    { return "failing" }
func (failingScorer) Score(Features) (float64, error) { return 0.9, errors.New("boom") }

type nanScorer struct{}

func (nanScorer) Name() string                    { return "nan" }
func (nanScorer) Score(Features) (float64, error) { return math.NaN(), nil }

func TestSafe(t *testing.T) {
	assert.Equal(t, NeutralScore, Safe(nil, Features{}))
	assert.Equal(t, NeutralScore, Safe(failingScorer{}, Features{}))
	assert.Equal(t, NeutralScore, Safe(nanScorer{}, Features{}))
}

func TestNewWithoutModelIsHeuristic(t *testing.T) {
	assert.Equal(t, "heuristic", New("", "", zerolog.Nop()).Name())
}
