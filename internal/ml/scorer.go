// Package ml scores the quality of an entry signal. A pre-trained ONNX
// model is used when configured; otherwise a heuristic centred at 0.5.
package ml

import (
	"math"

	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
)

// NeutralScore is returned when nothing is known about a signal.
const NeutralScore = 0.5

// Features is the model input. Vector order is the sorted feature names:
// atr, macd_diff, rsi, spread.
type Features struct {
	ATR      float64 `json:"atr"`
	MACDDiff float64 `json:"macd_diff"`
	RSI      float64 `json:"rsi"`
	Spread   float64 `json:"spread"`

	// Side orients the heuristic; it is not a model input.
	Side market.Side `json:"-"`
}

// FeatureNames lists the model inputs in vector order.
var FeatureNames = []string{"atr", "macd_diff", "rsi", "spread"}

// FeaturesFrom builds features from the primary timeframe metrics. A
// missing rsi reads as 50.
func FeaturesFrom(metrics map[string]float64, spreadPips float64, side market.Side) Features {
	f := Features{RSI: 50, Spread: spreadPips, Side: side}
	if v, ok := lookup(metrics, "rsi"); ok {
		f.RSI = v
	}
	macd, okM := lookup(metrics, "macd")
	signal, okS := lookup(metrics, "macd_signal")
	if okM && okS {
		f.MACDDiff = macd - signal
	}
	if v, ok := lookup(metrics, "atr"); ok {
		f.ATR = v
	}
	return f
}

func lookup(metrics map[string]float64, name string) (float64, bool) {
	v, ok := metrics[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Vector returns the model input in FeatureNames order.
func (f Features) Vector() []float32 {
	return []float32{float32(f.ATR), float32(f.MACDDiff), float32(f.RSI), float32(f.Spread)}
}

// Scorer returns a signal quality in [0, 1]; higher is better.
type Scorer interface {
	Name() string
	Score(f Features) (float64, error)
}

// Heuristic scores momentum agreement and RSI room without a model.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Score(f Features) (float64, error) {
	if f.Side == "" || f.ATR <= 0 {
		return NeutralScore, nil
	}
	sign := f.Side.Sign()
	score := NeutralScore

	// MACD histogram in ATR units, capped at one ATR either way
	momentum := math.Max(-1, math.Min(1, sign*f.MACDDiff/f.ATR))
	score += 0.15 * momentum

	rsi := f.RSI
	if f.Side == market.SideSell {
		rsi = 100 - rsi
	}
	switch {
	case rsi >= 75:
		score -= 0.1
	case rsi >= 45 && rsi <= 65:
		score += 0.05
	case rsi < 30:
		score -= 0.05
	}
	return clamp01(score), nil
}

// New returns an ONNX scorer when modelPath is set and loads, and the
// heuristic otherwise.
func New(modelPath, libraryPath string, logger zerolog.Logger) Scorer {
	if modelPath == "" {
		return Heuristic{}
	}
	s, err := NewONNXScorer(modelPath, libraryPath)
	if err != nil {
		logger.Warn().Err(err).Str("model", modelPath).Msg("ONNX model unavailable, using heuristic scorer")
		return Heuristic{}
	}
	logger.Info().Str("model", modelPath).Msg("ONNX signal model loaded")
	return s
}

// Safe scores with s and maps any error or non-finite result to the
// neutral score.
func Safe(s Scorer, f Features) float64 {
	if s == nil {
		return NeutralScore
	}
	v, err := s.Score(f)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return NeutralScore
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
