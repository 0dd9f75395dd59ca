package filters

import (
	"context"
	"math"
	"strings"

	"strategy-executor/internal/indicators"
)

// Regime types.
const (
	RegimeTrendingUp   = "trending_up"
	RegimeTrendingDown = "trending_down"
	RegimeRanging      = "ranging"
	RegimeVolatile     = "volatile"
	RegimeUnknown      = "unknown"
)

const (
	regimeADXThreshold        = 25.0
	regimeVolatilePercentile  = 70.0
	regimeATRPercentileWindow = 100
)

// Regime is a market state classification.
type Regime struct {
	Type          string  `json:"type"`
	Confidence    float64 `json:"confidence"`
	ADX           float64 `json:"adx"`
	ATRPercentile float64 `json:"atr_percentile"`
}

// Multipliers scale lot size, stop distance and target distance.
type Multipliers struct {
	Size       float64 `json:"size"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Adjustments returns the regime's risk multipliers. Unknown regimes are
// neutral.
func (r Regime) Adjustments() Multipliers {
	switch r.Type {
	case RegimeTrendingUp, RegimeTrendingDown:
		return Multipliers{Size: 1.2, StopLoss: 1.5, TakeProfit: 2.0}
	case RegimeRanging:
		return Multipliers{Size: 0.8, StopLoss: 0.8, TakeProfit: 1.2}
	case RegimeVolatile:
		return Multipliers{Size: 0.5, StopLoss: 2.0, TakeProfit: 3.0}
	}
	return Multipliers{Size: 1, StopLoss: 1, TakeProfit: 1}
}

// Matches compares a regime to a configured name. "trending" matches both
// directions.
func (r Regime) Matches(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "trending" {
		return r.Type == RegimeTrendingUp || r.Type == RegimeTrendingDown
	}
	return n == r.Type
}

// DetectRegime classifies a snapshot using ADX, ATR percentile and the
// 20/50 SMA stack.
func DetectRegime(snap *indicators.Snapshot) Regime {
	if snap == nil || snap.Len() == 0 {
		return Regime{Type: RegimeUnknown}
	}
	adx, okADX := snap.Last("adx_14")
	price, _ := snap.Last("price")
	sma20, ok20 := snap.Last("sma_20")
	sma50, ok50 := snap.Last("sma_50")

	var pct float64
	if atr, err := snap.Series("atr_14"); err == nil {
		pct = indicators.PercentileRank(atr, regimeATRPercentileWindow)
	}

	r := Regime{ADX: adx, ATRPercentile: pct}
	switch {
	case okADX && adx > regimeADXThreshold:
		r.Confidence = math.Min(adx/50*100, 100)
		switch {
		case ok20 && ok50 && sma20 > sma50 && price > sma20:
			r.Type = RegimeTrendingUp
		case ok20 && ok50 && sma20 < sma50 && price < sma20:
			r.Type = RegimeTrendingDown
		default:
			r.Type = RegimeRanging
		}
	case pct > regimeVolatilePercentile:
		r.Type = RegimeVolatile
		r.Confidence = pct
	case !okADX && !ok20:
		r.Type = RegimeUnknown
	default:
		r.Type = RegimeRanging
		r.Confidence = 50
	}
	return r
}

// RegimeGate always attaches the detected regime and, when enabled, only
// passes allowed regimes at or above the minimum confidence.
type RegimeGate struct{}

func (RegimeGate) Name() string { return "regime" }

func (RegimeGate) Check(_ context.Context, in Input) (Result, error) {
	regime := DetectRegime(in.Primary())
	cfg := in.Rules.RegimeFilter

	r := pass("regime", "disabled")
	if cfg != nil && cfg.Enabled {
		r.Reason = "regime_allowed"
		allowed := len(cfg.AllowedRegimes) == 0
		for _, name := range cfg.AllowedRegimes {
			if regime.Matches(name) {
				allowed = true
				break
			}
		}
		switch {
		case !allowed:
			r = block("regime", ActionSkip, "regime_not_allowed")
		case regime.Confidence < cfg.MinConfidence:
			r = block("regime", ActionSkip, "regime_confidence_low")
		case cfg.AdjustRisk:
			r.SizeFactor = regime.Adjustments().Size
		}
	}
	r.Regime = &regime
	r.Details = map[string]any{"regime": regime.Type, "confidence": regime.Confidence}
	return r, nil
}
