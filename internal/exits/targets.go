package exits

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"strategy-executor/internal/indicators"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// ErrInvalidEntry is returned for a non-positive entry price.
var ErrInvalidEntry = errors.New("invalid entry price")

// Exit defaults, in pips unless noted.
const (
	DefaultStopPips         = 25.0
	DefaultTakeProfitPips   = 40.0
	DefaultATRMultiplier    = 2.0
	DefaultRRRatio          = 2.0
	DefaultTrailDistance    = 30.0
	DefaultTrailStep        = 10.0
	DefaultSupportLookback  = 50
	DefaultFibonacciLevel   = 0.236
	minATRStopPips          = 5.0
	minRRTakeProfitPips     = 10.0
	supportFallbackPoints   = 50.0
	stopMethodPips          = "pips"
	stopMethodFixed         = "fixed"
	stopMethodATR           = "atr"
	stopMethodSupport       = "support"
	stopMethodTrailing      = "trailing"
	targetMethodRRRatio     = "rr_ratio"
	targetMethodFibonacci   = "fibonacci"
	defaultPriceDigits      = 5
	defaultPointWithoutInfo = 0.00001
)

// Targets are the initial broker-side stop and take-profit of a new
// position.
type Targets struct {
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	StopPips     float64 `json:"stop_pips"`
	TakePips     float64 `json:"take_pips"`
	StopMethod   string  `json:"stop_method"`
	TargetMethod string  `json:"target_method"`
}

// Calculator computes initial exit levels from the exit rules.
type Calculator struct{}

// Levels computes the stop and target for an entry. Methods that cannot be
// computed from the available candles fall back to fixed pip distances.
func (Calculator) Levels(side market.Side, entry float64, cfg *strategy.Exit, candles []market.Candle, info market.SymbolInfo) (Targets, error) {
	if entry <= 0 || math.IsNaN(entry) {
		return Targets{}, fmt.Errorf("%w: %v", ErrInvalidEntry, entry)
	}
	if cfg == nil {
		cfg = &strategy.Exit{}
	}
	pip := market.PipSize(info.Symbol, info)
	point := info.Point
	if point <= 0 {
		point = defaultPointWithoutInfo
	}
	digits := info.Digits
	if digits <= 0 {
		digits = defaultPriceDigits
	}

	stopDist, stopMethod := stopDistance(side, entry, cfg.StopLoss, candles, pip, point)
	stop := entry - side.Sign()*stopDist

	takeDist, targetMethod := targetDistance(side, entry, cfg.TakeProfit, stopDist, candles, pip)
	take := entry + side.Sign()*takeDist

	return Targets{
		StopLoss:     market.RoundPrice(stop, digits),
		TakeProfit:   market.RoundPrice(take, digits),
		StopPips:     stopDist / pip,
		TakePips:     takeDist / pip,
		StopMethod:   stopMethod,
		TargetMethod: targetMethod,
	}, nil
}

func stopDistance(side market.Side, entry float64, cfg *strategy.StopLoss, candles []market.Candle, pip, point float64) (float64, string) {
	if cfg == nil {
		return DefaultStopPips * pip, stopMethodPips
	}
	switch strings.ToLower(cfg.Type) {
	case stopMethodATR:
		period := cfg.ATRPeriod
		if period <= 0 {
			period = indicators.DefaultATRPeriod
		}
		mult := cfg.ATRMultiplier
		if mult <= 0 {
			mult = DefaultATRMultiplier
		}
		series := indicators.ATR(candles, period)
		if n := len(series); n > 0 && !math.IsNaN(series[n-1]) && series[n-1] > 0 {
			return math.Max(series[n-1]*mult, minATRStopPips*pip), stopMethodATR
		}
		return DefaultStopPips * pip, stopMethodPips

	case stopMethodSupport:
		lookback := cfg.Lookback
		if lookback <= 0 {
			lookback = DefaultSupportLookback
		}
		levels := indicators.SupportResistance(candles, lookback)
		if side == market.SideBuy {
			if s, ok := indicators.NearestSupport(levels, entry); ok {
				return entry - s, stopMethodSupport
			}
		} else if r, ok := indicators.NearestResistance(levels, entry); ok {
			return r - entry, stopMethodSupport
		}
		return supportFallbackPoints * point, stopMethodSupport

	case stopMethodTrailing:
		d := cfg.TrailDistance
		if d <= 0 {
			d = DefaultTrailDistance
		}
		return d * pip, stopMethodTrailing

	default:
		v := cfg.Value
		if v <= 0 {
			v = DefaultStopPips
		}
		return v * pip, stopMethodPips
	}
}

func targetDistance(side market.Side, entry float64, cfg *strategy.TakeProfit, stopDist float64, candles []market.Candle, pip float64) (float64, string) {
	if cfg == nil {
		return DefaultTakeProfitPips * pip, stopMethodPips
	}
	switch strings.ToLower(cfg.Type) {
	case targetMethodRRRatio:
		rr := cfg.RRRatio
		if rr <= 0 {
			rr = cfg.Value
		}
		if rr <= 0 {
			rr = DefaultRRRatio
		}
		return math.Max(stopDist*rr, minRRTakeProfitPips*pip), targetMethodRRRatio

	case targetMethodFibonacci:
		level := cfg.Level
		if level <= 0 {
			level = DefaultFibonacciLevel
		}
		if len(candles) > 0 {
			last := candles[len(candles)-1]
			target := indicators.FibonacciExtension(side, entry, last.High, last.Low, level)
			if d := math.Abs(target - entry); d > 0 {
				return d, targetMethodFibonacci
			}
		}
		return DefaultTakeProfitPips * pip, stopMethodPips

	default:
		v := cfg.Value
		if v <= 0 {
			v = DefaultTakeProfitPips
		}
		return v * pip, stopMethodPips
	}
}

// Scale widens or narrows both distances around entry, as the regime
// multipliers require.
func Scale(side market.Side, entry float64, t Targets, stopMult, takeMult float64, info market.SymbolInfo) Targets {
	if stopMult <= 0 {
		stopMult = 1
	}
	if takeMult <= 0 {
		takeMult = 1
	}
	digits := info.Digits
	if digits <= 0 {
		digits = defaultPriceDigits
	}
	stopDist := math.Abs(entry-t.StopLoss) * stopMult
	takeDist := math.Abs(t.TakeProfit-entry) * takeMult
	t.StopLoss = market.RoundPrice(entry-side.Sign()*stopDist, digits)
	t.TakeProfit = market.RoundPrice(entry+side.Sign()*takeDist, digits)
	t.StopPips *= stopMult
	t.TakePips *= takeMult
	return t
}
