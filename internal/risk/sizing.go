package risk

import (
	"math"

	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// Sizing defaults.
const (
	DefaultMinLot           = 0.01
	DefaultMaxLot           = 2.0
	DefaultLotSize          = 0.01
	DefaultRiskPercentage   = 1.0
	DefaultPipValue         = 10.0
	DefaultATRMultiplier    = 2.0
	DefaultBaseLot          = 0.1
	DefaultEquityFraction   = 0.01
	DefaultContractValue    = 100000.0
	KellyContractValue      = 10000.0
	KellyMinTrades          = 20
	kellyScale              = 0.25
	kellyMaxFraction        = 0.10
	defaultNormalVolatility = 1.0
)

// MarketInput is the per-signal market data some sizing methods need.
type MarketInput struct {
	Symbol     market.SymbolInfo
	ATR        float64 // raw price units
	Volatility float64 // current volatility measure, same unit as normalVolatility
	StopPips   float64 // planned stop distance; zero falls back to stopLossPips, then minLot
}

// Sizing is the outcome of a sizing call.
type Sizing struct {
	Method string  `json:"method"`
	Raw    float64 `json:"raw"`
	Lots   float64 `json:"lots"`
}

// Sizer computes lot sizes. The trade history feeds the Kelly method.
type Sizer struct {
	history *TradeHistory
	logger  zerolog.Logger
}

// NewSizer creates a sizer. history may be nil, in which case Kelly always
// returns the minimum lot.
func NewSizer(history *TradeHistory, logger zerolog.Logger) *Sizer {
	return &Sizer{history: history, logger: logger}
}

// Method resolves the effective sizing method from the rule tree.
func Method(rules strategy.Rules) string {
	if dr := rules.DynamicRisk; dr != nil && dr.Enabled && dr.Method != "" {
		return dr.Method
	}
	if rules.RiskManagement != nil && rules.RiskManagement.LotSize <= 0 &&
		(rules.RiskManagement.RiskPercentage > 0 || rules.RiskManagement.StopLossPips > 0) {
		return strategy.SizingPercentRisk
	}
	return strategy.SizingFixed
}

// LotBounds returns the [min, max] lot clamp.
func LotBounds(rules strategy.Rules) (float64, float64) {
	minLot, maxLot := DefaultMinLot, DefaultMaxLot
	if rm := rules.RiskManagement; rm != nil {
		if rm.MinLot > 0 {
			minLot = rm.MinLot
		}
		if rm.MaxLot > 0 {
			maxLot = rm.MaxLot
		}
	}
	if dr := rules.DynamicRisk; dr != nil && dr.Enabled {
		if dr.MinLot > 0 {
			minLot = dr.MinLot
		}
		if dr.MaxLot > 0 {
			maxLot = dr.MaxLot
		}
	}
	if maxLot < minLot {
		maxLot = minLot
	}
	return minLot, maxLot
}

// Size computes the lot size for a new position. multiplier is the product
// of filter and regime size factors and is applied before the clamp. The
// result never exceeds maxLot, even when the broker minimum is larger.
func (s *Sizer) Size(account market.AccountInfo, rules strategy.Rules, in MarketInput, multiplier float64) Sizing {
	method := Method(rules)
	minLot, maxLot := LotBounds(rules)

	var raw float64
	switch method {
	case strategy.SizingPercentRisk:
		raw = percentRisk(account, rules.RiskManagement, in)
	case strategy.SizingKelly:
		raw = s.kelly(account, rules.DynamicRisk)
	case strategy.SizingATR:
		raw = atrBased(account, rules.DynamicRisk, in)
	case strategy.SizingVolatility:
		raw = volatilityBased(rules.DynamicRisk, in)
	case strategy.SizingAccountEquity:
		raw = equityBased(account, rules.DynamicRisk)
	case strategy.SizingFixed:
		raw = fixed(rules.RiskManagement)
	default:
		s.logger.Warn().Str("method", method).Msg("Unknown sizing method, using fixed lot")
		method = strategy.SizingFixed
		raw = fixed(rules.RiskManagement)
	}

	if multiplier > 0 && !math.IsNaN(multiplier) && !math.IsInf(multiplier, 0) {
		raw *= multiplier
	}

	lots := Clamp(raw, minLot, maxLot)
	lots = capVolume(market.NormalizeVolume(lots, in.Symbol), maxLot, in.Symbol)

	s.logger.Debug().
		Str("method", method).
		Float64("equity", account.EffectiveEquity()).
		Float64("raw", raw).
		Float64("lots", lots).
		Msg("Position sized")

	return Sizing{Method: method, Raw: raw, Lots: lots}
}

// Clamp bounds lots to [minLot, maxLot]. Non-finite or non-positive input
// yields minLot.
func Clamp(lots, minLot, maxLot float64) float64 {
	if math.IsNaN(lots) || math.IsInf(lots, 0) || lots <= 0 {
		return minLot
	}
	return math.Max(minLot, math.Min(lots, maxLot))
}

// capVolume pulls a normalised volume back under maxLot. The broker
// minimum can push it above; the configured maximum wins and the order is
// left for the broker to reject.
func capVolume(lots, maxLot float64, info market.SymbolInfo) float64 {
	if lots <= maxLot+1e-9 {
		return lots
	}
	if info.VolumeStep > 0 {
		if floored := math.Floor(maxLot/info.VolumeStep+1e-9) * info.VolumeStep; floored > 0 {
			return floored
		}
	}
	return maxLot
}

func fixed(rm *strategy.RiskManagement) float64 {
	if rm != nil && rm.LotSize > 0 {
		return rm.LotSize
	}
	return DefaultLotSize
}

func percentRisk(account market.AccountInfo, rm *strategy.RiskManagement, in MarketInput) float64 {
	riskPct, pipValue := DefaultRiskPercentage, DefaultPipValue
	var stopPips float64
	if rm != nil {
		if rm.RiskPercentage > 0 {
			riskPct = rm.RiskPercentage
		}
		if rm.PipValue > 0 {
			pipValue = rm.PipValue
		}
		if rm.StopLossPips > 0 {
			stopPips = rm.StopLossPips
		}
	}
	if in.StopPips > 0 {
		stopPips = in.StopPips
	}
	// Without a stop distance the risk is unbounded; Clamp turns zero into minLot.
	denom := stopPips * pipValue
	if denom <= 0 || math.IsNaN(denom) {
		return 0
	}
	return account.EffectiveEquity() * riskPct / 100 / denom
}

func (s *Sizer) kelly(account market.AccountInfo, dr *strategy.DynamicRisk) float64 {
	if s.history == nil {
		return 0
	}
	perf := s.history.Performance()
	if perf.Trades < KellyMinTrades || perf.Wins == 0 || perf.Losses == 0 || perf.AvgLoss <= 0 {
		return 0
	}
	b := perf.AvgWin / perf.AvgLoss
	if b <= 0 {
		return 0
	}
	f := (perf.WinRate*b - (1 - perf.WinRate)) / b
	f = math.Max(0, math.Min(f*kellyScale, kellyMaxFraction))

	contract := KellyContractValue
	if dr != nil && dr.ContractValue > 0 {
		contract = dr.ContractValue
	}
	return account.EffectiveEquity() * f / contract
}

func atrBased(account market.AccountInfo, dr *strategy.DynamicRisk, in MarketInput) float64 {
	riskPct, mult, contract := DefaultRiskPercentage, DefaultATRMultiplier, DefaultContractValue
	if dr != nil {
		if dr.AccountRisk > 0 {
			riskPct = dr.AccountRisk
		}
		if dr.ATRMultiplier > 0 {
			mult = dr.ATRMultiplier
		}
		if dr.ContractValue > 0 {
			contract = dr.ContractValue
		}
	}
	stop := in.ATR * mult
	if stop <= 0 || math.IsNaN(stop) {
		return 0
	}
	return account.EffectiveEquity() * riskPct / 100 / stop / contract
}

func volatilityBased(dr *strategy.DynamicRisk, in MarketInput) float64 {
	base, normal := DefaultBaseLot, defaultNormalVolatility
	if dr != nil {
		if dr.BaseLot > 0 {
			base = dr.BaseLot
		}
		if dr.NormalVolatility > 0 {
			normal = dr.NormalVolatility
		}
	}
	if in.Volatility <= 0 || math.IsNaN(in.Volatility) {
		return 0
	}
	return base * normal / in.Volatility
}

func equityBased(account market.AccountInfo, dr *strategy.DynamicRisk) float64 {
	pct, contract := DefaultEquityFraction, DefaultContractValue
	if dr != nil {
		if dr.EquityPercentage > 0 {
			pct = dr.EquityPercentage
		}
		if dr.ContractValue > 0 {
			contract = dr.ContractValue
		}
	}
	return account.EffectiveEquity() * pct / contract
}
