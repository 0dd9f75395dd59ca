package exits

import (
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// Trailer moves a position's stop behind price. Distances are in pips.
type Trailer struct {
	Distance   float64
	Step       float64
	Activation float64
}

// NewTrailer applies defaults to the trailing rules. It returns nil when
// trailing is disabled.
func NewTrailer(cfg *strategy.Trailing) *Trailer {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	t := &Trailer{Distance: cfg.Distance, Step: cfg.Step, Activation: cfg.Activation}
	if t.Distance <= 0 {
		t.Distance = DefaultTrailDistance
	}
	if t.Step <= 0 {
		t.Step = DefaultTrailStep
	}
	return t
}

// Active reports whether the position has moved far enough into profit for
// trailing to start.
func (t *Trailer) Active(side market.Side, entry, price, pip float64) bool {
	if t.Activation <= 0 {
		return true
	}
	return side.Sign()*(price-entry) >= t.Activation*pip
}

// Next returns a new stop when price has moved the stop by more than the
// step. A BUY stop only rises and a SELL stop only falls; a SELL without a
// stop (zero) always takes the first value.
func (t *Trailer) Next(side market.Side, price, stop, pip float64) (float64, bool) {
	distance := t.Distance * pip
	step := t.Step * pip

	if side == market.SideBuy {
		candidate := price - distance
		if candidate > stop+step {
			return candidate, true
		}
		return stop, false
	}

	candidate := price + distance
	if stop <= 0 || candidate < stop-step {
		return candidate, true
	}
	return stop, false
}
