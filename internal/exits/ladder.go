package exits

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"strategy-executor/internal/filters"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// Trigger types.
const (
	TriggerProfit   = "profit"
	TriggerTime     = "time"
	TriggerPrice    = "price"
	TriggerATR      = "atr"
	TriggerTrailing = "trailing"
	TriggerRegime   = "regime"
)

// Profit target kinds.
const (
	ProfitPips       = "pips"
	ProfitPercentage = "percentage"
	ProfitRRRatio    = "rr_ratio"
)

const (
	defaultLevelPriority       = 99
	defaultRegimeMinConfidence = 60.0
)

// Level is one armed rung of a partial-exit ladder. Executed only ever
// goes from false to true.
type Level struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Percentage          float64                  `json:"percentage"`
	Trigger             string                   `json:"trigger"`
	Value               float64                  `json:"value"`
	Priority            int                      `json:"priority"`
	MoveStopToBreakeven bool                     `json:"move_stop_to_breakeven"`
	Profit              *strategy.ProfitTarget   `json:"profit,omitempty"`
	Time                *strategy.TimeTarget     `json:"time,omitempty"`
	Trailing            *strategy.TrailingTarget `json:"trailing,omitempty"`
	Regime              *strategy.RegimeTarget   `json:"regime,omitempty"`
	Executed            bool                     `json:"executed"`
	ExecutedAt          time.Time                `json:"executed_at,omitempty"`
	// Discarded levels can no longer fire because the remaining volume is
	// at the broker minimum.
	Discarded bool `json:"discarded,omitempty"`
}

// BuildLadder arms the configured levels in ascending priority. Levels
// with a percentage outside (0, 100] or an unknown trigger are skipped.
func BuildLadder(cfg *strategy.PartialExits) []*Level {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	levels := make([]*Level, 0, len(cfg.Levels))
	for i, lc := range cfg.Levels {
		if lc.Percentage <= 0 || lc.Percentage > 100 {
			continue
		}
		trigger := strings.ToLower(strings.TrimSpace(lc.TriggerType))
		if trigger == "" {
			trigger = TriggerProfit
		}
		switch trigger {
		case TriggerProfit, TriggerTime, TriggerPrice, TriggerATR, TriggerTrailing, TriggerRegime:
		default:
			continue
		}
		priority := lc.Priority
		if priority <= 0 {
			priority = defaultLevelPriority
		}
		name := lc.Name
		if name == "" {
			name = fmt.Sprintf("Exit Level %d", i+1)
		}
		levels = append(levels, &Level{
			ID:                  fmt.Sprintf("level_%d", i),
			Name:                name,
			Percentage:          lc.Percentage,
			Trigger:             trigger,
			Value:               lc.TriggerValue,
			Priority:            priority,
			MoveStopToBreakeven: lc.MoveStopToBreakeven,
			Profit:              lc.ProfitTarget,
			Time:                lc.TimeTarget,
			Trailing:            lc.TrailingTarget,
			Regime:              lc.RegimeTarget,
		})
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Priority < levels[j].Priority })
	return levels
}

// triggerState is what a level needs to decide whether it fires.
type triggerState struct {
	side        market.Side
	entry       float64
	initialStop float64
	price       float64
	peak        float64 // best price seen in the position's favour
	openTime    time.Time
	now         time.Time
	pip         float64
	atr         float64
	regime      *filters.Regime
}

// favourable is the signed move from entry in the position's favour.
func (s triggerState) favourable() float64 {
	return s.side.Sign() * (s.price - s.entry)
}

// check reports whether the level fires and why.
func (l *Level) check(s triggerState) (bool, string) {
	if l.Executed {
		return false, ""
	}
	switch l.Trigger {
	case TriggerProfit:
		return l.checkProfit(s)

	case TriggerTrailing:
		distance := l.Value
		if l.Trailing != nil && l.Trailing.Distance > 0 {
			distance = l.Trailing.Distance
		}
		if distance <= 0 {
			distance = DefaultTrailDistance
		}
		// only once price has moved in favour
		if s.side.Sign()*(s.peak-s.entry) <= 0 {
			return false, ""
		}
		if s.side.Sign()*(s.peak-s.price) >= distance*s.pip {
			return true, fmt.Sprintf("Retraced %.1f pips from peak", s.side.Sign()*(s.peak-s.price)/s.pip)
		}

	case TriggerATR:
		if s.atr <= 0 || l.Value <= 0 {
			return false, ""
		}
		if s.favourable() >= s.atr*l.Value {
			return true, fmt.Sprintf("ATR target %.2fx reached", l.Value)
		}

	case TriggerTime:
		minutes := l.Value
		if l.Time != nil && l.Time.Minutes > 0 {
			minutes = l.Time.Minutes
		}
		if minutes <= 0 || s.openTime.IsZero() {
			return false, ""
		}
		if elapsed := s.now.Sub(s.openTime).Minutes(); elapsed >= minutes {
			return true, fmt.Sprintf("Time target %.0f minutes reached", elapsed)
		}

	case TriggerPrice:
		if l.Value <= 0 {
			return false, ""
		}
		if (s.side == market.SideBuy && s.price >= l.Value) || (s.side == market.SideSell && s.price <= l.Value) {
			return true, fmt.Sprintf("Target price %.5f reached", l.Value)
		}

	case TriggerRegime:
		if l.Regime == nil || s.regime == nil {
			return false, ""
		}
		minConf := l.Regime.MinConfidence
		if minConf <= 0 {
			minConf = defaultRegimeMinConfidence
		}
		if s.regime.Matches(l.Regime.Regime) && s.regime.Confidence >= minConf {
			return true, fmt.Sprintf("Regime %s detected (confidence %.0f%%)", s.regime.Type, s.regime.Confidence)
		}
	}
	return false, ""
}

func (l *Level) checkProfit(s triggerState) (bool, string) {
	kind, target := ProfitPips, l.Value
	if l.Profit != nil {
		if l.Profit.Type != "" {
			kind = strings.ToLower(l.Profit.Type)
		}
		if l.Profit.Value > 0 {
			target = l.Profit.Value
		}
	}
	if target <= 0 {
		return false, ""
	}
	move := s.favourable()

	switch kind {
	case ProfitPercentage:
		if s.entry <= 0 {
			return false, ""
		}
		if pct := move / s.entry * 100; pct >= target {
			return true, fmt.Sprintf("Profit %.2f%% reached", pct)
		}
	case ProfitRRRatio:
		risk := s.side.Sign() * (s.entry - s.initialStop)
		if risk <= 0 || move <= 0 {
			return false, ""
		}
		if rr := move / risk; rr >= target {
			return true, fmt.Sprintf("Risk-reward %.2f:1 reached", rr)
		}
	default:
		if pips := move / s.pip; pips >= target {
			return true, fmt.Sprintf("Profit target %.1f pips reached", pips)
		}
	}
	return false, ""
}
