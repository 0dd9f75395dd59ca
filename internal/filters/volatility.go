package filters

import (
	"context"
	"fmt"
	"strings"
)

// Volatility band actions.
const (
	VolSkip   = "SKIP"
	VolPause  = "PAUSE"
	VolNormal = "NORMAL"
)

const (
	defaultVolatilityPeriod = 14
	defaultMaxATR           = 9999.0
)

// Volatility gates on the primary timeframe ATR. Below minATR and above
// maxATR each map to SKIP, PAUSE or NORMAL; only NORMAL lets the entry
// through.
type Volatility struct{}

func (Volatility) Name() string { return "volatility" }

func (Volatility) Check(_ context.Context, in Input) (Result, error) {
	cfg := in.Rules.VolatilityFilter
	if cfg == nil || !cfg.Enabled {
		return pass("volatility", "disabled"), nil
	}
	snap := in.Primary()
	if snap == nil {
		return Result{}, errInsufficient("volatility: no primary snapshot")
	}

	period := cfg.Period
	if period <= 0 {
		period = defaultVolatilityPeriod
	}
	atr, ok := snap.Last(fmt.Sprintf("atr_%d", period))
	if !ok {
		return Result{}, errInsufficient("volatility: atr")
	}

	minATR := cfg.MinATR
	maxATR := cfg.MaxATR
	if maxATR <= 0 {
		maxATR = defaultMaxATR
	}

	belowMin, aboveMax, inOptimal := VolSkip, VolSkip, VolNormal
	if a := cfg.Action; a != nil {
		belowMin = volAction(a.BelowMin, VolSkip)
		aboveMax = volAction(a.AboveMax, VolSkip)
		inOptimal = volAction(a.InOptimal, VolNormal)
	}

	action, reason := inOptimal, "atr_in_range"
	switch {
	case atr < minATR:
		action, reason = belowMin, "atr_below_min"
	case atr > maxATR:
		action, reason = aboveMax, "atr_above_max"
	}

	details := map[string]any{"atr": atr, "min_atr": minATR, "max_atr": maxATR, "band_action": action}
	var r Result
	switch action {
	case VolNormal:
		r = pass("volatility", reason)
	case VolPause:
		r = block("volatility", ActionPause, reason)
	default:
		r = block("volatility", ActionSkip, reason)
	}
	r.Details = details
	return r, nil
}

func volAction(v, def string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case VolSkip:
		return VolSkip
	case VolPause:
		return VolPause
	case VolNormal:
		return VolNormal
	}
	return def
}
