package filters

import (
	"context"

	"strategy-executor/internal/market"
)

const defaultMaxSpread = 3.0

// Spread blocks entries when the current spread in pips exceeds the limit,
// or shrinks the lot size when the configured action is REDUCE_SIZE.
type Spread struct{}

func (Spread) Name() string { return "spread" }

func (Spread) Check(_ context.Context, in Input) (Result, error) {
	cfg := in.Rules.SpreadFilter
	if cfg == nil || !cfg.Enabled {
		return pass("spread", "disabled"), nil
	}
	if in.SymbolInfo == nil {
		return block("spread", ActionSkip, "symbol_info_missing"), nil
	}

	maxSpread := cfg.MaxSpread
	if maxSpread <= 0 {
		maxSpread = defaultMaxSpread
	}
	spread := market.SpreadPips(*in.SymbolInfo)
	details := map[string]any{"spread_pips": spread, "max_spread": maxSpread}

	if spread <= maxSpread {
		r := pass("spread", "spread_ok")
		r.Details = details
		return r, nil
	}

	if cfg.Action == "REDUCE_SIZE" {
		r := pass("spread", "spread_wide_reduced")
		r.Action = ActionReduceSize
		r.SizeFactor = reduceFactor(cfg.ReduceFactor)
		r.Details = details
		return r, nil
	}

	r := block("spread", ActionSkip, "spread_too_wide")
	r.Details = details
	return r, nil
}
