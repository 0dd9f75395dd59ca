package filters

import (
	"context"

	"github.com/rs/zerolog"

	"strategy-executor/internal/indicators"
)

const mtfCandleCount = 150

var defaultHigherTimeframes = []string{"H4", "D1"}

// MTF requires higher timeframe trend labels to agree with the primary
// timeframe label. In required mode every label must agree; otherwise
// agreeing labels must outnumber opposing ones.
type MTF struct {
	candles CandleSource
	logger  zerolog.Logger
}

// NewMTF creates the filter.
func NewMTF(candles CandleSource, logger zerolog.Logger) *MTF {
	return &MTF{candles: candles, logger: logger}
}

func (m *MTF) Name() string { return "mtf" }

func (m *MTF) Check(ctx context.Context, in Input) (Result, error) {
	cfg := in.Rules.MTFFilter
	if cfg == nil || !cfg.Enabled {
		r := pass("mtf", "disabled")
		r.Details = map[string]any{"confidence": 100.0}
		return r, nil
	}

	snap := in.Primary()
	if snap == nil {
		return Result{}, errInsufficient("mtf: no primary snapshot")
	}
	primary := indicators.TrendLabel(snap.Candles())

	tfs := cfg.HigherTimeframes
	if len(tfs) == 0 {
		tfs = defaultHigherTimeframes
	}
	required := cfg.ConfirmationRequired == nil || *cfg.ConfirmationRequired

	labels := make(map[string]string, len(tfs))
	agree, oppose := 0, 0
	for _, tf := range tfs {
		label := indicators.TrendNeutral
		if s, ok := in.Snapshots[tf]; ok && s.Len() >= mtfCandleCount/2 {
			label = indicators.TrendLabel(s.Candles())
		} else if m.candles != nil {
			candles, err := m.candles.Candles(ctx, in.Symbol, tf, mtfCandleCount)
			if err != nil {
				m.logger.Debug().Err(err).Str("timeframe", tf).Msg("Higher timeframe unavailable")
			} else {
				label = indicators.TrendLabel(candles)
			}
		}
		labels[tf] = label
		switch {
		case label == primary:
			agree++
		case label != indicators.TrendNeutral:
			oppose++
		}
	}

	confidence := 0.0
	if len(tfs) > 0 {
		confidence = float64(agree) / float64(len(tfs)) * 100
	}
	details := map[string]any{"primary": primary, "labels": labels, "confidence": confidence}

	var confirmed bool
	switch {
	case primary == indicators.TrendNeutral:
		confirmed = false
	case required:
		confirmed = agree == len(tfs)
	default:
		confirmed = agree > oppose
	}

	var r Result
	if confirmed {
		r = pass("mtf", "confirmed")
	} else {
		r = block("mtf", ActionSkip, "not_confirmed")
	}
	r.Details = details
	return r, nil
}
