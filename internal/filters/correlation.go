package filters

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
)

const (
	defaultCorrelationThreshold = 0.7
	defaultCorrelationTimeframe = "H1"
	defaultCorrelationLookback  = 200
)

// Correlation compares close-to-close returns of the candidate symbol with
// every watch-list and open-position symbol.
type Correlation struct {
	candles CandleSource
	logger  zerolog.Logger
}

// NewCorrelation creates the filter.
func NewCorrelation(candles CandleSource, logger zerolog.Logger) *Correlation {
	return &Correlation{candles: candles, logger: logger}
}

func (c *Correlation) Name() string { return "correlation" }

func (c *Correlation) Check(ctx context.Context, in Input) (Result, error) {
	cfg := in.Rules.CorrelationFilter
	if cfg == nil || !cfg.Enabled {
		return pass("correlation", "disabled"), nil
	}

	symbols := watchList(in.Symbol, cfg.Symbols, in.Positions)
	if len(symbols) == 0 {
		return pass("correlation", "no_watchlist"), nil
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultCorrelationThreshold
	}
	tf := cfg.Timeframe
	if tf == "" {
		tf = defaultCorrelationTimeframe
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = defaultCorrelationLookback
	}

	primary, err := c.candles.Candles(ctx, in.Symbol, tf, lookback)
	if err != nil || len(primary) < 3 {
		return block("correlation", ActionError, "missing_primary_data"), nil
	}
	base := Returns(market.Closes(primary))

	correlations := make(map[string]float64, len(symbols))
	var high []string
	for _, sym := range symbols {
		hist, err := c.candles.Candles(ctx, sym, tf, lookback)
		if err != nil || len(hist) < 3 {
			c.logger.Debug().Err(err).Str("symbol", sym).Msg("Skipping correlation symbol without data")
			continue
		}
		rho, ok := Pearson(base, Returns(market.Closes(hist)))
		if !ok {
			continue
		}
		correlations[sym] = rho
		if math.Abs(rho) >= threshold {
			high = append(high, sym)
		}
	}

	details := map[string]any{"correlations": correlations, "threshold": threshold}
	if len(high) == 0 {
		r := pass("correlation", "below_threshold")
		r.Details = details
		return r, nil
	}
	details["correlated"] = high

	var r Result
	switch cfg.Action {
	case "reduce":
		r = pass("correlation", "high_correlation_reduced")
		r.Action = ActionReduceSize
		r.SizeFactor = reduceFactor(cfg.ReduceFactor)
	case "hedge":
		r = pass("correlation", "high_correlation_hedge")
		r.Action = ActionHedge
		details["hedge_symbols"] = high
	case "proceed":
		r = pass("correlation", "high_correlation_ignored")
	default:
		r = block("correlation", ActionSkip, "high_correlation")
	}
	r.Details = details
	return r, nil
}

func watchList(primary string, configured []string, positions []market.Position) []string {
	primary = strings.ToUpper(primary)
	seen := map[string]bool{primary: true}
	var out []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range configured {
		add(s)
	}
	for _, p := range positions {
		add(p.Symbol)
	}
	sort.Strings(out)
	return out
}

// Returns converts prices to percentage changes.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// Pearson correlates the most recent overlapping returns of a and b.
func Pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, false
	}
	rho, err := stats.Correlation(stats.Float64Data(a[len(a)-n:]), stats.Float64Data(b[len(b)-n:]))
	if err != nil || math.IsNaN(rho) {
		return 0, false
	}
	return rho, true
}
