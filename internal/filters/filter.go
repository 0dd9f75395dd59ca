// Package filters implements the market gates evaluated before an entry:
// session, news, spread, volatility, correlation, regime and
// multi-timeframe confirmation.
package filters

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/indicators"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// Filter actions reported in Result.Action.
const (
	ActionProceed    = "proceed"
	ActionSkip       = "skip"
	ActionPause      = "pause"
	ActionReduceSize = "reduce_size"
	ActionHedge      = "hedge"
	ActionError      = "error"
)

// CandleSource supplies history for symbols and timeframes other than the
// one being evaluated. broker.Connector satisfies it.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error)
}

// Input is everything a filter may look at for one strategy evaluation.
type Input struct {
	Symbol     string
	Timeframe  string
	Rules      strategy.Rules
	Snapshots  map[string]*indicators.Snapshot
	SymbolInfo *market.SymbolInfo
	Positions  []market.Position
	Now        time.Time
}

// Primary returns the snapshot of the strategy's own timeframe.
func (in Input) Primary() *indicators.Snapshot {
	return in.Snapshots[in.Timeframe]
}

// Result is one filter's verdict.
type Result struct {
	Filter     string         `json:"filter"`
	Passed     bool           `json:"passed"`
	Action     string         `json:"action"`
	Reason     string         `json:"reason,omitempty"`
	SizeFactor float64        `json:"size_factor"`
	Details    map[string]any `json:"details,omitempty"`
	Regime     *Regime        `json:"regime,omitempty"`
}

func pass(name, reason string) Result {
	return Result{Filter: name, Passed: true, Action: ActionProceed, Reason: reason, SizeFactor: 1}
}

func block(name, action, reason string) Result {
	return Result{Filter: name, Passed: false, Action: action, Reason: reason, SizeFactor: 1}
}

// Filter is one market gate.
type Filter interface {
	Name() string
	Check(ctx context.Context, in Input) (Result, error)
}

// Outcome aggregates a chain run.
type Outcome struct {
	Passed     bool     `json:"passed"`
	Blocked    *Result  `json:"blocked,omitempty"`
	Results    []Result `json:"results"`
	SizeFactor float64  `json:"size_factor"`
	Regime     *Regime  `json:"regime,omitempty"`
}

// Chain runs filters in order and stops at the first failure. Size factors
// of passing filters multiply.
type Chain struct {
	filters []Filter
	logger  zerolog.Logger
}

// NewChain builds a chain. The canonical order is session, news, spread,
// volatility, correlation, regime, mtf.
func NewChain(logger zerolog.Logger, filters ...Filter) *Chain {
	return &Chain{
		filters: filters,
		logger:  logger.With().Str("component", "filters").Logger(),
	}
}

// Run evaluates the chain. A filter error blocks the entry for this cycle.
func (c *Chain) Run(ctx context.Context, in Input) Outcome {
	out := Outcome{Passed: true, SizeFactor: 1}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	for _, f := range c.filters {
		res, err := f.Check(ctx, in)
		if err != nil {
			c.logger.Warn().Err(err).Str("filter", f.Name()).Str("symbol", in.Symbol).Msg("Filter check failed")
			res = block(f.Name(), ActionError, err.Error())
		}
		if res.Filter == "" {
			res.Filter = f.Name()
		}
		if res.SizeFactor <= 0 {
			res.SizeFactor = 1
		}
		out.Results = append(out.Results, res)
		if res.Regime != nil {
			out.Regime = res.Regime
		}
		if !res.Passed {
			r := res
			out.Passed = false
			out.Blocked = &r
			return out
		}
		out.SizeFactor *= res.SizeFactor
	}
	return out
}

// clamp bounds v to [lo, hi]; NaN maps to hi.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return hi
	}
	return math.Max(lo, math.Min(hi, v))
}

func reduceFactor(v float64) float64 {
	if v == 0 {
		v = 0.5
	}
	return clamp(v, 0.1, 1.0)
}

func errInsufficient(what string) error {
	return fmt.Errorf("%s: %w", what, indicators.ErrInsufficientData)
}
