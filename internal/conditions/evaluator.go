// Package conditions turns indicator snapshots and a strategy's entry
// conditions into an entry decision.
package conditions

import (
	"math"
	"strings"

	"strategy-executor/internal/indicators"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

const epsilon = 1e-9

// Source resolves indicator values. *indicators.Snapshot implements it.
type Source interface {
	Last(name string) (float64, bool)
	Prev(name string) (float64, bool)
}

var _ Source = (*indicators.Snapshot)(nil)

// Vote records how one condition evaluated.
type Vote struct {
	Indicator  string  `json:"indicator"`
	Comparator string  `json:"comparator"`
	Timeframe  string  `json:"timeframe"`
	Required   bool    `json:"required,omitempty"`
	Left       float64 `json:"left"`
	Right      float64 `json:"right,omitempty"`
	Passed     bool    `json:"passed"`
	Reason     string  `json:"reason,omitempty"`
}

// Result is the outcome of evaluating an entry rule set.
type Result struct {
	Signal  bool               `json:"signal"`
	Side    market.Side        `json:"side,omitempty"`
	Vetoed  bool               `json:"vetoed,omitempty"`
	Votes   []Vote             `json:"votes"`
	Metrics map[string]float64 `json:"metrics"`
}

// Compare applies a non-crossing comparator to the current operand values.
// right holds one element for scalar comparators and two for range ones.
// Unknown comparators and non-finite operands never match.
func Compare(left float64, comparator string, right ...float64) bool {
	if !finite(left) {
		return false
	}
	for _, r := range right {
		if !finite(r) {
			return false
		}
	}
	switch comparator {
	case strategy.GreaterThan:
		return len(right) == 1 && left > right[0]
	case strategy.LessThan:
		return len(right) == 1 && left < right[0]
	case strategy.Equal:
		return len(right) == 1 && math.Abs(left-right[0]) < epsilon
	case strategy.InRange:
		return len(right) == 2 && left >= math.Min(right[0], right[1]) && left <= math.Max(right[0], right[1])
	case strategy.OutsideRange:
		return len(right) == 2 && (left < math.Min(right[0], right[1]) || left > math.Max(right[0], right[1]))
	}
	return false
}

// Crosses reports whether left crossed right between the previous and the
// current bar in the given direction.
func Crosses(prevLeft, currLeft, prevRight, currRight float64, comparator string) bool {
	if !finite(prevLeft) || !finite(currLeft) || !finite(prevRight) || !finite(currRight) {
		return false
	}
	switch comparator {
	case strategy.CrossesAbove:
		return prevLeft <= prevRight && currLeft > currRight
	case strategy.CrossesBelow:
		return prevLeft >= prevRight && currLeft < currRight
	}
	return false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Evaluate reduces conditions with logic (AND/OR, default AND) against one
// source per timeframe. A condition without a timeframe uses primaryTF.
// A required condition that fails vetoes the whole evaluation.
// An empty condition list never signals.
func Evaluate(conds []strategy.Condition, logic string, sources map[string]Source, primaryTF string) Result {
	res := Result{
		Votes:   make([]Vote, 0, len(conds)),
		Metrics: make(map[string]float64),
	}
	if len(conds) == 0 {
		return res
	}
	or := strings.EqualFold(logic, strategy.LogicOR)

	anyPassed, allPassed := false, true
	for _, c := range conds {
		v := evaluateOne(c, sources, primaryTF, res.Metrics)
		res.Votes = append(res.Votes, v)
		if v.Passed {
			anyPassed = true
		} else {
			allPassed = false
			if c.Required {
				res.Vetoed = true
			}
		}
	}

	if res.Vetoed {
		return res
	}
	if or {
		res.Signal = anyPassed
	} else {
		res.Signal = allPassed
	}
	return res
}

func evaluateOne(c strategy.Condition, sources map[string]Source, primaryTF string, metrics map[string]float64) Vote {
	tf := c.Timeframe
	if tf == "" {
		tf = primaryTF
	}
	v := Vote{
		Indicator:  c.Indicator,
		Comparator: c.Comparator,
		Timeframe:  tf,
		Required:   c.Required,
	}

	src, ok := sources[tf]
	if !ok || src == nil {
		v.Reason = "no data for timeframe"
		return v
	}

	left, ok := src.Last(c.Indicator)
	if !ok {
		v.Reason = "indicator unavailable"
		return v
	}
	v.Left = left
	metrics[metricKey(tf, primaryTF, c.Indicator)] = left

	switch c.Comparator {
	case strategy.CrossesAbove, strategy.CrossesBelow:
		prevLeft, ok1 := src.Prev(c.Indicator)
		currRight, prevRight, ok2 := resolveRightPair(src, c.Value)
		if !ok1 || !ok2 {
			v.Reason = "operand unavailable"
			return v
		}
		v.Right = currRight
		v.Passed = Crosses(prevLeft, left, prevRight, currRight, c.Comparator)
	case strategy.InRange, strategy.OutsideRange:
		if len(c.Value.Range) != 2 {
			v.Reason = "range operand required"
			return v
		}
		v.Passed = Compare(left, c.Comparator, c.Value.Range...)
	case strategy.GreaterThan, strategy.LessThan, strategy.Equal:
		right, ok := resolveRight(src, c.Value)
		if !ok {
			v.Reason = "operand unavailable"
			return v
		}
		v.Right = right
		v.Passed = Compare(left, c.Comparator, right)
	default:
		v.Reason = "unknown comparator"
		return v
	}

	if c.Value.Indicator != "" {
		metrics[metricKey(tf, primaryTF, c.Value.Indicator)] = v.Right
	}
	return v
}

func resolveRight(src Source, o strategy.Operand) (float64, bool) {
	switch {
	case o.Indicator != "":
		return src.Last(o.Indicator)
	case o.Number != nil:
		return *o.Number, true
	}
	return 0, false
}

// resolveRightPair returns the current and previous right-hand values. A
// literal is its own previous value.
func resolveRightPair(src Source, o strategy.Operand) (curr, prev float64, ok bool) {
	switch {
	case o.Indicator != "":
		c, ok1 := src.Last(o.Indicator)
		p, ok2 := src.Prev(o.Indicator)
		return c, p, ok1 && ok2
	case o.Number != nil:
		return *o.Number, *o.Number, true
	}
	return 0, 0, false
}

func metricKey(tf, primaryTF, name string) string {
	if tf == primaryTF {
		return name
	}
	return tf + ":" + name
}

// DeriveSide picks BUY when price is at or above the 50 EMA, SELL otherwise.
func DeriveSide(src Source) (market.Side, bool) {
	price, ok1 := src.Last("price")
	ema, ok2 := src.Last("ema_50")
	if !ok1 || !ok2 {
		return "", false
	}
	if price >= ema {
		return market.SideBuy, true
	}
	return market.SideSell, true
}
