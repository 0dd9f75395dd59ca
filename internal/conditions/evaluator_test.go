package conditions

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// fakeSource serves fixed last/prev values.
type fakeSource struct {
	last map[string]float64
	prev map[string]float64
}

func (f fakeSource) Last(name string) (float64, bool) {
	v, ok := f.last[name]
	return v, ok
}

func (f fakeSource) Prev(name string) (float64, bool) {
	v, ok := f.prev[name]
	return v, ok
}

func cond(ind, op string, val strategy.Operand) strategy.Condition {
	return strategy.Condition{Indicator: ind, Comparator: op, Value: val}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name  string
		left  float64
		op    string
		right []float64
		want  bool
	}{
		{"gt true", 2, strategy.GreaterThan, []float64{1}, true},
		{"gt equal", 1, strategy.GreaterThan, []float64{1}, false},
		{"lt", 1, strategy.LessThan, []float64{2}, true},
		{"equal within epsilon", 1.0000000001, strategy.Equal, []float64{1}, true},
		{"equal outside epsilon", 1.001, strategy.Equal, []float64{1}, false},
		{"in range inclusive low", 30, strategy.InRange, []float64{30, 70}, true},
		{"in range inclusive high", 70, strategy.InRange, []float64{30, 70}, true},
		{"in range reversed bounds", 50, strategy.InRange, []float64{70, 30}, true},
		{"outside range", 80, strategy.OutsideRange, []float64{30, 70}, true},
		{"outside range boundary", 70, strategy.OutsideRange, []float64{30, 70}, false},
		{"nan left", math.NaN(), strategy.GreaterThan, []float64{1}, false},
		{"inf right", 1, strategy.LessThan, []float64{math.Inf(1)}, false},
		{"unknown comparator", 1, "sorta", []float64{0}, false},
		{"range arity", 1, strategy.InRange, []float64{0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.left, tt.op, tt.right...))
		})
	}
}

func TestCrosses(t *testing.T) {
	// prev 1.0 vs 1.1, curr 1.2 vs 1.1
	assert.True(t, Crosses(1.0, 1.2, 1.1, 1.1, strategy.CrossesAbove))
	// already above on the previous bar
	assert.False(t, Crosses(1.2, 1.3, 1.1, 1.1, strategy.CrossesAbove))
	// touching counts as below on the previous bar
	assert.True(t, Crosses(1.1, 1.2, 1.1, 1.1, strategy.CrossesAbove))
	assert.True(t, Crosses(1.2, 1.0, 1.1, 1.1, strategy.CrossesBelow))
	assert.False(t, Crosses(1.0, 0.9, 1.1, 1.1, strategy.CrossesBelow))
	assert.False(t, Crosses(math.NaN(), 1.2, 1.1, 1.1, strategy.CrossesAbove))
	assert.False(t, Crosses(1.0, 1.2, 1.1, 1.1, strategy.GreaterThan))
}

func TestEvaluate_AndOr(t *testing.T) {
	h1 := fakeSource{
		last: map[string]float64{"rsi": 25, "price": 1.09, "ema_50": 1.10},
		prev: map[string]float64{"rsi": 28, "price": 1.08, "ema_50": 1.10},
	}
	sources := map[string]Source{"H1": h1}
	conds := []strategy.Condition{
		cond("rsi", strategy.LessThan, strategy.Num(30)),
		cond("price", strategy.GreaterThan, strategy.Ref("ema_50")),
	}

	and := Evaluate(conds, "AND", sources, "H1")
	assert.False(t, and.Signal)
	assert.Len(t, and.Votes, 2)
	assert.True(t, and.Votes[0].Passed)
	assert.False(t, and.Votes[1].Passed)

	or := Evaluate(conds, "OR", sources, "H1")
	assert.True(t, or.Signal)
	assert.Equal(t, 25.0, or.Metrics["rsi"])
	assert.Equal(t, 1.10, or.Metrics["ema_50"])

	defaultLogic := Evaluate(conds, "", sources, "H1")
	assert.False(t, defaultLogic.Signal)
}

func TestEvaluate_RequiredHigherTimeframeVetoes(t *testing.T) {
	sources := map[string]Source{
		"H1": fakeSource{last: map[string]float64{"rsi": 25}},
		"H4": fakeSource{last: map[string]float64{"rsi": 75}},
	}
	conds := []strategy.Condition{
		cond("rsi", strategy.LessThan, strategy.Num(30)),
		{Indicator: "rsi", Comparator: strategy.LessThan, Value: strategy.Num(50), Timeframe: "H4", Required: true},
	}

	res := Evaluate(conds, "OR", sources, "H1")
	assert.False(t, res.Signal)
	assert.True(t, res.Vetoed)
	assert.Equal(t, 75.0, res.Metrics["H4:rsi"])
}

func TestEvaluate_MissingTimeframeVotesFalse(t *testing.T) {
	sources := map[string]Source{"H1": fakeSource{last: map[string]float64{"rsi": 25}}}
	conds := []strategy.Condition{
		cond("rsi", strategy.LessThan, strategy.Num(30)),
		{Indicator: "rsi", Comparator: strategy.LessThan, Value: strategy.Num(30), Timeframe: "D1"},
	}

	assert.False(t, Evaluate(conds, "AND", sources, "H1").Signal)
	res := Evaluate(conds, "OR", sources, "H1")
	assert.True(t, res.Signal)
	assert.Equal(t, "no data for timeframe", res.Votes[1].Reason)
}

func TestEvaluate_Crossing(t *testing.T) {
	src := fakeSource{
		last: map[string]float64{"macd": 0.0012, "macd_signal": 0.0010},
		prev: map[string]float64{"macd": 0.0008, "macd_signal": 0.0010},
	}
	conds := []strategy.Condition{cond("macd", strategy.CrossesAbove, strategy.Ref("macd_signal"))}
	assert.True(t, Evaluate(conds, "AND", map[string]Source{"M15": src}, "M15").Signal)

	conds = []strategy.Condition{cond("macd", strategy.CrossesBelow, strategy.Ref("macd_signal"))}
	assert.False(t, Evaluate(conds, "AND", map[string]Source{"M15": src}, "M15").Signal)
}

func TestEvaluate_Unresolvable(t *testing.T) {
	src := fakeSource{last: map[string]float64{"rsi": 25}}
	sources := map[string]Source{"H1": src}

	tests := []strategy.Condition{
		cond("adx", strategy.GreaterThan, strategy.Num(20)),
		cond("rsi", strategy.GreaterThan, strategy.Ref("ema_200")),
		cond("rsi", strategy.CrossesAbove, strategy.Num(20)),
		cond("rsi", "approximately", strategy.Num(25)),
		cond("rsi", strategy.InRange, strategy.Num(25)),
	}
	for _, c := range tests {
		res := Evaluate([]strategy.Condition{c}, "OR", sources, "H1")
		assert.False(t, res.Signal, c.Indicator+" "+c.Comparator)
		assert.NotEmpty(t, res.Votes[0].Reason)
	}
}

func TestEvaluate_EmptyNeverSignals(t *testing.T) {
	res := Evaluate(nil, "OR", map[string]Source{}, "H1")
	assert.False(t, res.Signal)
	assert.Empty(t, res.Votes)
}

func TestDeriveSide(t *testing.T) {
	side, ok := DeriveSide(fakeSource{last: map[string]float64{"price": 1.1, "ema_50": 1.1}})
	assert.True(t, ok)
	assert.Equal(t, market.SideBuy, side)

	side, ok = DeriveSide(fakeSource{last: map[string]float64{"price": 1.0, "ema_50": 1.1}})
	assert.True(t, ok)
	assert.Equal(t, market.SideSell, side)

	_, ok = DeriveSide(fakeSource{last: map[string]float64{"price": 1.0}})
	assert.False(t, ok)
}
