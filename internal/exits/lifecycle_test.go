package exits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/filters"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

type closeCall struct {
	ticket int64
	volume float64
}

type fakeBroker struct {
	mu        sync.Mutex
	closes    []closeCall
	stops     []float64
	failClose int
	profit    float64
}

func (b *fakeBroker) ClosePartial(_ context.Context, ticket int64, volume float64) (market.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failClose > 0 {
		b.failClose--
		return market.OrderResult{}, errors.New("terminal busy")
	}
	b.closes = append(b.closes, closeCall{ticket: ticket, volume: volume})
	return market.OrderResult{Success: true, Ticket: ticket, Volume: volume, Profit: b.profit}, nil
}

func (b *fakeBroker) ModifyStops(_ context.Context, _ int64, sl, _ *float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sl != nil {
		b.stops = append(b.stops, *sl)
	}
	return nil
}

func buyPosition(volume float64) market.Position {
	return market.Position{
		Ticket:    1001,
		Symbol:    "EURUSD",
		Side:      market.SideBuy,
		Volume:    volume,
		OpenPrice: 1.1000,
		StopLoss:  1.0975,
		OpenTime:  time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func quote(bid float64) map[string]MarketData {
	info := eurusd
	info.Bid, info.Ask = bid, bid+0.0001
	return map[string]MarketData{"EURUSD": {Info: info}}
}

func profitLevels(levels ...strategy.PartialExitConfig) *strategy.Exit {
	return &strategy.Exit{PartialExits: &strategy.PartialExits{Enabled: true, Levels: levels}}
}

func TestLevelExecutesOnce(t *testing.T) {
	broker := &fakeBroker{}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	exit := profitLevels(
		strategy.PartialExitConfig{Percentage: 50, TriggerType: "profit", TriggerValue: 20, Priority: 1},
		strategy.PartialExitConfig{Percentage: 50, TriggerType: "profit", TriggerValue: 40, Priority: 2},
	)
	pos := buyPosition(1.0)
	lc.Track(pos, "s1", exit, eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1025))
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPartial, actions[0].Kind)
	assert.Equal(t, "level_0", actions[0].Level)
	assert.InDelta(t, 0.5, actions[0].Volume, 1e-9)

	// the broker now reports the reduced volume; same price again
	pos.Volume = 0.5
	for i := 0; i < 3; i++ {
		actions = lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1025))
		assert.Empty(t, actions)
	}
	require.Len(t, broker.closes, 1)

	tp, ok := lc.Get(pos.Ticket)
	require.True(t, ok)
	assert.Equal(t, StatePartiallyExited, tp.State)
	assert.True(t, tp.Ladder[0].Executed)
	assert.False(t, tp.Ladder[1].Executed)
}

func TestLevelStaysArmedWhenBrokerFails(t *testing.T) {
	broker := &fakeBroker{failClose: 1}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(1.0)
	lc.Track(pos, "s1", profitLevels(strategy.PartialExitConfig{Percentage: 50, TriggerValue: 10}), eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1020))
	require.Len(t, actions, 1)
	assert.Error(t, actions[0].Err)
	tp, _ := lc.Get(pos.Ticket)
	assert.False(t, tp.Ladder[0].Executed)

	actions = lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1020))
	require.Len(t, actions, 1)
	assert.NoError(t, actions[0].Err)
	require.Len(t, broker.closes, 1)
}

func TestPartialsConsumeRemainingVolume(t *testing.T) {
	broker := &fakeBroker{}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(1.0)
	lc.Track(pos, "s1", profitLevels(
		strategy.PartialExitConfig{Percentage: 50, TriggerValue: 10, Priority: 2},
		strategy.PartialExitConfig{Percentage: 50, TriggerValue: 5, Priority: 1},
	), eurusd)

	lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1020))
	require.Len(t, broker.closes, 2)
	assert.InDelta(t, 0.5, broker.closes[0].volume, 1e-9)
	assert.InDelta(t, 0.25, broker.closes[1].volume, 1e-9)

	tp, _ := lc.Get(pos.Ticket)
	assert.InDelta(t, 0.25, tp.Remaining, 1e-9)
	// ascending priority: level_1 fired first
	assert.Equal(t, "level_1", tp.Ladder[0].ID)
}

func TestRemainderAtMinimumStaysTracked(t *testing.T) {
	broker := &fakeBroker{}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(0.02)
	pos.Profit = 40
	lc.Track(pos, "s1", profitLevels(
		strategy.PartialExitConfig{Percentage: 50, TriggerValue: 10, Priority: 1},
		strategy.PartialExitConfig{Percentage: 50, TriggerValue: 30, Priority: 2},
	), eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1020))
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPartial, actions[0].Kind)
	assert.InDelta(t, 20, actions[0].Profit, 1e-9)

	tp, ok := lc.Get(pos.Ticket)
	require.True(t, ok, "the broker still holds the minimum lot")
	assert.InDelta(t, 0.01, tp.Remaining, 1e-9)
	assert.InDelta(t, 20, tp.Realized, 1e-9)
	assert.True(t, tp.Ladder[1].Discarded)

	// the second level can no longer fire
	pos.Volume, pos.Profit = 0.01, -30
	lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1040))
	assert.Len(t, broker.closes, 1)

	closed, _ := lc.Reconcile(nil, nil, nil)
	require.Len(t, closed, 1)
	assert.InDelta(t, 20, closed[0].Realized, 1e-9)
	assert.InDelta(t, -30, closed[0].Position.Profit, 1e-9)
	assert.Equal(t, 0, lc.Count())
}

func TestFullLadderCloseIsRetiredThenReturnedOnce(t *testing.T) {
	broker := &fakeBroker{profit: 25}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(1.0)
	exit := profitLevels(strategy.PartialExitConfig{Percentage: 100, TriggerValue: 10})
	lc.Track(pos, "s1", exit, eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1020))
	require.Len(t, actions, 2)
	assert.Equal(t, ActionRetired, actions[1].Kind)
	assert.InDelta(t, 25, actions[1].Profit, 1e-9)
	assert.Equal(t, 0, lc.Count())

	// the broker may still list the ticket for a cycle; it is neither
	// booked nor adopted again
	resolve := func(market.Position) (string, *strategy.Exit, bool) { return "s1", exit, true }
	closed, adopted := lc.Reconcile([]market.Position{pos}, nil, resolve)
	assert.Empty(t, closed)
	assert.Empty(t, adopted)
	lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1040))
	assert.Len(t, broker.closes, 1)

	closed, _ = lc.Reconcile(nil, nil, resolve)
	require.Len(t, closed, 1)
	assert.Zero(t, closed[0].Remaining)
	assert.InDelta(t, 25, closed[0].Realized, 1e-9)
	assert.Zero(t, closed[0].Position.Profit)

	closed, _ = lc.Reconcile(nil, nil, resolve)
	assert.Empty(t, closed)
}

func TestBreakevenAfterPartial(t *testing.T) {
	broker := &fakeBroker{}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(1.0)
	lc.Track(pos, "s1", profitLevels(strategy.PartialExitConfig{
		Percentage: 30, TriggerValue: 15, MoveStopToBreakeven: true,
	}), eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1016))
	require.Len(t, actions, 2)
	assert.Equal(t, ActionBreakeven, actions[1].Kind)
	assert.Equal(t, []float64{1.1}, broker.stops)
	assert.InDelta(t, 0.3, broker.closes[0].volume, 1e-9)
}

func TestTrailingThroughLifecycle(t *testing.T) {
	broker := &fakeBroker{}
	lc := NewLifecycle(broker, time.Second, zerolog.Nop())
	pos := buyPosition(1.0)
	lc.Track(pos, "s1", &strategy.Exit{Trailing: &strategy.Trailing{Enabled: true, Distance: 30, Step: 10}}, eurusd)

	actions := lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1050))
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTrail, actions[0].Kind)
	assert.InDelta(t, 1.1020, actions[0].StopLoss, 1e-9)

	// price falls back: the stop never moves down
	pos.StopLoss = actions[0].StopLoss
	actions = lc.Evaluate(context.Background(), []market.Position{pos}, quote(1.1030))
	assert.Empty(t, actions)
}

func TestTriggerTypes(t *testing.T) {
	now := time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)
	base := triggerState{
		side:        market.SideBuy,
		entry:       1.1000,
		initialStop: 1.0980,
		price:       1.1040,
		peak:        1.1060,
		openTime:    now.Add(-45 * time.Minute),
		now:         now,
		pip:         testPip,
		atr:         0.0015,
		regime:      &filters.Regime{Type: filters.RegimeTrendingUp, Confidence: 70},
	}

	tests := []struct {
		name  string
		level Level
		want  bool
	}{
		{"profit pips", Level{Trigger: TriggerProfit, Value: 39.5}, true},
		{"profit pips short", Level{Trigger: TriggerProfit, Value: 40.5}, false},
		{"profit percentage", Level{Trigger: TriggerProfit, Profit: &strategy.ProfitTarget{Type: "percentage", Value: 0.3}}, true},
		{"profit rr", Level{Trigger: TriggerProfit, Profit: &strategy.ProfitTarget{Type: "rr_ratio", Value: 1.9}}, true},
		{"profit rr short", Level{Trigger: TriggerProfit, Profit: &strategy.ProfitTarget{Type: "rr_ratio", Value: 2.5}}, false},
		{"trailing retrace", Level{Trigger: TriggerTrailing, Trailing: &strategy.TrailingTarget{Distance: 19}}, true},
		{"trailing not far enough", Level{Trigger: TriggerTrailing, Trailing: &strategy.TrailingTarget{Distance: 25}}, false},
		{"atr", Level{Trigger: TriggerATR, Value: 2}, true},
		{"atr far", Level{Trigger: TriggerATR, Value: 3}, false},
		{"time", Level{Trigger: TriggerTime, Time: &strategy.TimeTarget{Minutes: 30}}, true},
		{"time early", Level{Trigger: TriggerTime, Value: 60}, false},
		{"price", Level{Trigger: TriggerPrice, Value: 1.1035}, true},
		{"regime", Level{Trigger: TriggerRegime, Regime: &strategy.RegimeTarget{Regime: "trending"}}, true},
		{"regime low confidence", Level{Trigger: TriggerRegime, Regime: &strategy.RegimeTarget{Regime: "trending_up", MinConfidence: 80}}, false},
		{"executed never fires", Level{Trigger: TriggerProfit, Value: 1, Executed: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.level.check(base)
			assert.Equal(t, tt.want, got)
		})
	}

	sell := base
	sell.side = market.SideSell
	sell.price = 1.0960
	sell.peak = 1.0940
	fired, _ := (&Level{Trigger: TriggerPrice, Value: 1.0965}).check(sell)
	assert.True(t, fired)
	fired, _ = (&Level{Trigger: TriggerTrailing, Value: 19}).check(sell)
	assert.True(t, fired)
}

func TestReconcile(t *testing.T) {
	lc := NewLifecycle(&fakeBroker{}, time.Second, zerolog.Nop())
	a := buyPosition(0.1)
	lc.Track(a, "s1", nil, eurusd)

	b := buyPosition(0.2)
	b.Ticket = 2002
	b.Comment = "s2:EURUSD:BUY"
	c := buyPosition(0.3)
	c.Ticket = 3003

	resolve := func(p market.Position) (string, *strategy.Exit, bool) {
		if p.Comment == "" {
			return "", nil, false
		}
		return "s2", nil, true
	}
	closed, adopted := lc.Reconcile([]market.Position{b, c}, nil, resolve)
	require.Len(t, closed, 1)
	assert.Equal(t, a.Ticket, closed[0].Position.Ticket)
	assert.Equal(t, StateClosed, closed[0].State)
	assert.Equal(t, []int64{2002}, adopted)

	tp, ok := lc.Get(2002)
	require.True(t, ok)
	assert.Equal(t, "s2", tp.StrategyID)
}

func TestBuildLadder(t *testing.T) {
	ladder := BuildLadder(&strategy.PartialExits{Enabled: true, Levels: []strategy.PartialExitConfig{
		{Percentage: 0, TriggerType: "profit"},
		{Percentage: 150, TriggerType: "profit"},
		{Percentage: 25, TriggerType: "moon"},
		{Percentage: 25, TriggerType: "time"},
		{Percentage: 25, TriggerType: "PRICE", Priority: 1},
	}})
	require.Len(t, ladder, 2)
	assert.Equal(t, "level_4", ladder[0].ID)
	assert.Equal(t, TriggerPrice, ladder[0].Trigger)
	assert.Equal(t, 99, ladder[1].Priority)

	assert.Nil(t, BuildLadder(&strategy.PartialExits{Enabled: false}))
}
