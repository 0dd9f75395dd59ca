package database

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/config"
	"strategy-executor/internal/strategy"
)

const storedStrategy = `{
  "strategyId": "ema-1",
  "strategyName": "EMA pullback",
  "symbol": "EURUSD",
  "timeframe": "H1",
  "rules": {
    "entry": {
      "logic": "OR",
      "conditions": [
        {"indicator": "rsi", "condition": "<", "value": 30},
        {"indicator": "price", "condition": "crosses_above", "value": "ema_50"},
        {"indicator": "rsi", "condition": "between", "value": [40, 60], "_mtf": {"timeframe": "H4", "required": true}}
      ]
    },
    "exit": {"stopLoss": {"type": "pips", "value": 20}, "takeProfit": {"type": "rr_ratio", "rrRatio": 2}},
    "riskManagement": {"lotSize": 0.1, "maxPositions": 2}
  }
}`

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStrategyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := strategy.Parse([]byte(storedStrategy))
	require.NoError(t, err)
	require.NoError(t, s.SaveStrategy(ctx, cfg, strategy.StatusActive))

	rec, err := s.GetStrategy(ctx, "ema-1")
	require.NoError(t, err)
	assert.Equal(t, cfg, rec.Config)
	assert.Equal(t, strategy.StatusActive, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, s.UpdateStrategyStatus(ctx, "ema-1", strategy.StatusStopped))
	all, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, strategy.StatusStopped, all[0].Status)

	_, err = s.GetStrategy(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStrategyStatus(ctx, "missing", "active"), ErrNotFound)
}

func TestSQLiteTradeLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	open := TradeRecord{
		Ticket: 1001, StrategyID: "ema-1", Symbol: "EURUSD", Side: "BUY",
		Volume: 0.1, OpenPrice: 1.1, StopLoss: 1.098, TakeProfit: 1.104,
		OpenTime: opened, Metadata: map[string]any{"cycle": "01H"},
	}
	require.NoError(t, s.RecordTradeOpen(ctx, open))
	// duplicate ticket is ignored
	require.NoError(t, s.RecordTradeOpen(ctx, open))

	trades, err := s.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, TradeOpen, trades[0].Status)
	assert.Nil(t, trades[0].ClosePrice)
	assert.True(t, opened.Equal(trades[0].OpenTime))

	require.NoError(t, s.RecordTradeClose(ctx, TradeClose{
		Ticket: 1001, ClosePrice: 1.104, Profit: 40, CloseTime: opened.Add(time.Hour), Reason: "tp",
	}))
	trades, err = s.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	got := trades[0]
	assert.Equal(t, TradeClosed, got.Status)
	require.NotNil(t, got.Profit)
	assert.InDelta(t, 40.0, *got.Profit, 1e-9)
	require.NotNil(t, got.CloseTime)
	assert.Equal(t, "tp", got.Metadata["close_reason"])
	assert.Equal(t, "01H", got.Metadata["cycle"])

	err = s.RecordTradeClose(ctx, TradeClose{Ticket: 9, CloseTime: opened})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	for i, typ := range []string{"strategy_started", "position_opened", "breaker_tripped"} {
		require.NoError(t, s.RecordEvent(ctx, SystemEvent{
			EventType: typ, Source: "test", Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data: map[string]any{"n": float64(i)},
		}))
	}

	events, err := s.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "breaker_tripped", events[0].EventType)
	assert.Equal(t, float64(2), events[0].Data["n"])
	assert.Equal(t, "position_opened", events[1].EventType)
}

func TestOpenDispatch(t *testing.T) {
	st, err := Open(context.Background(), config.DatabaseConfig{Driver: "none"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, st)

	_, err = Open(context.Background(), config.DatabaseConfig{Driver: "mongo"}, zerolog.Nop())
	assert.Error(t, err)
}
