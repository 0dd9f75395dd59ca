package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/broker"
	"strategy-executor/internal/circuit"
	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

type fakeBroker struct {
	mu         sync.Mutex
	candles    []market.Candle
	info       market.SymbolInfo
	account    market.AccountInfo
	positions  []market.Position
	orders     []market.OrderRequest
	nextTicket int64
	orderErr   error
	candleErr  error
}

func newFakeBroker() *fakeBroker {
	candles := make([]market.Candle, 400)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		c := 1.05 + float64(i)*0.0001
		candles[i] = market.Candle{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Open:   c - 0.0002,
			High:   c + 0.0005,
			Low:    c - 0.0005,
			Close:  c,
			Volume: 1000,
		}
	}
	last := candles[len(candles)-1].Close
	return &fakeBroker{
		candles: candles,
		info: market.SymbolInfo{
			Symbol: "EURUSD", Bid: last, Ask: last + 0.0001, Spread: 10,
			Point: 0.00001, Digits: 5, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		},
		account:    market.AccountInfo{Balance: 10000, Equity: 10000, FreeMargin: 10000},
		nextTicket: 1000,
	}
}

func (b *fakeBroker) Candles(_ context.Context, _, _ string, count int) ([]market.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.candleErr != nil {
		return nil, b.candleErr
	}
	if count < len(b.candles) {
		return b.candles[len(b.candles)-count:], nil
	}
	return b.candles, nil
}

func (b *fakeBroker) SymbolInfo(context.Context, string) (market.SymbolInfo, error) {
	return b.info, nil
}

func (b *fakeBroker) Account(context.Context) (market.AccountInfo, error) {
	return b.account, nil
}

func (b *fakeBroker) OpenPosition(_ context.Context, req market.OrderRequest) (market.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	if b.orderErr != nil {
		return market.OrderResult{}, b.orderErr
	}
	b.nextTicket++
	price := b.info.PriceFor(req.Side)
	b.positions = append(b.positions, market.Position{
		Ticket: b.nextTicket, Symbol: req.Symbol, Side: req.Side, Volume: req.Volume,
		OpenPrice: price, CurrentPrice: price, StopLoss: req.StopLoss, TakeProfit: req.TakeProfit,
		Comment: req.Comment,
	})
	return market.OrderResult{Success: true, Ticket: b.nextTicket, Price: price, Volume: req.Volume}, nil
}

func (b *fakeBroker) ClosePartial(_ context.Context, ticket int64, volume float64) (market.OrderResult, error) {
	return market.OrderResult{Success: true, Ticket: ticket, Volume: volume}, nil
}

func (b *fakeBroker) ModifyStops(context.Context, int64, *float64, *float64) error { return nil }

func (b *fakeBroker) Positions(context.Context) ([]market.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]market.Position(nil), b.positions...), nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

type recordingStore struct {
	database.Nop
	mu     sync.Mutex
	opens  []database.TradeRecord
	closes []database.TradeClose
	saved  map[string]string
}

func (s *recordingStore) SaveStrategy(_ context.Context, cfg strategy.Config, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]string)
	}
	s.saved[cfg.ID] = status
	return nil
}

func (s *recordingStore) UpdateStrategyStatus(_ context.Context, id, status string) error {
	return s.SaveStrategy(context.Background(), strategy.Config{ID: id}, status)
}

func (s *recordingStore) RecordTradeOpen(_ context.Context, t database.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, t)
	return nil
}

func (s *recordingStore) RecordTradeClose(_ context.Context, c database.TradeClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, c)
	return nil
}

const orStrategy = `{
	"strategyId": "s1",
	"symbol": "EURUSD",
	"timeframe": "H1",
	"rules": {
		"entry": {
			"logic": "OR",
			"conditions": [{"indicator": "price", "condition": ">", "value": 1.0}]
		},
		"riskManagement": {"lotSize": 0.1}
	}
}`

func newTestOrchestrator(t *testing.T, b broker.Connector, store database.Store) *Orchestrator {
	t.Helper()
	o, err := New(Options{ExecutorID: "exec-1"}, Deps{Broker: b, Store: store}, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func startOR(t *testing.T, o *Orchestrator) {
	t.Helper()
	cfg, err := strategy.Parse([]byte(orStrategy))
	require.NoError(t, err)
	require.NoError(t, o.StartStrategy(context.Background(), cfg))
}

func TestORStrategyOpensOnePosition(t *testing.T) {
	b := newFakeBroker()
	store := &recordingStore{}
	o := newTestOrchestrator(t, b, store)
	startOR(t, o)

	o.RunCycle(context.Background())
	o.writes.Wait()

	require.Equal(t, 1, b.orderCount())
	order := b.orders[0]
	assert.Equal(t, "EURUSD", order.Symbol)
	assert.Equal(t, market.SideBuy, order.Side)
	assert.InDelta(t, 0.1, order.Volume, 1e-9)
	assert.Equal(t, "s1:EURUSD:BUY", order.Comment)
	assert.Less(t, order.StopLoss, b.info.Ask)
	assert.Greater(t, order.TakeProfit, b.info.Ask)

	rec, ok := o.Strategy("s1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.TradesCount)
	assert.Equal(t, "BUY", rec.Context.Signal)
	assert.False(t, rec.LastCheckAt.IsZero())

	assert.Equal(t, 1, o.lifecycle.Count())
	assert.Equal(t, 1, o.DailyStats().Trades)
	require.Len(t, store.opens, 1)
	assert.Equal(t, database.TradeOpen, store.opens[0].Status)
	assert.Equal(t, "s1", store.opens[0].StrategyID)
}

func TestRejectedOrderKeepsStrategyActive(t *testing.T) {
	b := newFakeBroker()
	b.orderErr = broker.ErrOrderRejected
	o := newTestOrchestrator(t, b, nil)
	startOR(t, o)

	o.RunCycle(context.Background())

	rec, ok := o.Strategy("s1")
	require.True(t, ok)
	assert.Equal(t, 0, rec.TradesCount)
	assert.Contains(t, rec.Context.LastError, "order rejected")
	assert.Equal(t, 1, b.orderCount(), "no retry within the cycle")
	assert.Equal(t, 0, o.lifecycle.Count())
}

func TestMissingCandlesSkipsStrategy(t *testing.T) {
	b := newFakeBroker()
	b.candles = nil
	o := newTestOrchestrator(t, b, nil)
	startOR(t, o)

	o.RunCycle(context.Background())

	rec, ok := o.Strategy("s1")
	require.True(t, ok)
	assert.Equal(t, "insufficient_data", rec.Context.Skipped)
	assert.Equal(t, 0, b.orderCount())
}

func TestBrokerFailureDoesNotStopOtherStrategies(t *testing.T) {
	b := newFakeBroker()
	b.candleErr = errors.New("boom")
	o := newTestOrchestrator(t, b, nil)
	startOR(t, o)

	assert.NotPanics(t, func() { o.RunCycle(context.Background()) })
	rec, _ := o.Strategy("s1")
	assert.Contains(t, rec.Context.LastError, "boom")
}

func TestClosedPositionIsBooked(t *testing.T) {
	b := newFakeBroker()
	store := &recordingStore{}
	o := newTestOrchestrator(t, b, store)
	startOR(t, o)

	o.RunCycle(context.Background())
	require.NoError(t, o.StopStrategy(context.Background(), "s1"))

	b.mu.Lock()
	b.positions[0].Profit = -12.5
	b.positions[0].CurrentPrice = b.positions[0].OpenPrice - 0.00125
	b.mu.Unlock()
	o.RunCycle(context.Background())

	b.mu.Lock()
	ticket := b.positions[0].Ticket
	b.positions = nil
	b.mu.Unlock()
	o.RunCycle(context.Background())
	o.writes.Wait()

	assert.Equal(t, 0, o.lifecycle.Count())
	assert.InDelta(t, 12.5, o.DailyStats().Loss, 1e-9)
	require.Len(t, store.closes, 1)
	assert.Equal(t, ticket, store.closes[0].Ticket)
	assert.InDelta(t, -12.5, store.closes[0].Profit, 1e-9)
	assert.Equal(t, 1, b.orderCount(), "stopped strategy places no orders")
}

const ladderStrategy = `{
	"strategyId": "s1",
	"symbol": "EURUSD",
	"timeframe": "H1",
	"rules": {
		"entry": {"conditions": [{"indicator": "price", "condition": ">", "value": 1.0}]},
		"riskManagement": {"lotSize": 0.1},
		"exit": {
			"partialExits": {
				"enabled": true,
				"levels": [{"percentage": 90, "triggerType": "price", "triggerValue": 1.0}]
			}
		}
	}
}`

func TestLadderRemainderIsBookedWhenBrokerCloses(t *testing.T) {
	b := newFakeBroker()
	store := &recordingStore{}
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), nil, zerolog.Nop())
	o, err := New(Options{ExecutorID: "exec-1"}, Deps{Broker: b, Store: store, Breaker: breaker}, zerolog.Nop())
	require.NoError(t, err)
	cfg, err := strategy.Parse([]byte(ladderStrategy))
	require.NoError(t, err)
	require.NoError(t, o.StartStrategy(context.Background(), cfg))

	o.RunCycle(context.Background())
	require.NoError(t, o.StopStrategy(context.Background(), "s1"))

	tp, ok := o.lifecycle.Get(b.positions[0].Ticket)
	require.True(t, ok, "minimum lot left at the broker stays tracked")
	assert.InDelta(t, 0.01, tp.Remaining, 1e-9)

	b.mu.Lock()
	b.positions[0].Volume = 0.01
	b.positions[0].Profit = -30
	b.mu.Unlock()
	o.RunCycle(context.Background())

	b.mu.Lock()
	b.positions = nil
	b.mu.Unlock()
	o.RunCycle(context.Background())
	o.writes.Wait()

	assert.Equal(t, 0, o.lifecycle.Count())
	assert.InDelta(t, 30, o.DailyStats().Loss, 1e-9)
	assert.Equal(t, 1, breaker.Stats().ConsecutiveLosses)
	require.Len(t, store.closes, 1)
	assert.InDelta(t, -30, store.closes[0].Profit, 1e-9)
	assert.Equal(t, closedByBroker, store.closes[0].Reason)
}

func TestUntrackedTaggedPositionIsAdopted(t *testing.T) {
	b := newFakeBroker()
	b.positions = []market.Position{{
		Ticket: 77, Symbol: "EURUSD", Side: market.SideSell, Volume: 0.2,
		OpenPrice: 1.09, CurrentPrice: 1.09, Comment: "old:EURUSD:SELL",
	}, {
		Ticket: 78, Symbol: "EURUSD", Side: market.SideBuy, Volume: 0.2,
		OpenPrice: 1.09, CurrentPrice: 1.09, Comment: "manual trade",
	}}
	o := newTestOrchestrator(t, b, nil)

	o.RunCycle(context.Background())

	tp, ok := o.lifecycle.Get(77)
	require.True(t, ok)
	assert.Equal(t, "old", tp.StrategyID)
	_, ok = o.lifecycle.Get(78)
	assert.False(t, ok)
}

func TestHandleCommands(t *testing.T) {
	o := newTestOrchestrator(t, newFakeBroker(), nil)
	ctx := context.Background()

	start := commands.Command{
		ID: "c1", Command: commands.StartStrategy,
		Parameters: map[string]any{
			"strategyId": "s2", "symbol": "GBPUSD", "timeframe": "M15",
			"rules": map[string]any{"entry": map[string]any{"conditions": []any{}}},
		},
	}
	res := o.Handle(ctx, start)
	require.True(t, res.Success, res.Error)
	assert.Len(t, o.ActiveStrategies(), 1)

	res = o.Handle(ctx, start)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrAlreadyActive.Error())

	res = o.Handle(ctx, commands.Command{ID: "c2", Command: commands.Ping})
	require.True(t, res.Success)
	status, ok := res.Data.(Status)
	require.True(t, ok)
	assert.Equal(t, "exec-1", status.ExecutorID)
	assert.Len(t, status.ActiveStrategies, 1)

	res = o.Handle(ctx, commands.Command{ID: "c3", Command: commands.StopStrategy, Parameters: map[string]any{}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Missing strategyId")

	res = o.Handle(ctx, commands.Command{ID: "c4", Command: commands.StopStrategy, ExecutorID: "other", Parameters: map[string]any{"strategyId": "s2"}})
	assert.False(t, res.Success)

	past := time.Now().Add(-time.Minute)
	res = o.Handle(ctx, commands.Command{ID: "c5", Command: commands.StopStrategy, ExpiresAt: &past, Parameters: map[string]any{"strategyId": "s2"}})
	assert.False(t, res.Success)
	assert.Len(t, o.ActiveStrategies(), 1)

	res = o.Handle(ctx, commands.Command{ID: "c6", Command: commands.StopStrategy, Parameters: map[string]any{"strategyId": "s2"}})
	require.True(t, res.Success)
	assert.Empty(t, o.ActiveStrategies())

	res = o.Handle(ctx, commands.Command{ID: "c7", Command: commands.StopStrategy, Parameters: map[string]any{"strategyId": "s2"}})
	assert.False(t, res.Success)
}

func TestRunDrainsOnCancel(t *testing.T) {
	b := newFakeBroker()
	o := newTestOrchestrator(t, b, nil)
	startOR(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return b.orderCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, o.Queue().Push(commands.Command{ID: "p", Command: commands.Ping}))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, "stopped", o.Status().State)
}

func TestParseOrderComment(t *testing.T) {
	id, symbol, side, ok := ParseOrderComment(OrderComment("team:alpha", "XAUUSD", market.SideSell))
	require.True(t, ok)
	assert.Equal(t, "team:alpha", id)
	assert.Equal(t, "XAUUSD", symbol)
	assert.Equal(t, market.SideSell, side)

	for _, c := range []string{"", "manual", "a:b", ":EURUSD:BUY", "s1:EURUSD:HOLD"} {
		_, _, _, ok := ParseOrderComment(c)
		assert.False(t, ok, c)
	}
}
