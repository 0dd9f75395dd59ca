package exits

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"strategy-executor/internal/filters"
	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

// Position states.
const (
	StateArmed           = "armed"
	StatePartiallyExited = "partially_exited"
	StateClosed          = "closed"
)

// Action kinds.
const (
	ActionTrail     = "trail"
	ActionPartial   = "partial"
	ActionBreakeven = "breakeven"
	ActionRetired   = "retired"
)

const (
	defaultBrokerTimeout = 5 * time.Second
	defaultMinVolume     = 0.01
)

// Broker is the subset of the broker connector the lifecycle drives.
type Broker interface {
	ClosePartial(ctx context.Context, ticket int64, volume float64) (market.OrderResult, error)
	ModifyStops(ctx context.Context, ticket int64, sl, tp *float64) error
}

// MarketData is the per-symbol state the triggers read.
type MarketData struct {
	Info   market.SymbolInfo
	ATR    float64
	Regime *filters.Regime
}

// TrackedPosition is a managed open position with its ladder.
type TrackedPosition struct {
	Position    market.Position `json:"position"`
	StrategyID  string          `json:"strategy_id"`
	Ladder      []*Level        `json:"ladder"`
	Remaining   float64         `json:"remaining"`
	InitialStop float64         `json:"initial_stop"`
	Peak        float64         `json:"peak"`
	Trough      float64         `json:"trough"`
	State       string          `json:"state"`
	Point       float64         `json:"point"`
	Digits      int             `json:"digits"`
	// Realized is the profit already booked by partial closes.
	Realized float64 `json:"realized"`

	trailer *Trailer
}

// Action is one change the lifecycle made, or tried to make, at the broker.
type Action struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	StrategyID string  `json:"strategy_id"`
	Kind       string  `json:"kind"`
	Volume     float64 `json:"volume,omitempty"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	Profit     float64 `json:"profit,omitempty"`
	Level      string  `json:"level,omitempty"`
	Trigger    string  `json:"trigger,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Err        error   `json:"-"`
}

// Resolver maps an untracked broker position to its owning strategy and
// exit rules. ok is false for positions the executor does not own.
type Resolver func(pos market.Position) (strategyID string, exit *strategy.Exit, ok bool)

// Lifecycle manages every open position's trailing stop and partial-exit
// ladder. Evaluate and Reconcile are called from the cycle goroutine; the
// read accessors are safe from any goroutine.
//
// A position stays owned until the broker stops reporting it, so every
// close is returned by Reconcile exactly once. Positions the ladder closed
// completely wait in retired for that report.
type Lifecycle struct {
	mu        sync.Mutex
	positions map[int64]*TrackedPosition
	retired   map[int64]*TrackedPosition
	broker    Broker
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewLifecycle creates a lifecycle manager. timeout bounds each broker call;
// zero uses 5s.
func NewLifecycle(broker Broker, timeout time.Duration, logger zerolog.Logger) *Lifecycle {
	if timeout <= 0 {
		timeout = defaultBrokerTimeout
	}
	return &Lifecycle{
		positions: make(map[int64]*TrackedPosition),
		retired:   make(map[int64]*TrackedPosition),
		broker:    broker,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Track starts managing a position. Tracking an already tracked ticket is
// a no-op so ladder progress is never reset.
func (l *Lifecycle) Track(pos market.Position, strategyID string, exit *strategy.Exit, info market.SymbolInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackLocked(pos, strategyID, exit, info)
}

func (l *Lifecycle) trackLocked(pos market.Position, strategyID string, exit *strategy.Exit, info market.SymbolInfo) {
	if _, ok := l.positions[pos.Ticket]; ok || l.retired[pos.Ticket] != nil || pos.Volume <= 0 {
		return
	}
	if exit == nil {
		exit = &strategy.Exit{}
	}
	tp := &TrackedPosition{
		Position:    pos,
		StrategyID:  strategyID,
		Ladder:      BuildLadder(exit.PartialExits),
		Remaining:   pos.Volume,
		InitialStop: pos.StopLoss,
		Peak:        pos.OpenPrice,
		Trough:      pos.OpenPrice,
		State:       StateArmed,
		Point:       info.Point,
		Digits:      info.Digits,
		trailer:     NewTrailer(exit.Trailing),
	}
	l.positions[pos.Ticket] = tp
	l.logger.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("strategy_id", strategyID).
		Int("levels", len(tp.Ladder)).
		Msg("Tracking position")
}

// Reconcile aligns tracking with the broker. Tickets the broker no longer
// reports, tracked or retired, are dropped and returned for booking;
// untracked broker positions are adopted when resolve claims them.
// Retired tickets are never adopted again.
func (l *Lifecycle) Reconcile(brokerPositions []market.Position, infos map[string]market.SymbolInfo, resolve Resolver) (closed []TrackedPosition, adopted []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := make(map[int64]bool, len(brokerPositions))
	for _, p := range brokerPositions {
		live[p.Ticket] = true
	}
	for ticket, tp := range l.positions {
		if !live[ticket] {
			tp.State = StateClosed
			closed = append(closed, *tp)
			delete(l.positions, ticket)
		}
	}
	for ticket, tp := range l.retired {
		if !live[ticket] {
			closed = append(closed, *tp)
			delete(l.retired, ticket)
		}
	}
	if resolve != nil {
		for _, p := range brokerPositions {
			if _, ok := l.positions[p.Ticket]; ok || l.retired[p.Ticket] != nil {
				continue
			}
			strategyID, exit, ok := resolve(p)
			if !ok {
				continue
			}
			l.trackLocked(p, strategyID, exit, infos[p.Symbol])
			adopted = append(adopted, p.Ticket)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Position.Ticket < closed[j].Position.Ticket })
	return closed, adopted
}

// Evaluate runs the trailing stop and the ladder for every tracked
// position the broker still reports.
func (l *Lifecycle) Evaluate(ctx context.Context, positions []market.Position, data map[string]MarketData) []Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	var actions []Action
	for _, p := range positions {
		tp, ok := l.positions[p.Ticket]
		if !ok {
			continue
		}
		actions = append(actions, l.evaluateOne(ctx, tp, p, data[p.Symbol])...)
	}
	return actions
}

func (l *Lifecycle) evaluateOne(ctx context.Context, tp *TrackedPosition, live market.Position, md MarketData) []Action {
	// broker is the source of truth for volume and stops
	tp.Position.CurrentPrice = live.CurrentPrice
	tp.Position.StopLoss = live.StopLoss
	tp.Position.TakeProfit = live.TakeProfit
	tp.Position.Profit = live.Profit
	if live.Volume > 0 {
		tp.Remaining = live.Volume
		tp.Position.Volume = live.Volume
	}

	info := md.Info
	if info.Point <= 0 {
		info.Point, info.Digits = tp.Point, tp.Digits
	}
	side := tp.Position.Side
	price := live.CurrentPrice
	if info.Bid > 0 && info.Ask > 0 {
		price = info.ExitPriceFor(side)
	}
	if price <= 0 {
		return nil
	}
	pip := market.PipSize(tp.Position.Symbol, info)

	if price > tp.Peak || tp.Peak == 0 {
		tp.Peak = price
	}
	if price < tp.Trough || tp.Trough == 0 {
		tp.Trough = price
	}

	var actions []Action
	if a, ok := l.trail(ctx, tp, price, pip, info.Digits); ok {
		actions = append(actions, a)
	}

	minVolume := info.VolumeMin
	if minVolume <= 0 {
		minVolume = defaultMinVolume
	}
	state := triggerState{
		side:        side,
		entry:       tp.Position.OpenPrice,
		initialStop: tp.InitialStop,
		price:       price,
		peak:        tp.Peak,
		openTime:    tp.Position.OpenTime,
		now:         l.now(),
		pip:         pip,
		atr:         md.ATR,
		regime:      md.Regime,
	}
	if side == market.SideSell {
		state.peak = tp.Trough
	}

	for _, level := range tp.Ladder {
		if level.Executed || level.Discarded {
			continue
		}
		fired, reason := level.check(state)
		if !fired {
			continue
		}
		a := l.executeLevel(ctx, tp, level, reason, price, info)
		actions = append(actions, a)
		if a.Err != nil {
			continue
		}
		if level.MoveStopToBreakeven {
			if be, ok := l.breakeven(ctx, tp, info.Digits); ok {
				actions = append(actions, be)
			}
		}
		if tp.Remaining <= 1e-9 {
			tp.Remaining = 0
			tp.State = StateClosed
			tp.discardLevels()
			delete(l.positions, tp.Position.Ticket)
			l.retired[tp.Position.Ticket] = tp
			actions = append(actions, Action{
				Ticket:     tp.Position.Ticket,
				Symbol:     tp.Position.Symbol,
				StrategyID: tp.StrategyID,
				Kind:       ActionRetired,
				Profit:     tp.Realized,
				Reason:     "ladder closed the full volume",
			})
			l.logger.Info().Int64("ticket", tp.Position.Ticket).Float64("realized", tp.Realized).Msg("Position retired from ladder")
			break
		}
		if tp.Remaining <= minVolume+1e-9 {
			// nothing smaller than the broker minimum can be closed; the
			// remainder runs on its stops until the broker closes it
			if n := tp.discardLevels(); n > 0 {
				l.logger.Info().
					Int64("ticket", tp.Position.Ticket).
					Float64("remaining", tp.Remaining).
					Int("discarded", n).
					Msg("Remaining volume at broker minimum, ladder discarded")
			}
			break
		}
	}
	return actions
}

// discardLevels disarms every level that has not fired.
func (tp *TrackedPosition) discardLevels() int {
	n := 0
	for _, lv := range tp.Ladder {
		if !lv.Executed && !lv.Discarded {
			lv.Discarded = true
			n++
		}
	}
	return n
}

func (l *Lifecycle) trail(ctx context.Context, tp *TrackedPosition, price, pip float64, digits int) (Action, bool) {
	if tp.trailer == nil || !tp.trailer.Active(tp.Position.Side, tp.Position.OpenPrice, price, pip) {
		return Action{}, false
	}
	next, ok := tp.trailer.Next(tp.Position.Side, price, tp.Position.StopLoss, pip)
	if !ok {
		return Action{}, false
	}
	next = market.RoundPrice(next, digits)
	a := Action{
		Ticket:     tp.Position.Ticket,
		Symbol:     tp.Position.Symbol,
		StrategyID: tp.StrategyID,
		Kind:       ActionTrail,
		Price:      price,
		StopLoss:   next,
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.broker.ModifyStops(callCtx, tp.Position.Ticket, &next, nil); err != nil {
		a.Err = err
		l.logger.Warn().Err(err).Int64("ticket", tp.Position.Ticket).Msg("Trailing stop update failed")
		return a, true
	}
	l.logger.Debug().
		Int64("ticket", tp.Position.Ticket).
		Float64("old_sl", tp.Position.StopLoss).
		Float64("new_sl", next).
		Msg("Trailing stop moved")
	tp.Position.StopLoss = next
	return a, true
}

func (l *Lifecycle) executeLevel(ctx context.Context, tp *TrackedPosition, level *Level, reason string, price float64, info market.SymbolInfo) Action {
	volume := market.NormalizeVolume(tp.Remaining*level.Percentage/100, info)
	if volume > tp.Remaining {
		volume = tp.Remaining
	}
	a := Action{
		Ticket:     tp.Position.Ticket,
		Symbol:     tp.Position.Symbol,
		StrategyID: tp.StrategyID,
		Kind:       ActionPartial,
		Volume:     volume,
		Price:      price,
		Level:      level.ID,
		Trigger:    level.Trigger,
		Reason:     reason,
	}

	// an order once sent is never cancelled by shutdown
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	result, err := l.broker.ClosePartial(callCtx, tp.Position.Ticket, volume)
	if err == nil && !result.Success {
		err = fmt.Errorf("partial close rejected: %s (code %d)", result.Message, result.Code)
	}
	if err != nil {
		a.Err = err
		l.logger.Warn().Err(err).
			Int64("ticket", tp.Position.Ticket).
			Str("level", level.ID).
			Msg("Partial exit failed, level stays armed")
		return a
	}

	level.Executed = true
	level.ExecutedAt = l.now()
	if result.Volume > 0 {
		a.Volume = result.Volume
	}
	if result.Price > 0 {
		a.Price = result.Price
	}
	// without a broker figure the closed share of the floating profit is
	// what was realised
	share := tp.Position.Profit
	if tp.Remaining > 0 {
		share = tp.Position.Profit * math.Min(a.Volume/tp.Remaining, 1)
	}
	realized := share
	if result.Profit != 0 {
		realized = result.Profit
	}
	a.Profit = realized
	tp.Realized, _ = decimal.NewFromFloat(tp.Realized).Add(decimal.NewFromFloat(realized)).Float64()
	tp.Position.Profit -= share

	remaining, _ := decimal.NewFromFloat(tp.Remaining).Sub(decimal.NewFromFloat(a.Volume)).Float64()
	if remaining < 0 {
		remaining = 0
	}
	tp.Remaining = remaining
	tp.Position.Volume = remaining
	tp.Position.CurrentPrice = a.Price
	tp.State = StatePartiallyExited

	l.logger.Info().
		Int64("ticket", tp.Position.Ticket).
		Str("level", level.ID).
		Str("trigger", level.Trigger).
		Float64("closed", a.Volume).
		Float64("remaining", remaining).
		Float64("realized", realized).
		Str("reason", reason).
		Msg("Partial exit executed")
	return a
}

func (l *Lifecycle) breakeven(ctx context.Context, tp *TrackedPosition, digits int) (Action, bool) {
	entry := market.RoundPrice(tp.Position.OpenPrice, digits)
	side := tp.Position.Side
	current := tp.Position.StopLoss
	// never worsen an existing stop
	if current > 0 && side.Sign()*(current-entry) >= 0 {
		return Action{}, false
	}
	a := Action{
		Ticket:     tp.Position.Ticket,
		Symbol:     tp.Position.Symbol,
		StrategyID: tp.StrategyID,
		Kind:       ActionBreakeven,
		StopLoss:   entry,
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.broker.ModifyStops(callCtx, tp.Position.Ticket, &entry, nil); err != nil {
		a.Err = err
		l.logger.Warn().Err(err).Int64("ticket", tp.Position.Ticket).Msg("Break-even move failed")
		return a, true
	}
	tp.Position.StopLoss = entry
	return a, true
}

// Get returns a copy of a tracked position.
func (l *Lifecycle) Get(ticket int64) (TrackedPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tp, ok := l.positions[ticket]
	if !ok {
		return TrackedPosition{}, false
	}
	return tp.snapshot(), true
}

// Snapshot returns copies of every tracked position ordered by ticket.
func (l *Lifecycle) Snapshot() []TrackedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrackedPosition, 0, len(l.positions))
	for _, tp := range l.positions {
		out = append(out, tp.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Ticket < out[j].Position.Ticket })
	return out
}

// Count returns the number of tracked positions.
func (l *Lifecycle) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Forget stops tracking a ticket, as after a full close.
func (l *Lifecycle) Forget(ticket int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, ticket)
}

func (tp *TrackedPosition) snapshot() TrackedPosition {
	out := *tp
	out.Ladder = make([]*Level, len(tp.Ladder))
	for i, lv := range tp.Ladder {
		c := *lv
		out.Ladder[i] = &c
	}
	return out
}
