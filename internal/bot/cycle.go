package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"strategy-executor/internal/advisory"
	"strategy-executor/internal/broker"
	"strategy-executor/internal/conditions"
	"strategy-executor/internal/database"
	"strategy-executor/internal/exits"
	"strategy-executor/internal/filters"
	"strategy-executor/internal/indicators"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/market"
	"strategy-executor/internal/metrics"
	"strategy-executor/internal/ml"
	"strategy-executor/internal/platform"
	"strategy-executor/internal/risk"
	"strategy-executor/internal/strategy"
)

// signalHold labels a cycle that placed no order.
const signalHold = "HOLD"

// cycleState is the broker view shared by the strategies of one cycle.
// Orders placed earlier in the cycle are appended so later caps see them.
type cycleState struct {
	account   market.AccountInfo
	positions []market.Position
}

// RunCycle evaluates every active strategy in id order, then runs the
// position pass and the throttled account update.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	start := o.now()
	logger := o.logger.With().Str("cycle_id", ulid.Make().String()).Logger()
	ctx = logging.NewContext(ctx, logger)

	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.brokerState(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Broker unavailable, skipping cycle")
		o.bus.PublishError("orchestrator", "Broker unavailable", err)
		return
	}
	o.guard.UpdatePeakBalance(state.account.Balance)

	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		o.evaluateSafely(ctx, o.active[id], state)
	}

	o.managePositions(ctx, state.account)
	o.publishAccount(ctx)

	elapsed := o.now().Sub(start)
	metrics.ObserveCycle(elapsed)
	logger.Debug().Int("strategies", len(ids)).Dur("elapsed", elapsed).Msg("Cycle complete")
}

func (o *Orchestrator) brokerState(ctx context.Context) (*cycleState, error) {
	bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
	defer cancel()
	account, err := o.broker.Account(bctx)
	if err != nil {
		return nil, err
	}
	positions, err := o.broker.Positions(bctx)
	if err != nil {
		return nil, err
	}
	o.guard.SyncPositions(positions)
	return &cycleState{account: account, positions: positions}, nil
}

// evaluateSafely isolates one strategy: a panic or error is logged and
// recorded, and the cycle moves on.
func (o *Orchestrator) evaluateSafely(ctx context.Context, rec *ActiveStrategy, state *cycleState) {
	cfg := rec.Config
	logger := logging.StrategyContext(logging.FromContext(ctx), cfg.ID, cfg.Symbol, cfg.Timeframe)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error().Err(err).Str("stack", string(debug.Stack())).Msg("Strategy evaluation panicked")
			rec.Context.LastError = err.Error()
			o.bus.PublishError("strategy:"+cfg.ID, "Strategy evaluation panicked", err)
		}
	}()

	sctx, cancel := context.WithTimeout(logging.NewContext(ctx, logger), o.opts.StrategyTimeout)
	defer cancel()

	rec.LastCheckAt = o.now().UTC()
	rec.Context.UpdatedAt = rec.LastCheckAt
	rec.Context.LastError = ""
	rec.Context.Skipped = ""

	if err := o.evaluate(sctx, rec, state, logger); err != nil {
		rec.Context.LastError = err.Error()
		switch {
		case errors.Is(err, ErrNoCandles), errors.Is(err, indicators.ErrInsufficientData):
			rec.Context.Skipped = "insufficient_data"
			logger.Info().Err(err).Msg("Skipping strategy this cycle")
		case broker.IsUnavailable(err):
			rec.Context.Skipped = "broker_unavailable"
			logger.Warn().Err(err).Msg("Broker unavailable for strategy")
		default:
			logger.Error().Err(err).Msg("Strategy evaluation failed")
			o.bus.PublishError("strategy:"+cfg.ID, "Strategy evaluation failed", err)
		}
	}
}

func (o *Orchestrator) hold(rec *ActiveStrategy, reason string, logger zerolog.Logger) {
	rec.Context.Signal = signalHold
	rec.Context.Skipped = reason
	metrics.IncSignal(rec.Config.ID, signalHold)
	logger.Debug().Str("reason", reason).Msg("Holding")
}

func (o *Orchestrator) evaluate(ctx context.Context, rec *ActiveStrategy, state *cycleState, logger zerolog.Logger) error {
	cfg := rec.Config

	snapshots, err := o.snapshots(ctx, cfg)
	if err != nil {
		return err
	}
	primary := snapshots[cfg.Timeframe]

	bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
	info, err := o.broker.SymbolInfo(bctx, cfg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("symbol info %s: %w", cfg.Symbol, err)
	}

	outcome := o.chain.Run(ctx, filters.Input{
		Symbol:     cfg.Symbol,
		Timeframe:  cfg.Timeframe,
		Rules:      cfg.Rules,
		Snapshots:  snapshots,
		SymbolInfo: &info,
		Positions:  state.positions,
		Now:        o.now().UTC(),
	})
	rec.Context.Filters = outcome.Results
	regime := outcome.Regime
	if regime == nil {
		r := filters.DetectRegime(primary)
		regime = &r
	}
	rec.Context.Regime = regime
	if !outcome.Passed {
		metrics.IncFilterBlock(outcome.Blocked.Filter)
		o.hold(rec, "filter:"+outcome.Blocked.Filter, logger.With().Str("action", outcome.Blocked.Action).Str("detail", outcome.Blocked.Reason).Logger())
		return nil
	}

	sources := make(map[string]conditions.Source, len(snapshots))
	for tf, snap := range snapshots {
		sources[tf] = snap
	}
	result := conditions.Evaluate(cfg.Rules.Entry.Conditions, cfg.Rules.Entry.Logic, sources, cfg.Timeframe)
	rec.Context.Metrics = result.Metrics
	for name, v := range primary.Values([]string{"price", "atr", "rsi", "macd", "macd_signal", "ema_50"}) {
		if _, ok := rec.Context.Metrics[name]; !ok {
			rec.Context.Metrics[name] = v
		}
	}
	if !result.Signal {
		reason := "conditions_not_met"
		if result.Vetoed {
			reason = "required_condition_failed"
		}
		o.hold(rec, reason, logger)
		return nil
	}

	side, ok := cfg.Direction()
	if !ok {
		side, ok = conditions.DeriveSide(primary)
	}
	if !ok {
		o.hold(rec, "no_side", logger)
		return nil
	}

	spread := market.SpreadPips(info)
	score := ml.Safe(o.scorer, ml.FeaturesFrom(rec.Context.Metrics, spread, side))
	rec.Context.Score = score

	entry := info.PriceFor(side)
	targets, err := o.targets.Levels(side, entry, &cfg.Rules.Exit, primary.Candles(), info)
	if err != nil {
		return err
	}
	// the regime gate already folded the size multiplier into SizeFactor
	if rf := cfg.Rules.RegimeFilter; rf != nil && rf.Enabled && rf.AdjustRisk {
		mult := regime.Adjustments()
		targets = exits.Scale(side, entry, targets, mult.StopLoss, mult.TakeProfit, info)
	}

	atr := rec.Context.Metrics["atr"]
	pip := market.PipSize(cfg.Symbol, info)
	var atrPips float64
	if pip > 0 {
		atrPips = atr / pip
	}
	sizing := o.sizer.Size(state.account, cfg.Rules, risk.MarketInput{
		Symbol:     info,
		ATR:        atr,
		Volatility: atrPips,
		StopPips:   targets.StopPips,
	}, outcome.SizeFactor)

	decision := o.gate.Evaluate(ctx, advisory.Context{
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		ProposedAction: string(side),
		Risk: advisory.RiskContext{
			Lot:          sizing.Lots,
			SLPips:       targets.StopPips,
			TPPips:       targets.TakePips,
			DailyLossPct: o.dailyLossPct(state.account),
		},
		Filters:           advisory.FilterContext{Spread: spread, ATR: atr},
		ML:                advisory.MLContext{SignalScore: score, Regime: regime.Type},
		PositionsSnapshot: advisory.PositionsSnapshot{Count: len(state.positions)},
	})
	rec.Context.Decision = &decision
	metrics.IncAdvisoryDecision(o.gate.Mode(), decision.Action)
	switch decision.Action {
	case advisory.ActionDeny:
		o.hold(rec, "advisory_deny", logger.With().Str("advisory_reason", decision.Reason).Logger())
		return nil
	case advisory.ActionRequireConfirmation:
		if score < o.opts.ConfirmScore {
			o.hold(rec, "advisory_confirmation", logger.With().Float64("score", score).Logger())
			return nil
		}
	}

	o.bus.PublishSignal(cfg.ID, cfg.Symbol, string(side), map[string]interface{}{
		"score":       score,
		"regime":      regime.Type,
		"lots":        sizing.Lots,
		"method":      sizing.Method,
		"stop_loss":   targets.StopLoss,
		"take_profit": targets.TakeProfit,
		"advisory":    decision.Action,
	})

	if ok, reason := o.breaker.CanTrade(); !ok {
		o.hold(rec, "circuit_breaker:"+reason, logger)
		return nil
	}
	if ok, reason := o.guard.CanOpen(state.account, cfg.Rules.RiskManagement, cfg.Symbol, state.positions); !ok {
		o.hold(rec, "risk:"+reason, logger)
		return nil
	}

	return o.placeOrder(ctx, rec, state, side, sizing, targets, info, logger)
}

// snapshots fetches candles for every timeframe the strategy reads. The
// primary timeframe is mandatory; a missing higher timeframe only makes
// its conditions vote false.
func (o *Orchestrator) snapshots(ctx context.Context, cfg strategy.Config) (map[string]*indicators.Snapshot, error) {
	required := cfg.RequiredIndicators()
	out := make(map[string]*indicators.Snapshot, len(required))
	for tf := range required {
		bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
		candles, err := o.broker.Candles(bctx, cfg.Symbol, tf, o.opts.CandleCount)
		cancel()
		if tf == cfg.Timeframe {
			if err != nil {
				return nil, fmt.Errorf("candles %s %s: %w", cfg.Symbol, tf, err)
			}
			if len(candles) == 0 {
				return nil, fmt.Errorf("%w: %s %s", ErrNoCandles, cfg.Symbol, tf)
			}
		} else if err != nil || len(candles) == 0 {
			logger := logging.FromContext(ctx)
			logger.Debug().Err(err).Str("timeframe", tf).Msg("No candles for confirmation timeframe")
			continue
		}
		out[tf] = indicators.NewSnapshot(candles)
	}
	return out, nil
}

func (o *Orchestrator) dailyLossPct(account market.AccountInfo) float64 {
	if account.Balance <= 0 {
		return 0
	}
	return o.guard.DailyStats().Loss / account.Balance * 100
}

// OrderComment tags an order with its owner so positions can be matched
// to strategies after a restart.
func OrderComment(strategyID, symbol string, side market.Side) string {
	return fmt.Sprintf("%s:%s:%s", strategyID, symbol, side)
}

// ParseOrderComment is the inverse of OrderComment.
func ParseOrderComment(comment string) (strategyID, symbol string, side market.Side, ok bool) {
	parts := strings.Split(comment, ":")
	if len(parts) < 3 {
		return "", "", "", false
	}
	// strategy ids may themselves contain colons
	n := len(parts)
	side, err := market.ParseSide(parts[n-1])
	if err != nil {
		return "", "", "", false
	}
	strategyID = strings.Join(parts[:n-2], ":")
	if strategyID == "" {
		return "", "", "", false
	}
	return strategyID, parts[n-2], side, true
}

// placeOrder sends the order on a context detached from shutdown so a sent
// order is never abandoned halfway.
func (o *Orchestrator) placeOrder(ctx context.Context, rec *ActiveStrategy, state *cycleState, side market.Side, sizing risk.Sizing, targets exits.Targets, info market.SymbolInfo, logger zerolog.Logger) error {
	cfg := rec.Config
	req := market.OrderRequest{
		Symbol:     cfg.Symbol,
		Side:       side,
		Volume:     sizing.Lots,
		StopLoss:   targets.StopLoss,
		TakeProfit: targets.TakeProfit,
		Comment:    OrderComment(cfg.ID, cfg.Symbol, side),
	}
	logger = logging.OrderContext(logger, cfg.Symbol, string(side), sizing.Lots)

	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderTimeout)
	result, err := o.broker.OpenPosition(octx, req)
	cancel()
	if err == nil && !result.Success {
		err = fmt.Errorf("%w: %s", broker.ErrOrderRejected, result.Message)
	}
	if err != nil {
		metrics.IncOrder(string(side), "rejected")
		rec.Context.Signal = string(side)
		rec.Context.LastError = err.Error()
		logger.Error().Err(err).Msg("Order failed")
		o.bus.PublishError("strategy:"+cfg.ID, "Order failed", err)
		o.recordEvent("order_failed", err.Error(), map[string]any{"strategy_id": cfg.ID, "symbol": cfg.Symbol, "side": string(side), "lots": sizing.Lots})
		return nil
	}

	volume := result.Volume
	if volume <= 0 {
		volume = sizing.Lots
	}
	price := result.Price
	if price <= 0 {
		price = info.PriceFor(side)
	}
	openTime := o.now().UTC()
	pos := market.Position{
		Ticket:       result.Ticket,
		Symbol:       cfg.Symbol,
		Side:         side,
		Volume:       volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     targets.StopLoss,
		TakeProfit:   targets.TakeProfit,
		OpenTime:     openTime,
		Comment:      req.Comment,
	}

	o.lifecycle.Track(pos, cfg.ID, &cfg.Rules.Exit, info)
	o.guard.RecordOpen(cfg.Symbol)
	state.positions = append(state.positions, pos)
	rec.TradesCount++
	rec.Context.Signal = string(side)
	metrics.IncSignal(cfg.ID, string(side))
	metrics.IncOrder(string(side), "filled")

	logger.Info().
		Int64("ticket", result.Ticket).
		Float64("price", price).
		Float64("sl", targets.StopLoss).
		Float64("tp", targets.TakeProfit).
		Str("sizing", sizing.Method).
		Msg("Position opened")

	o.bus.PublishPositionOpened(cfg.ID, result.Ticket, cfg.Symbol, string(side), volume, price, targets.StopLoss, targets.TakeProfit)
	o.reporter.ReportTradeOpened(platform.TradeOpened{
		StrategyID: cfg.ID,
		Ticket:     result.Ticket,
		Symbol:     cfg.Symbol,
		Type:       string(side),
		Lots:       volume,
		OpenPrice:  price,
		StopLoss:   targets.StopLoss,
		TakeProfit: targets.TakeProfit,
		OpenTime:   openTime,
	})
	trade := database.TradeRecord{
		Ticket:     result.Ticket,
		StrategyID: cfg.ID,
		Symbol:     cfg.Symbol,
		Side:       string(side),
		Volume:     volume,
		OpenPrice:  price,
		StopLoss:   targets.StopLoss,
		TakeProfit: targets.TakeProfit,
		OpenTime:   openTime,
		Status:     database.TradeOpen,
		Metadata: map[string]any{
			"sizing_method": sizing.Method,
			"signal_score":  rec.Context.Score,
			"stop_method":   targets.StopMethod,
			"target_method": targets.TargetMethod,
		},
	}
	o.persist(func(ctx context.Context) error {
		return o.store.RecordTradeOpen(ctx, trade)
	})
	return nil
}

// publishAccount sends at most one account update per second.
func (o *Orchestrator) publishAccount(ctx context.Context) {
	if !o.limiter.Allow() {
		return
	}
	bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
	account, err := o.broker.Account(bctx)
	cancel()
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Debug().Err(err).Msg("Account snapshot failed")
		return
	}
	metrics.SetEquity(account.EffectiveEquity())
	o.bus.PublishAccountUpdate(account.Balance, account.Equity, account.Margin, account.FreeMargin, o.lifecycle.Count())
}
