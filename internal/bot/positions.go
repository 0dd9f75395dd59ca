package bot

import (
	"context"
	"strings"

	"strategy-executor/internal/database"
	"strategy-executor/internal/exits"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/market"
	"strategy-executor/internal/metrics"
	"strategy-executor/internal/platform"
	"strategy-executor/internal/strategy"
)

const (
	closedByBroker = "closed_by_broker"
	closedByLadder = "partial_exits"
)

// managePositions reconciles tracking with the broker, books positions
// that disappeared, then runs trailing stops and partial exits. It runs
// with mu held.
func (o *Orchestrator) managePositions(ctx context.Context, account market.AccountInfo) {
	logger := logging.FromContext(ctx)

	bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
	positions, err := o.broker.Positions(bctx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch positions")
		return
	}

	infos := o.symbolInfos(ctx, positions)
	closed, adopted := o.lifecycle.Reconcile(positions, infos, o.resolvePosition)
	for _, ticket := range adopted {
		logger.Info().Int64("ticket", ticket).Msg("Adopted broker position")
	}
	for _, tp := range closed {
		o.onClosed(tp, account)
	}
	o.guard.SyncPositions(positions)

	data := make(map[string]exits.MarketData, len(infos))
	for symbol, info := range infos {
		data[symbol] = o.marketData(symbol, info)
	}
	for _, a := range o.lifecycle.Evaluate(ctx, positions, data) {
		o.onAction(a)
	}
}

func (o *Orchestrator) symbolInfos(ctx context.Context, positions []market.Position) map[string]market.SymbolInfo {
	infos := make(map[string]market.SymbolInfo)
	for _, p := range positions {
		if _, ok := infos[p.Symbol]; ok {
			continue
		}
		bctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout)
		info, err := o.broker.SymbolInfo(bctx, p.Symbol)
		cancel()
		if err != nil {
			logger := logging.FromContext(ctx)
			logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("No quote for open position")
			continue
		}
		infos[p.Symbol] = info
	}
	return infos
}

// resolvePosition claims untracked broker positions whose comment carries
// an order tag. Active strategies lend their exit rules; positions of
// stopped strategies are managed with the broker-side stops only.
func (o *Orchestrator) resolvePosition(pos market.Position) (string, *strategy.Exit, bool) {
	id, _, _, ok := ParseOrderComment(pos.Comment)
	if !ok {
		return "", nil, false
	}
	if rec, ok := o.active[id]; ok {
		exit := rec.Config.Rules.Exit
		return id, &exit, true
	}
	return id, nil, true
}

// marketData picks the ATR and regime of the first active strategy that
// trades symbol.
func (o *Orchestrator) marketData(symbol string, info market.SymbolInfo) exits.MarketData {
	md := exits.MarketData{Info: info}
	for _, rec := range o.active {
		if !strings.EqualFold(rec.Config.Symbol, symbol) {
			continue
		}
		if atr, ok := rec.Context.Metrics["atr"]; ok {
			md.ATR = atr
		}
		md.Regime = rec.Context.Regime
		break
	}
	return md
}

// onClosed books a position the broker no longer reports. Price and the
// floating profit are the last values seen while it was open; profit
// realised by partial exits is added on top.
func (o *Orchestrator) onClosed(tp exits.TrackedPosition, account market.AccountInfo) {
	pos := tp.Position
	now := o.now().UTC()
	logger := logging.PositionContext(o.logger, pos.Ticket, pos.Symbol, string(pos.Side))
	profit := tp.Realized + pos.Profit
	reason := closedByBroker
	if tp.Remaining <= 0 {
		reason = closedByLadder
	}

	o.guard.RecordClose(pos.Symbol, profit)
	o.breaker.RecordTrade(profit, account.Balance)

	logger.Info().
		Str("strategy_id", tp.StrategyID).
		Float64("close_price", pos.CurrentPrice).
		Float64("profit", profit).
		Float64("realized_partials", tp.Realized).
		Dur("held", now.Sub(pos.OpenTime)).
		Msg("Position closed")

	o.bus.PublishPositionClosed(tp.StrategyID, pos.Ticket, pos.Symbol, pos.CurrentPrice, profit, reason)
	o.reporter.ReportTradeClosed(platform.TradeClosed{
		Ticket:     pos.Ticket,
		ClosePrice: pos.CurrentPrice,
		Profit:     profit,
		CloseTime:  now,
	})
	c := database.TradeClose{
		Ticket:     pos.Ticket,
		ClosePrice: pos.CurrentPrice,
		Profit:     profit,
		CloseTime:  now,
		Reason:     reason,
	}
	o.persist(func(ctx context.Context) error {
		return o.store.RecordTradeClose(ctx, c)
	})
}

func (o *Orchestrator) onAction(a exits.Action) {
	logger := o.logger.With().
		Int64("ticket", a.Ticket).
		Str("symbol", a.Symbol).
		Str("kind", a.Kind).
		Logger()

	if a.Err != nil {
		logger.Warn().Err(a.Err).Str("level", a.Level).Msg("Exit action failed")
		o.bus.PublishError("lifecycle", "Exit action failed", a.Err)
		return
	}

	details := map[string]interface{}{
		"strategy_id": a.StrategyID,
		"volume":      a.Volume,
		"price":       a.Price,
		"stop_loss":   a.StopLoss,
		"profit":      a.Profit,
		"level":       a.Level,
		"trigger":     a.Trigger,
		"reason":      a.Reason,
	}
	if a.Kind == exits.ActionPartial {
		metrics.IncPartialExit(a.Trigger)
	}
	logger.Info().Str("level", a.Level).Float64("volume", a.Volume).Msg("Exit action applied")
	o.bus.PublishPositionUpdate(a.Ticket, a.Symbol, a.Kind, details)
	o.recordEvent("position_"+a.Kind, a.Reason, map[string]any{
		"ticket":  a.Ticket,
		"symbol":  a.Symbol,
		"level":   a.Level,
		"trigger": a.Trigger,
		"volume":  a.Volume,
		"profit":  a.Profit,
	})
}
