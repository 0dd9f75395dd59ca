package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
	"strategy-executor/internal/strategy"
)

const (
	DefaultMaxPositions           = 3
	DefaultMaxPositionsPerSymbol  = 2
	DefaultMaxCorrelatedPositions = 2
	dailyRetention                = 7 * 24 * time.Hour
	dayLayout                     = "2006-01-02"
)

// DailyStats are the counters for one UTC calendar day.
type DailyStats struct {
	Date              string         `json:"date"`
	Trades            int            `json:"trades"`
	Profit            float64        `json:"profit"`
	Loss              float64        `json:"loss"` // positive
	Net               float64        `json:"net"`
	PositionsBySymbol map[string]int `json:"positions_by_symbol"`
}

type dayCounters struct {
	trades int
	profit float64
	loss   float64
}

// Guard decides whether a new position may be opened. It keeps daily
// counters keyed by UTC date, the peak balance for drawdown and the closed
// trade history.
type Guard struct {
	mu              sync.RWMutex
	days            map[string]*dayCounters
	peakBalance     float64
	symbolPositions map[string]int
	history         *TradeHistory
	now             func() time.Time
	logger          zerolog.Logger
}

// NewGuard creates a guard. A nil history gets a default-capacity ring.
func NewGuard(history *TradeHistory, logger zerolog.Logger) *Guard {
	if history == nil {
		history = NewTradeHistory(DefaultHistoryCapacity)
	}
	return &Guard{
		days:            make(map[string]*dayCounters),
		symbolPositions: make(map[string]int),
		history:         history,
		now:             time.Now,
		logger:          logger,
	}
}

// History exposes the closed trade ring shared with the sizer.
func (g *Guard) History() *TradeHistory {
	return g.history
}

// CanOpen runs the caps in a fixed order and returns the first violation.
func (g *Guard) CanOpen(account market.AccountInfo, rm *strategy.RiskManagement, symbol string, positions []market.Position) (bool, string) {
	if rm == nil {
		rm = &strategy.RiskManagement{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	maxPositions := rm.MaxPositions
	if maxPositions <= 0 {
		maxPositions = DefaultMaxPositions
	}
	if len(positions) >= maxPositions {
		return false, fmt.Sprintf("Max positions reached (%d)", maxPositions)
	}

	today := g.today()
	day := g.days[today]
	if day == nil {
		day = &dayCounters{}
	}

	if rm.MaxDailyTrades > 0 && day.trades >= rm.MaxDailyTrades {
		return false, fmt.Sprintf("Max daily trades reached (%d/%d)", day.trades, rm.MaxDailyTrades)
	}

	if rm.MaxDailyLoss > 0 && day.loss >= rm.MaxDailyLoss {
		return false, fmt.Sprintf("Max daily loss reached ($%.2f/$%.2f)", day.loss, rm.MaxDailyLoss)
	}

	if rm.MaxDrawdown > 0 {
		if dd := g.drawdown(account); dd >= rm.MaxDrawdown {
			return false, fmt.Sprintf("Max drawdown reached (%.2f%%/%.2f%%)", dd, rm.MaxDrawdown)
		}
	}

	maxPerSymbol := rm.MaxPositionsPerSymbol
	if maxPerSymbol <= 0 {
		maxPerSymbol = DefaultMaxPositionsPerSymbol
	}
	count := 0
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			count++
		}
	}
	if tracked := g.symbolPositions[strings.ToUpper(symbol)]; tracked > count {
		count = tracked
	}
	if count >= maxPerSymbol {
		return false, fmt.Sprintf("Max positions for %s reached (%d/%d)", symbol, count, maxPerSymbol)
	}

	if cc := rm.CorrelationCheck; cc != nil && cc.Enabled {
		maxCorrelated := cc.MaxCorrelatedPositions
		if maxCorrelated <= 0 {
			maxCorrelated = DefaultMaxCorrelatedPositions
		}
		base := market.BaseCurrency(symbol)
		same := 0
		for _, p := range positions {
			if market.BaseCurrency(p.Symbol) == base {
				same++
			}
		}
		if same >= maxCorrelated {
			return false, fmt.Sprintf("Too many correlated positions (%d/%d) for %s", same, maxCorrelated, base)
		}
	}

	if rm.MaxConsecutiveLosses > 0 {
		if n := g.history.ConsecutiveLosses(); n >= rm.MaxConsecutiveLosses {
			return false, fmt.Sprintf("Max consecutive losses reached (%d)", n)
		}
	}

	return true, "All risk checks passed"
}

// drawdown is the percentage equity sits below the peak balance. Callers
// hold g.mu.
func (g *Guard) drawdown(account market.AccountInfo) float64 {
	if account.Balance <= 0 {
		return 0
	}
	if account.Balance > g.peakBalance {
		g.peakBalance = account.Balance
	}
	if g.peakBalance <= 0 {
		return 0
	}
	dd := (g.peakBalance - account.EffectiveEquity()) / g.peakBalance * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// UpdatePeakBalance raises the tracked peak.
func (g *Guard) UpdatePeakBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if balance > g.peakBalance {
		g.peakBalance = balance
	}
}

// PeakBalance returns the tracked peak.
func (g *Guard) PeakBalance() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peakBalance
}

// RecordOpen counts an opened position against today's trades and the
// symbol's open count.
func (g *Guard) RecordOpen(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.day(g.today()).trades++
	g.symbolPositions[strings.ToUpper(symbol)]++
	g.prune()
}

// RecordClose books a closed position's profit into today's counters and
// the trade history.
func (g *Guard) RecordClose(symbol string, profit float64) {
	g.mu.Lock()
	now := g.now().UTC()
	day := g.day(now.Format(dayLayout))
	if profit < 0 {
		day.loss += -profit
	} else {
		day.profit += profit
	}
	key := strings.ToUpper(symbol)
	if g.symbolPositions[key] > 0 {
		g.symbolPositions[key]--
	}
	if g.symbolPositions[key] == 0 {
		delete(g.symbolPositions, key)
	}
	g.prune()
	g.mu.Unlock()

	g.history.Add(TradeRecord{Symbol: key, Profit: profit, ClosedAt: now})
	g.logger.Debug().Str("symbol", key).Float64("profit", profit).Msg("Trade closed")
}

// SyncPositions replaces the per-symbol open counts with what the broker
// reports.
func (g *Guard) SyncPositions(positions []market.Position) {
	counts := make(map[string]int, len(positions))
	for _, p := range positions {
		counts[strings.ToUpper(p.Symbol)]++
	}
	g.mu.Lock()
	g.symbolPositions = counts
	g.mu.Unlock()
}

// DailyStats returns today's counters.
func (g *Guard) DailyStats() DailyStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	today := g.today()
	stats := DailyStats{Date: today, PositionsBySymbol: make(map[string]int, len(g.symbolPositions))}
	if d := g.days[today]; d != nil {
		stats.Trades = d.trades
		stats.Profit = d.profit
		stats.Loss = d.loss
		stats.Net = d.profit - d.loss
	}
	for sym, n := range g.symbolPositions {
		stats.PositionsBySymbol[sym] = n
	}
	return stats
}

// Days lists the retained day keys, oldest first.
func (g *Guard) Days() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]string, 0, len(g.days))
	for k := range g.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (g *Guard) today() string {
	return g.now().UTC().Format(dayLayout)
}

func (g *Guard) day(key string) *dayCounters {
	d := g.days[key]
	if d == nil {
		d = &dayCounters{}
		g.days[key] = d
	}
	return d
}

// prune drops day counters older than the retention window.
func (g *Guard) prune() {
	cutoff := g.now().UTC().Add(-dailyRetention).Format(dayLayout)
	for k := range g.days {
		if k < cutoff {
			delete(g.days, k)
		}
	}
}
