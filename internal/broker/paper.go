package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/market"
)

const (
	paperContractSize = 100000
	paperMaxHistory   = 2000
	paperMinHistory   = 500
)

// paperQuote is the starting quote of a simulated symbol.
type paperQuote struct {
	price  float64
	digits int
	spread float64 // points
}

var paperQuotes = map[string]paperQuote{
	"EURUSD": {1.08500, 5, 12},
	"GBPUSD": {1.27000, 5, 15},
	"AUDUSD": {0.65500, 5, 14},
	"NZDUSD": {0.60000, 5, 18},
	"USDCHF": {0.88000, 5, 16},
	"USDCAD": {1.36000, 5, 18},
	"USDJPY": {150.000, 3, 14},
	"EURJPY": {162.000, 3, 20},
	"GBPJPY": {190.000, 3, 28},
	"EURGBP": {0.85500, 5, 15},
	"XAUUSD": {2300.00, 2, 30},
}

// PaperConfig configures the simulated terminal.
type PaperConfig struct {
	Balance float64
	Seed    int64
	Symbols []string
	Now     func() time.Time
}

// Paper is an in-process random-walk market with a netting-free position
// book. Stops and targets are enforced on every price update.
type Paper struct {
	mu        sync.Mutex
	rng       *rand.Rand
	now       func() time.Time
	logger    zerolog.Logger
	prices    map[string]float64
	infos     map[string]market.SymbolInfo
	history   map[string][]market.Candle
	positions map[int64]*market.Position
	balance   float64
	nextTick  int64
	lastMove  time.Time
	closed    bool
}

// NewPaper creates a simulated terminal.
func NewPaper(cfg PaperConfig, logger zerolog.Logger) *Paper {
	if cfg.Balance <= 0 {
		cfg.Balance = 10000
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	p := &Paper{
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       cfg.Now,
		logger:    logger.With().Str("component", "paper_broker").Logger(),
		prices:    make(map[string]float64),
		infos:     make(map[string]market.SymbolInfo),
		history:   make(map[string][]market.Candle),
		positions: make(map[int64]*market.Position),
		balance:   cfg.Balance,
		nextTick:  100000,
	}
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		for s := range paperQuotes {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
	}
	for _, s := range symbols {
		p.addSymbol(strings.ToUpper(s))
	}
	p.lastMove = p.now()
	return p
}

func (p *Paper) addSymbol(symbol string) {
	q, ok := paperQuotes[symbol]
	if !ok {
		q = paperQuote{price: 100, digits: 2, spread: 20}
	}
	point := math.Pow(10, -float64(q.digits))
	p.prices[symbol] = q.price
	p.infos[symbol] = market.SymbolInfo{
		Symbol:     symbol,
		Spread:     q.spread,
		Point:      point,
		Digits:     q.digits,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
	}
}

// SetPrice moves a symbol to an exact mid price and settles stops.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if _, ok := p.infos[symbol]; !ok {
		p.addSymbol(symbol)
	}
	p.prices[symbol] = price
	p.settleLocked()
}

// move random-walks every price once per elapsed second.
func (p *Paper) moveLocked() {
	now := p.now()
	steps := int(now.Sub(p.lastMove) / time.Second)
	if steps <= 0 {
		return
	}
	if steps > 60 {
		steps = 60
	}
	for symbol, price := range p.prices {
		for i := 0; i < steps; i++ {
			price *= 1 + p.rng.NormFloat64()*0.00005
		}
		p.prices[symbol] = price
	}
	p.lastMove = now
	p.settleLocked()
}

func (p *Paper) quoteLocked(symbol string) (market.SymbolInfo, error) {
	info, ok := p.infos[symbol]
	if !ok {
		return market.SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	half := info.Spread * info.Point / 2
	mid := p.prices[symbol]
	info.Bid = market.RoundPrice(mid-half, info.Digits)
	info.Ask = market.RoundPrice(mid+half, info.Digits)
	return info, nil
}

func (p *Paper) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, "paper", err)
	}
	if p.closed {
		return ErrNotConnected
	}
	return nil
}

// Candles returns a persistent random-walk history that grows with time.
// The last bar closes at the current mid.
func (p *Paper) Candles(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	if _, ok := p.infos[symbol]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	bar, err := market.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	p.moveLocked()

	key := symbol + "|" + strings.ToUpper(timeframe)
	series := p.history[key]
	current := p.now().Truncate(bar)
	sigma := 0.0007 * math.Sqrt(bar.Hours())

	if len(series) == 0 {
		n := count
		if n < paperMinHistory {
			n = paperMinHistory
		}
		series = p.walkBackLocked(p.prices[symbol], current, bar, n, sigma)
	} else {
		last := series[len(series)-1]
		for t := last.Time.Add(bar); !t.After(current); t = t.Add(bar) {
			series = append(series, p.barLocked(t, series[len(series)-1].Close, sigma))
		}
	}
	// the live bar tracks the current price
	tail := &series[len(series)-1]
	tail.Close = p.prices[symbol]
	tail.High = math.Max(tail.High, tail.Close)
	tail.Low = math.Min(tail.Low, tail.Close)

	if len(series) > paperMaxHistory {
		series = series[len(series)-paperMaxHistory:]
	}
	p.history[key] = series

	if count <= 0 || count > len(series) {
		count = len(series)
	}
	out := make([]market.Candle, count)
	copy(out, series[len(series)-count:])
	return out, nil
}

// walkBackLocked builds n bars ending at end whose last close is price.
func (p *Paper) walkBackLocked(price float64, end time.Time, bar time.Duration, n int, sigma float64) []market.Candle {
	closes := make([]float64, n)
	closes[n-1] = price
	for i := n - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + p.rng.NormFloat64()*sigma)
	}
	out := make([]market.Candle, n)
	prev := closes[0] * (1 + p.rng.NormFloat64()*sigma)
	for i := 0; i < n; i++ {
		t := end.Add(-time.Duration(n-1-i) * bar)
		out[i] = p.shapeLocked(t, prev, closes[i], sigma)
		prev = closes[i]
	}
	return out
}

func (p *Paper) barLocked(t time.Time, open, sigma float64) market.Candle {
	return p.shapeLocked(t, open, open*(1+p.rng.NormFloat64()*sigma), sigma)
}

func (p *Paper) shapeLocked(t time.Time, open, close, sigma float64) market.Candle {
	high := math.Max(open, close) * (1 + p.rng.Float64()*sigma*0.5)
	low := math.Min(open, close) * (1 - p.rng.Float64()*sigma*0.5)
	return market.Candle{
		Time:   t,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 100 + p.rng.Float64()*900,
	}
}

// SymbolInfo returns the current quote and trading limits.
func (p *Paper) SymbolInfo(ctx context.Context, symbol string) (market.SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return market.SymbolInfo{}, err
	}
	p.moveLocked()
	return p.quoteLocked(strings.ToUpper(symbol))
}

// Account marks open positions to market.
func (p *Paper) Account(ctx context.Context) (market.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return market.AccountInfo{}, err
	}
	p.moveLocked()
	floating := 0.0
	margin := 0.0
	for _, pos := range p.positions {
		floating += pos.Profit
		margin += pos.Volume * paperContractSize * pos.OpenPrice / 100
	}
	equity := p.balance + floating
	return market.AccountInfo{
		Login:      1,
		Currency:   "USD",
		Balance:    p.balance,
		Equity:     equity,
		Margin:     margin,
		FreeMargin: equity - margin,
		Leverage:   100,
	}, nil
}

// OpenPosition fills a market order at the current quote.
func (p *Paper) OpenPosition(ctx context.Context, req market.OrderRequest) (market.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return market.OrderResult{}, err
	}
	p.moveLocked()
	symbol := strings.ToUpper(req.Symbol)
	info, err := p.quoteLocked(symbol)
	if err != nil {
		return market.OrderResult{Message: err.Error()}, rejected("%v", err)
	}
	if err := validateOrder(req, info); err != nil {
		return market.OrderResult{Message: err.Error()}, err
	}

	volume := market.NormalizeVolume(req.Volume, info)
	price := info.PriceFor(req.Side)
	p.nextTick++
	pos := &market.Position{
		Ticket:       p.nextTick,
		Symbol:       symbol,
		Side:         req.Side,
		Volume:       volume,
		OpenPrice:    price,
		CurrentPrice: info.ExitPriceFor(req.Side),
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenTime:     p.now(),
		Comment:      req.Comment,
		Magic:        req.Magic,
	}
	pos.Profit = p.profitLocked(pos, pos.CurrentPrice, pos.Volume)
	p.positions[pos.Ticket] = pos

	p.logger.Debug().Int64("ticket", pos.Ticket).Str("symbol", symbol).Str("side", string(req.Side)).
		Float64("volume", volume).Float64("price", price).Msg("Paper order filled")

	return market.OrderResult{Success: true, Ticket: pos.Ticket, Price: price, Volume: volume, Message: "filled"}, nil
}

// ClosePartial closes volume lots of a position; a volume at or above the
// open volume closes it fully.
func (p *Paper) ClosePartial(ctx context.Context, ticket int64, volume float64) (market.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return market.OrderResult{}, err
	}
	p.moveLocked()
	pos, ok := p.positions[ticket]
	if !ok {
		return market.OrderResult{}, rejected("%v: %d", ErrPositionNotFound, ticket)
	}
	if volume <= 0 {
		return market.OrderResult{}, rejected("invalid close volume %.4f", volume)
	}
	info, _ := p.quoteLocked(pos.Symbol)
	exit := info.ExitPriceFor(pos.Side)

	if volume >= pos.Volume-1e-9 {
		volume = pos.Volume
	}
	realised := p.profitLocked(pos, exit, volume)
	p.balance += realised
	remaining := math.Round((pos.Volume-volume)*100) / 100
	if remaining <= 0 {
		delete(p.positions, ticket)
	} else {
		pos.Volume = remaining
		pos.Profit = p.profitLocked(pos, exit, remaining)
	}
	return market.OrderResult{Success: true, Ticket: ticket, Price: exit, Volume: volume, Profit: realised, Message: "closed"}, nil
}

// ModifyStops replaces the stop and target; nil leaves a level unchanged.
func (p *Paper) ModifyStops(ctx context.Context, ticket int64, sl, tp *float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return rejected("%v: %d", ErrPositionNotFound, ticket)
	}
	if sl != nil {
		pos.StopLoss = *sl
	}
	if tp != nil {
		pos.TakeProfit = *tp
	}
	return nil
}

// Positions returns the open book, marked to market.
func (p *Paper) Positions(ctx context.Context) ([]market.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.moveLocked()
	out := make([]market.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Close disconnects the terminal.
func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// settleLocked marks positions and closes any whose stop or target was hit.
func (p *Paper) settleLocked() {
	for ticket, pos := range p.positions {
		info, err := p.quoteLocked(pos.Symbol)
		if err != nil {
			continue
		}
		exit := info.ExitPriceFor(pos.Side)
		pos.CurrentPrice = exit
		pos.Profit = p.profitLocked(pos, exit, pos.Volume)

		hitSL := pos.StopLoss > 0 && pos.Side.Sign()*(exit-pos.StopLoss) <= 0
		hitTP := pos.TakeProfit > 0 && pos.Side.Sign()*(exit-pos.TakeProfit) >= 0
		if hitSL || hitTP {
			p.balance += pos.Profit
			delete(p.positions, ticket)
			p.logger.Debug().Int64("ticket", ticket).Bool("stop_loss", hitSL).Float64("profit", pos.Profit).Msg("Paper position closed by level")
		}
	}
}

// profitLocked values a move in account currency (USD).
func (p *Paper) profitLocked(pos *market.Position, exit, volume float64) float64 {
	diff := pos.Side.Sign() * (exit - pos.OpenPrice)
	value := diff * volume * paperContractSize
	legs := market.Currencies(pos.Symbol)
	if len(legs) == 2 && legs[1] != "USD" && exit > 0 {
		value /= exit
	}
	return math.Round(value*100) / 100
}
