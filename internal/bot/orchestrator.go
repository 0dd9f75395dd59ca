// Package bot runs the strategy orchestrator: the periodic evaluation
// cycle over every active strategy, the open-position pass and the command
// loop that starts and stops strategies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"strategy-executor/internal/advisory"
	"strategy-executor/internal/broker"
	"strategy-executor/internal/circuit"
	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
	"strategy-executor/internal/events"
	"strategy-executor/internal/exits"
	"strategy-executor/internal/filters"
	"strategy-executor/internal/metrics"
	"strategy-executor/internal/ml"
	"strategy-executor/internal/platform"
	"strategy-executor/internal/risk"
	"strategy-executor/internal/strategy"
)

var (
	// ErrAlreadyActive is returned when starting a strategy id that runs.
	ErrAlreadyActive = errors.New("strategy already active")
	// ErrStrategyNotFound is returned when stopping an unknown strategy.
	ErrStrategyNotFound = errors.New("strategy not active")
	// ErrNoCandles means the broker returned no history for the primary
	// timeframe.
	ErrNoCandles = errors.New("no candles")
)

const (
	minTickInterval        = 5 * time.Second
	defaultTickInterval    = 60 * time.Second
	defaultHeartbeat       = 30 * time.Second
	defaultBrokerTimeout   = 5 * time.Second
	defaultStrategyTimeout = 15 * time.Second
	defaultCandleCount     = 400
	defaultConfirmScore    = 0.7
	orderTimeout           = 30 * time.Second
)

// Options are the orchestrator's timing and identity settings.
type Options struct {
	ExecutorID        string
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	BrokerTimeout     time.Duration
	StrategyTimeout   time.Duration
	CandleCount       int
	ConfirmScore      float64
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.TickInterval < minTickInterval {
		o.TickInterval = minTickInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.BrokerTimeout <= 0 {
		o.BrokerTimeout = defaultBrokerTimeout
	}
	if o.StrategyTimeout <= 0 {
		o.StrategyTimeout = defaultStrategyTimeout
	}
	if o.CandleCount <= 0 {
		o.CandleCount = defaultCandleCount
	}
	if o.ConfirmScore <= 0 {
		o.ConfirmScore = defaultConfirmScore
	}
}

// StatusCache mirrors the executor status for other processes.
// cache.Redis satisfies it.
type StatusCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Deps are the collaborators injected into the orchestrator. Only Broker is
// required; every other nil field gets a disabled or in-memory default.
type Deps struct {
	Broker      broker.Connector
	Store       database.Store
	Reporter    *platform.Reporter
	Gate        *advisory.Gate
	Scorer      ml.Scorer
	Chain       *filters.Chain
	Breaker     *circuit.Breaker
	Bus         *events.EventBus
	Queue       *commands.Queue
	StatusCache StatusCache
	StatusKey   string
}

// EvalContext is the last evaluation's observable state.
type EvalContext struct {
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Regime    *filters.Regime    `json:"regime,omitempty"`
	Filters   []filters.Result   `json:"filters,omitempty"`
	Decision  *advisory.Decision `json:"decision,omitempty"`
	Score     float64            `json:"signal_score,omitempty"`
	Signal    string             `json:"signal,omitempty"`
	Skipped   string             `json:"skipped,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at,omitempty"`
}

// ActiveStrategy is one running strategy and its run state.
type ActiveStrategy struct {
	Config      strategy.Config `json:"config"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	LastCheckAt time.Time       `json:"last_check_at,omitempty"`
	TradesCount int             `json:"trades_count"`
	Context     EvalContext     `json:"context"`
}

func (a *ActiveStrategy) view() strategy.Status {
	return a.Config.Status(a.Status, a.StartedAt, a.LastCheckAt, a.TradesCount)
}

// Status is the executor-wide view served to the API and PING replies.
type Status struct {
	ExecutorID       string            `json:"executor_id"`
	State            string            `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	ActiveStrategies []strategy.Status `json:"active_strategies"`
	OpenPositions    int               `json:"open_positions"`
	Daily            risk.DailyStats   `json:"daily"`
	Breaker          circuit.Stats     `json:"circuit_breaker"`
	AdvisoryMode     string            `json:"advisory_mode"`
}

// Orchestrator owns the active strategy set. Cycles, starts and stops all
// take mu, so a command never races with an evaluation.
type Orchestrator struct {
	opts Options

	broker      broker.Connector
	store       database.Store
	reporter    *platform.Reporter
	gate        *advisory.Gate
	scorer      ml.Scorer
	chain       *filters.Chain
	breaker     *circuit.Breaker
	bus         *events.EventBus
	queue       *commands.Queue
	statusCache StatusCache
	statusKey   string

	sizer     *risk.Sizer
	guard     *risk.Guard
	lifecycle *exits.Lifecycle
	targets   exits.Calculator
	limiter   *rate.Limiter

	mu     sync.Mutex
	active map[string]*ActiveStrategy

	// background persistence writes
	writes sync.WaitGroup
	loops  sync.WaitGroup

	stateMu   sync.RWMutex
	running   bool
	startedAt time.Time

	logger zerolog.Logger
	now    func() time.Time
}

// New wires an orchestrator.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Orchestrator, error) {
	if deps.Broker == nil {
		return nil, fmt.Errorf("orchestrator requires a broker connector")
	}
	opts.applyDefaults()
	logger = logger.With().Str("component", "orchestrator").Str("executor_id", opts.ExecutorID).Logger()

	if deps.Store == nil {
		deps.Store = database.Nop{}
	}
	if deps.Reporter == nil {
		deps.Reporter = platform.NewReporter(platform.Config{ExecutorID: opts.ExecutorID}, logger)
	}
	if deps.Gate == nil {
		gate, err := advisory.NewGate(advisory.ModeOff, nil, nil, 0, logger)
		if err != nil {
			return nil, err
		}
		deps.Gate = gate
	}
	if deps.Scorer == nil {
		deps.Scorer = ml.Heuristic{}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus()
	}
	if deps.Chain == nil {
		deps.Chain = DefaultChain(deps.Broker, nil, nil, logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = circuit.NewBreaker(circuit.Config{}, deps.Bus, logger)
	}
	if deps.Queue == nil {
		deps.Queue = commands.NewQueue(0)
	}

	history := risk.NewTradeHistory(risk.DefaultHistoryCapacity)
	return &Orchestrator{
		opts:        opts,
		broker:      deps.Broker,
		store:       deps.Store,
		reporter:    deps.Reporter,
		gate:        deps.Gate,
		scorer:      deps.Scorer,
		chain:       deps.Chain,
		breaker:     deps.Breaker,
		bus:         deps.Bus,
		queue:       deps.Queue,
		statusCache: deps.StatusCache,
		statusKey:   deps.StatusKey,
		sizer:       risk.NewSizer(history, logger.With().Str("component", "sizer").Logger()),
		guard:       risk.NewGuard(history, logger.With().Str("component", "risk").Logger()),
		lifecycle:   exits.NewLifecycle(deps.Broker, opts.BrokerTimeout, logger.With().Str("component", "lifecycle").Logger()),
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		active:      make(map[string]*ActiveStrategy),
		logger:      logger,
		now:         time.Now,
	}, nil
}

// DefaultChain builds the filter chain in its canonical order: session,
// news, spread, volatility, correlation, regime, mtf.
func DefaultChain(candles filters.CandleSource, calendar filters.EventSource, shared filters.SharedCache, logger zerolog.Logger) *filters.Chain {
	return filters.NewChain(logger,
		filters.Session{},
		filters.NewNews(calendar, shared, logger.With().Str("filter", "news").Logger()),
		filters.Spread{},
		filters.Volatility{},
		filters.NewCorrelation(candles, logger.With().Str("filter", "correlation").Logger()),
		filters.RegimeGate{},
		filters.NewMTF(candles, logger.With().Str("filter", "mtf").Logger()),
	)
}

// Queue returns the command queue the API feeds.
func (o *Orchestrator) Queue() *commands.Queue {
	return o.queue
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *events.EventBus {
	return o.bus
}

// Run starts the cycle, command and heartbeat loops and blocks until ctx
// is cancelled. It then waits for the loops and every background write to
// drain and closes the broker connection.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.stateMu.Lock()
	if o.running {
		o.stateMu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.startedAt = o.now().UTC()
	o.stateMu.Unlock()

	o.logger.Info().
		Dur("tick_interval", o.opts.TickInterval).
		Str("advisory_mode", o.gate.Mode()).
		Str("scorer", o.scorer.Name()).
		Msg("Orchestrator started")
	o.bus.PublishExecutorStatus(o.opts.ExecutorID, "online", o.activeCount(), o.lifecycle.Count())

	o.loops.Add(3)
	go o.cycleLoop(ctx)
	go o.commandLoop(ctx)
	go o.heartbeatLoop(ctx)

	<-ctx.Done()
	o.shutdown()
	return nil
}

func (o *Orchestrator) shutdown() {
	o.logger.Info().Msg("Stopping orchestrator")
	o.loops.Wait()

	o.stateMu.Lock()
	o.running = false
	o.stateMu.Unlock()

	o.bus.PublishExecutorStatus(o.opts.ExecutorID, "offline", o.activeCount(), o.lifecycle.Count())
	o.writes.Wait()
	o.reporter.Wait()
	o.bus.Wait()
	if err := o.broker.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close broker connection")
	}
	o.logger.Info().Msg("Orchestrator stopped")
}

// cycleLoop re-arms its timer only after a cycle ends so cycles never
// overlap.
func (o *Orchestrator) cycleLoop(ctx context.Context) {
	defer o.loops.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			o.RunCycle(ctx)
			timer.Reset(o.opts.TickInterval)
		}
	}
}

func (o *Orchestrator) commandLoop(ctx context.Context) {
	defer o.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.queue.C():
			res := o.Handle(ctx, cmd)
			o.bus.PublishCommandResult(res.CommandID, res.Command, res.Success, res.Error)
			if !res.Success {
				o.logger.Warn().Str("command_id", cmd.ID).Str("command", cmd.Command).Str("error", res.Error).Msg("Command dropped")
			}
		}
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	defer o.loops.Done()

	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.heartbeat(ctx)
		}
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	active, open := o.activeCount(), o.lifecycle.Count()
	if o.reporter.Enabled() {
		hctx, cancel := context.WithTimeout(ctx, o.opts.BrokerTimeout*2)
		err := o.reporter.SendHeartbeat(hctx, platform.Heartbeat{
			Status:           "active",
			ActiveStrategies: active,
			OpenPositions:    open,
			Timestamp:        o.now().UTC(),
		})
		cancel()
		if err != nil {
			o.logger.Debug().Err(err).Msg("Heartbeat failed")
		}
	}
	if o.statusCache != nil && o.statusKey != "" {
		if err := o.statusCache.SetJSON(ctx, o.statusKey, o.Status(), 3*o.opts.HeartbeatInterval); err != nil {
			o.logger.Debug().Err(err).Msg("Failed to mirror status")
		}
	}
}

// StartStrategy activates cfg. A running id is rejected; a stopped one is
// replaced.
func (o *Orchestrator) StartStrategy(ctx context.Context, cfg strategy.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if _, ok := o.active[cfg.ID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, cfg.ID)
	}
	o.active[cfg.ID] = &ActiveStrategy{
		Config:    cfg,
		Status:    strategy.StatusActive,
		StartedAt: o.now().UTC(),
	}
	count := len(o.active)
	o.mu.Unlock()

	if unknown := cfg.UnknownIndicators(); len(unknown) > 0 {
		o.logger.Warn().Str("strategy_id", cfg.ID).Strs("indicators", unknown).Msg("Strategy references unknown indicators; those conditions never pass")
	}
	o.logger.Info().
		Str("strategy_id", cfg.ID).
		Str("symbol", cfg.Symbol).
		Str("timeframe", cfg.Timeframe).
		Str("logic", cfg.Rules.Entry.Logic).
		Int("conditions", len(cfg.Rules.Entry.Conditions)).
		Msg("Strategy started")

	metrics.SetActiveStrategies(count)
	o.bus.PublishStrategyStatus(cfg.ID, strategy.StatusActive, "Strategy started")
	o.persist(func(ctx context.Context) error {
		return o.store.SaveStrategy(ctx, cfg, strategy.StatusActive)
	})
	return nil
}

// StopStrategy deactivates a strategy. Its open positions stay managed
// until they close.
func (o *Orchestrator) StopStrategy(ctx context.Context, id string) error {
	o.mu.Lock()
	if _, ok := o.active[id]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	delete(o.active, id)
	count := len(o.active)
	o.mu.Unlock()

	o.logger.Info().Str("strategy_id", id).Msg("Strategy stopped")
	metrics.SetActiveStrategies(count)
	o.bus.PublishStrategyStatus(id, strategy.StatusStopped, "Strategy stopped")
	o.persist(func(ctx context.Context) error {
		return o.store.UpdateStrategyStatus(ctx, id, strategy.StatusStopped)
	})
	return nil
}

// Restore reactivates the strategies the store marks active, then the
// ones the platform assigns to this executor. Failures are logged.
func (o *Orchestrator) Restore(ctx context.Context) int {
	restored := 0
	records, err := o.store.ListStrategies(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to load stored strategies")
	}
	for _, rec := range records {
		if rec.Status != strategy.StatusActive {
			continue
		}
		if err := o.StartStrategy(ctx, rec.Config); err == nil {
			restored++
		}
	}

	if o.reporter.Enabled() {
		raw, err := o.reporter.ActiveStrategies(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Failed to fetch active strategies from platform")
		}
		for _, r := range raw {
			cfg, err := strategy.Parse(r)
			if err != nil {
				o.logger.Warn().Err(err).Msg("Skipping invalid platform strategy")
				continue
			}
			if err := o.StartStrategy(ctx, cfg); err == nil {
				restored++
			}
		}
	}
	if restored > 0 {
		o.logger.Info().Int("count", restored).Msg("Restored active strategies")
	}
	return restored
}

// ActiveStrategies lists the running strategies ordered by id.
func (o *Orchestrator) ActiveStrategies() []strategy.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]strategy.Status, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, a.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Strategy returns a copy of one active strategy record.
func (o *Orchestrator) Strategy(id string) (ActiveStrategy, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[id]
	if !ok {
		return ActiveStrategy{}, false
	}
	return *a, true
}

// Positions returns the managed open positions.
func (o *Orchestrator) Positions() []exits.TrackedPosition {
	return o.lifecycle.Snapshot()
}

// DailyStats returns today's risk counters.
func (o *Orchestrator) DailyStats() risk.DailyStats {
	return o.guard.DailyStats()
}

// Status returns the executor-wide view.
func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	state, started := "stopped", o.startedAt
	if o.running {
		state = "running"
	}
	o.stateMu.RUnlock()

	return Status{
		ExecutorID:       o.opts.ExecutorID,
		State:            state,
		StartedAt:        started,
		ActiveStrategies: o.ActiveStrategies(),
		OpenPositions:    o.lifecycle.Count(),
		Daily:            o.guard.DailyStats(),
		Breaker:          o.breaker.Stats(),
		AdvisoryMode:     o.gate.Mode(),
	}
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// persist runs a store write in the background. Writes outlive the cycle
// and are drained on shutdown.
func (o *Orchestrator) persist(fn func(ctx context.Context) error) {
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Persistence write failed")
		}
	}()
}

// recordEvent appends to the system event log in the background.
func (o *Orchestrator) recordEvent(eventType, message string, data map[string]any) {
	e := database.SystemEvent{
		EventType: eventType,
		Source:    "orchestrator",
		Message:   message,
		Data:      data,
		Timestamp: o.now().UTC(),
	}
	o.persist(func(ctx context.Context) error {
		return o.store.RecordEvent(ctx, e)
	})
}
