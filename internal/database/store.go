// Package database persists strategies, the trade log and system events.
// Writes from the orchestrator are fire-and-forget; a slow or failing
// store never delays a trading cycle.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/config"
	"strategy-executor/internal/strategy"
)

// ErrNotFound is returned for an unknown strategy id or ticket.
var ErrNotFound = errors.New("record not found")

// Trade statuses.
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// StrategyRecord is a stored strategy definition.
type StrategyRecord struct {
	Config    strategy.Config `json:"config"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TradeRecord is one row of the trade log keyed by ticket.
type TradeRecord struct {
	Ticket     int64          `json:"ticket" csv:"ticket"`
	StrategyID string         `json:"strategy_id" csv:"strategy_id"`
	Symbol     string         `json:"symbol" csv:"symbol"`
	Side       string         `json:"side" csv:"side"`
	Volume     float64        `json:"volume" csv:"volume"`
	OpenPrice  float64        `json:"open_price" csv:"open_price"`
	ClosePrice *float64       `json:"close_price,omitempty" csv:"close_price"`
	StopLoss   float64        `json:"sl" csv:"sl"`
	TakeProfit float64        `json:"tp" csv:"tp"`
	Profit     *float64       `json:"profit,omitempty" csv:"profit"`
	OpenTime   time.Time      `json:"open_time" csv:"open_time"`
	CloseTime  *time.Time     `json:"close_time,omitempty" csv:"close_time"`
	Status     string         `json:"status" csv:"status"`
	Metadata   map[string]any `json:"metadata,omitempty" csv:"-"`
}

// TradeClose is the closing half of a trade record.
type TradeClose struct {
	Ticket     int64
	ClosePrice float64
	Profit     float64
	CloseTime  time.Time
	Reason     string
}

// SystemEvent is one entry in the event log.
type SystemEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store is the persistence surface used by the executor.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	SaveStrategy(ctx context.Context, cfg strategy.Config, status string) error
	UpdateStrategyStatus(ctx context.Context, id, status string) error
	GetStrategy(ctx context.Context, id string) (StrategyRecord, error)
	ListStrategies(ctx context.Context) ([]StrategyRecord, error)

	RecordTradeOpen(ctx context.Context, t TradeRecord) error
	RecordTradeClose(ctx context.Context, c TradeClose) error
	ListTrades(ctx context.Context, limit int) ([]TradeRecord, error)

	RecordEvent(ctx context.Context, e SystemEvent) error
	RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error)

	Close() error
}

// Open connects the configured backend. "none" returns a store that
// accepts and discards every write.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "postgres":
		return NewDB(ctx, cfg, logger)
	case "sqlite":
		return NewSQLite(cfg.Path, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// Nop is the store used when persistence is disabled.
type Nop struct{}

func (Nop) Migrate(context.Context) error                               { return nil }
func (Nop) Ping(context.Context) error                                  { return nil }
func (Nop) SaveStrategy(context.Context, strategy.Config, string) error { return nil }
func (Nop) UpdateStrategyStatus(context.Context, string, string) error  { return nil }
func (Nop) GetStrategy(context.Context, string) (StrategyRecord, error) { return StrategyRecord{}, ErrNotFound }
func (Nop) ListStrategies(context.Context) ([]StrategyRecord, error)    { return nil, nil }
func (Nop) RecordTradeOpen(context.Context, TradeRecord) error          { return nil }
func (Nop) RecordTradeClose(context.Context, TradeClose) error          { return nil }
func (Nop) ListTrades(context.Context, int) ([]TradeRecord, error)      { return nil, nil }
func (Nop) RecordEvent(context.Context, SystemEvent) error              { return nil }
func (Nop) RecentEvents(context.Context, int) ([]SystemEvent, error)    { return nil, nil }
func (Nop) Close() error                                                { return nil }
