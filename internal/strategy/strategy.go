package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"strategy-executor/internal/indicators"
	"strategy-executor/internal/market"
)

// ErrInvalidStrategy marks a strategy definition that cannot be activated.
var ErrInvalidStrategy = errors.New("invalid strategy")

// Config is an immutable strategy definition. Once activated it is never
// mutated; replacing one requires a stop and a start.
type Config struct {
	ID        string         `json:"strategyId"`
	Name      string         `json:"strategyName"`
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Rules     Rules          `json:"rules"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// Status values for an active strategy.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// Status is the externally visible view of one active strategy.
type Status struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	LastCheck   time.Time `json:"last_check,omitempty"`
	TradesCount int       `json:"trades_count"`
}

// baseIndicators are always collected on the primary timeframe.
var baseIndicators = []string{"price", "atr", "rsi", "macd", "macd_signal", "ema_50"}

// Parse decodes a strategy definition, normalises its rule tree and validates it.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	if err := cfg.Rules.Normalize(); err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromParameters builds a Config from a command's parameter map.
func FromParameters(params map[string]any) (Config, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	return Parse(data)
}

// Normalize canonicalises the top-level fields.
func (c *Config) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Timeframe = strings.ToUpper(strings.TrimSpace(c.Timeframe))
	if c.Name == "" {
		c.Name = c.ID
	}
	c.Rules.Entry.Logic = strings.ToUpper(c.Rules.Entry.Logic)
	if c.Rules.Entry.Logic == "" {
		c.Rules.Entry.Logic = LogicAND
	}
}

// Validate checks the fields the orchestrator depends on.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing strategyId", ErrInvalidStrategy)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidStrategy)
	}
	if !market.ValidTimeframe(c.Timeframe) {
		return fmt.Errorf("%w: unknown timeframe %q", ErrInvalidStrategy, c.Timeframe)
	}
	switch c.Rules.Entry.Logic {
	case LogicAND, LogicOR:
	default:
		return fmt.Errorf("%w: entry logic %q", ErrInvalidStrategy, c.Rules.Entry.Logic)
	}
	for i, cond := range c.Rules.Entry.Conditions {
		if cond.Timeframe != "" && !market.ValidTimeframe(cond.Timeframe) {
			return fmt.Errorf("%w: condition %d: unknown timeframe %q", ErrInvalidStrategy, i, cond.Timeframe)
		}
		if cond.Comparator == InRange || cond.Comparator == OutsideRange {
			if len(cond.Value.Range) != 2 {
				return fmt.Errorf("%w: condition %d: %s needs a two-element range", ErrInvalidStrategy, i, cond.Comparator)
			}
		}
	}
	if pe := c.Rules.Exit.PartialExits; pe != nil && pe.Enabled {
		for i, l := range pe.Levels {
			if l.Percentage <= 0 || l.Percentage > 100 {
				return fmt.Errorf("%w: partial exit %d: percentage %.2f outside (0, 100]", ErrInvalidStrategy, i, l.Percentage)
			}
		}
	}
	return nil
}

// Direction returns the fixed entry side, or false when it is derived
// from price action.
func (c Config) Direction() (market.Side, bool) {
	side, err := market.ParseSide(c.Rules.Entry.Direction)
	if err != nil {
		return "", false
	}
	return side, true
}

// RequiredIndicators returns the indicator names to collect per timeframe.
// The primary timeframe always carries the base set.
func (c Config) RequiredIndicators() map[string][]string {
	sets := map[string]map[string]struct{}{
		c.Timeframe: {},
	}
	for _, n := range baseIndicators {
		sets[c.Timeframe][n] = struct{}{}
	}
	for _, cond := range c.Rules.Entry.Conditions {
		tf := cond.Timeframe
		if tf == "" {
			tf = c.Timeframe
		}
		if _, ok := sets[tf]; !ok {
			sets[tf] = map[string]struct{}{"price": {}, "atr": {}}
		}
		if cond.Indicator != "" {
			sets[tf][strings.ToLower(cond.Indicator)] = struct{}{}
		}
		if cond.Value.Indicator != "" {
			sets[tf][strings.ToLower(cond.Value.Indicator)] = struct{}{}
		}
	}
	out := make(map[string][]string, len(sets))
	for tf, names := range sets {
		list := make([]string, 0, len(names))
		for n := range names {
			list = append(list, n)
		}
		sort.Strings(list)
		out[tf] = list
	}
	return out
}

// UnknownIndicators lists condition operands the indicator engine cannot compute.
func (c Config) UnknownIndicators() []string {
	var out []string
	for _, names := range c.RequiredIndicators() {
		for _, n := range names {
			if !indicators.IsKnown(n) {
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Status builds the status view.
func (c Config) Status(status string, startedAt, lastCheck time.Time, trades int) Status {
	return Status{
		ID:          c.ID,
		Name:        c.Name,
		Symbol:      c.Symbol,
		Timeframe:   c.Timeframe,
		Status:      status,
		StartedAt:   startedAt,
		LastCheck:   lastCheck,
		TradesCount: trades,
	}
}
