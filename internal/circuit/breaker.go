package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-executor/internal/events"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"    // trading allowed
	StateOpen     State = "open"      // all strategies halted
	StateHalfOpen State = "half_open" // cooldown over, waiting for a winner
)

// Config holds executor-wide halt thresholds. Loss limits are percentages
// of the balance at the time each trade closed.
type Config struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour" yaml:"max_loss_per_hour"`
	MaxDailyLoss         float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	CooldownMinutes      int     `json:"cooldown_minutes" yaml:"cooldown_minutes"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxLossPerHour:       3.0,
		MaxDailyLoss:         5.0,
		CooldownMinutes:      30,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	HourlyLoss        float64   `json:"hourly_loss"`
	DailyLoss         float64   `json:"daily_loss"`
	TripReason        string    `json:"trip_reason,omitempty"`
	LastTripTime      time.Time `json:"last_trip_time,omitempty"`
}

// Breaker halts new entries across every strategy after a run of losses.
// Once tripped it stays open for the cooldown, then turns half-open; one
// winning trade closes it again.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	hourStart         time.Time
	day               string
	lastTrip          time.Time
	tripReason        string

	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBreaker creates a breaker. publisher may be nil.
func NewBreaker(cfg Config, publisher events.Publisher, logger zerolog.Logger) *Breaker {
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = DefaultConfig().CooldownMinutes
	}
	b := &Breaker{
		cfg:       cfg,
		state:     StateClosed,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	b.hourStart = b.now()
	b.day = b.hourStart.UTC().Format("2006-01-02")
	return b
}

// CanTrade reports whether new positions may be opened.
func (b *Breaker) CanTrade() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindows()

	if b.state == StateOpen {
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		elapsed := b.now().Sub(b.lastTrip)
		if elapsed < cooldown {
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				(cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.logger.Info().Msg("Circuit breaker half-open")
	}
	return true, ""
}

// RecordTrade books a closed trade. balance is the account balance used to
// express the loss as a percentage.
func (b *Breaker) RecordTrade(profit, balance float64) {
	if !b.cfg.Enabled || math.IsNaN(profit) || math.IsInf(profit, 0) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindows()

	if profit >= 0 {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			b.logger.Info().Msg("Circuit breaker closed after winning trade")
		}
		return
	}

	b.consecutiveLosses++
	if balance > 0 {
		pct := -profit / balance * 100
		b.hourlyLoss += pct
		b.dailyLoss += pct
	}

	if b.state == StateOpen {
		return
	}
	var reason string
	switch {
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	case b.cfg.MaxLossPerHour > 0 && b.hourlyLoss >= b.cfg.MaxLossPerHour:
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	case b.cfg.MaxDailyLoss > 0 && b.dailyLoss >= b.cfg.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	case b.state == StateHalfOpen:
		reason = "loss during half-open"
	}
	if reason != "" {
		b.trip(reason)
	}
}

// trip opens the breaker. Callers hold b.mu.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.lastTrip = b.now()
	b.tripReason = reason

	b.logger.Warn().
		Str("reason", reason).
		Int("consecutive_losses", b.consecutiveLosses).
		Float64("hourly_loss", b.hourlyLoss).
		Float64("daily_loss", b.dailyLoss).
		Msg("Circuit breaker tripped")

	if b.publisher != nil {
		b.publisher.Publish(events.Event{
			Type: events.EventError,
			Data: map[string]interface{}{
				"source":             "circuit_breaker",
				"message":            "trading halted: " + reason,
				"state":              string(StateOpen),
				"consecutive_losses": b.consecutiveLosses,
				"cooldown_minutes":   b.cfg.CooldownMinutes,
			},
		})
	}
}

// rollWindows resets the hourly and daily loss windows. Callers hold b.mu.
func (b *Breaker) rollWindows() {
	now := b.now()
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourlyLoss = 0
		b.hourStart = now
	}
	if day := now.UTC().Format("2006-01-02"); day != b.day {
		b.dailyLoss = 0
		b.day = day
	}
}

// Reset closes the breaker manually.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.logger.Info().Msg("Circuit breaker reset")
}

// State returns the current state without advancing the cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		HourlyLoss:        b.hourlyLoss,
		DailyLoss:         b.dailyLoss,
		TripReason:        b.tripReason,
		LastTripTime:      b.lastTrip,
	}
}
