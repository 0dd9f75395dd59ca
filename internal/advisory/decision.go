// Package advisory consults an external supervisor before an entry. The
// supervisor can be ignored, observed or obeyed, and its unavailability
// never blocks the executor in observe mode.
package advisory

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrUnavailable marks a supervisor that could not be reached or answered
// with something unusable.
var ErrUnavailable = errors.New("advisory service unavailable")

// Decision actions.
const (
	ActionAllow               = "allow"
	ActionDeny                = "deny"
	ActionRequireConfirmation = "require_confirmation"
)

// Gate modes.
const (
	ModeOff     = "off"
	ModeObserve = "observe"
	ModeEnforce = "enforce"
)

// RiskUnavailable tags decisions made without the supervisor.
const RiskUnavailable = "advisory_unavailable"

const observeSuggestion = "Supervisor recommended caution; running in observe mode"

// Decision is the supervisor's verdict on one proposed entry.
type Decision struct {
	Action      string   `json:"action"`
	Reason      string   `json:"reason,omitempty"`
	Risks       []string `json:"risks,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	TTLMs       int64    `json:"ttlMs,omitempty"`
	Cached      bool     `json:"cached,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}

// TTL is how long the decision may be reused.
func (d Decision) TTL() time.Duration {
	if d.TTLMs <= 0 {
		return 0
	}
	return time.Duration(d.TTLMs) * time.Millisecond
}

// Allowed reports whether the entry may proceed without confirmation.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

func (d Decision) clone() Decision {
	d.Risks = append([]string(nil), d.Risks...)
	d.Suggestions = append([]string(nil), d.Suggestions...)
	if d.Score != nil {
		s := *d.Score
		d.Score = &s
	}
	return d
}

// clampScore bounds a reported score to [0, 1].
func clampScore(s *float64) *float64 {
	if s == nil || math.IsNaN(*s) {
		return nil
	}
	v := math.Max(0, math.Min(*s, 1))
	return &v
}

func normalizeAction(a string) string {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case ActionAllow:
		return ActionAllow
	case ActionDeny:
		return ActionDeny
	case ActionRequireConfirmation, "confirm":
		return ActionRequireConfirmation
	}
	return ""
}

// Context describes the proposed entry sent to the supervisor.
type Context struct {
	Phase             string            `json:"phase"`
	Symbol            string            `json:"symbol"`
	Timeframe         string            `json:"timeframe"`
	ProposedAction    string            `json:"proposed_action"`
	Risk              RiskContext       `json:"risk"`
	Filters           FilterContext     `json:"filters"`
	ML                MLContext         `json:"ml"`
	PositionsSnapshot PositionsSnapshot `json:"positions_snapshot"`
}

type RiskContext struct {
	Lot          float64 `json:"lot"`
	SLPips       float64 `json:"sl_pips"`
	TPPips       float64 `json:"tp_pips"`
	DailyLossPct float64 `json:"daily_loss_pct"`
}

type FilterContext struct {
	Spread float64 `json:"spread"`
	ATR    float64 `json:"atr"`
}

type MLContext struct {
	SignalScore float64 `json:"signal_score"`
	Regime      string  `json:"regime,omitempty"`
	Anomaly     bool    `json:"anomaly"`
}

type PositionsSnapshot struct {
	Count int `json:"count"`
}

// Key identifies equivalent proposals for caching.
func (c Context) Key() string {
	return strings.Join([]string{
		c.Symbol,
		c.Timeframe,
		c.ProposedAction,
		formatKeyNumber(c.Risk.SLPips),
		formatKeyNumber(c.Risk.TPPips),
		formatKeyNumber(c.Filters.Spread),
		formatKeyNumber(c.ML.SignalScore),
	}, "|")
}

func formatKeyNumber(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
