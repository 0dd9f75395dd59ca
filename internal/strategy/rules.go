package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Rules is the typed rule tree of a strategy. Every optional block is a
// pointer; nil means the feature is not configured.
type Rules struct {
	Entry             Entry              `json:"entry"`
	Exit              Exit               `json:"exit"`
	RiskManagement    *RiskManagement    `json:"riskManagement,omitempty"`
	DynamicRisk       *DynamicRisk       `json:"dynamicRisk,omitempty"`
	SessionFilter     *SessionFilter     `json:"sessionFilter,omitempty"`
	SpreadFilter      *SpreadFilter      `json:"spreadFilter,omitempty"`
	VolatilityFilter  *VolatilityFilter  `json:"volatilityFilter,omitempty"`
	CorrelationFilter *CorrelationFilter `json:"correlationFilter,omitempty"`
	NewsFilter        *NewsFilter        `json:"newsFilter,omitempty"`
	RegimeFilter      *RegimeFilter      `json:"regimeFilter,omitempty"`
	MTFFilter         *MTFFilter         `json:"mtfFilter,omitempty"`
}

// Entry logic values.
const (
	LogicAND = "AND"
	LogicOR  = "OR"
)

// Entry describes when a position is opened.
type Entry struct {
	Logic      string      `json:"logic,omitempty"`
	Direction  string      `json:"direction,omitempty"` // BUY, SELL or AUTO
	Conditions []Condition `json:"conditions"`
}

// Comparators understood by the condition evaluator.
const (
	GreaterThan  = "greater_than"
	LessThan     = "less_than"
	Equal        = "equal"
	InRange      = "in_range"
	OutsideRange = "outside_range"
	CrossesAbove = "crosses_above"
	CrossesBelow = "crosses_below"
)

var comparatorAliases = map[string]string{
	">":           GreaterThan,
	"gt":          GreaterThan,
	"above":       GreaterThan,
	"<":           LessThan,
	"lt":          LessThan,
	"below":       LessThan,
	"=":           Equal,
	"==":          Equal,
	"eq":          Equal,
	"equals":      Equal,
	"between":     InRange,
	"cross_above": CrossesAbove,
	"crossover":   CrossesAbove,
	"cross_below": CrossesBelow,
	"crossunder":  CrossesBelow,
	GreaterThan:   GreaterThan,
	LessThan:      LessThan,
	Equal:         Equal,
	InRange:       InRange,
	OutsideRange:  OutsideRange,
	CrossesAbove:  CrossesAbove,
	CrossesBelow:  CrossesBelow,
}

// CanonicalComparator maps aliases to their canonical comparator name.
// Unknown comparators are returned lowercased and unchanged.
func CanonicalComparator(op string) string {
	key := strings.ToLower(strings.TrimSpace(op))
	if c, ok := comparatorAliases[key]; ok {
		return c
	}
	return key
}

// Condition compares an indicator with a literal, a range or another indicator.
type Condition struct {
	Indicator  string  `json:"indicator"`
	Comparator string  `json:"condition"`
	Value      Operand `json:"value"`
	Timeframe  string  `json:"timeframe,omitempty"`
	Required   bool    `json:"required,omitempty"`
}

type conditionAlias Condition

// UnmarshalJSON accepts the nested `_mtf: {timeframe, required}` form and
// the `operator` spelling of the comparator.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		conditionAlias
		Operator string `json:"operator"`
		MTF      *struct {
			Timeframe string `json:"timeframe"`
			Required  bool   `json:"required"`
		} `json:"_mtf"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Condition(raw.conditionAlias)
	if c.Comparator == "" {
		c.Comparator = raw.Operator
	}
	if raw.MTF != nil {
		if c.Timeframe == "" {
			c.Timeframe = raw.MTF.Timeframe
		}
		c.Required = c.Required || raw.MTF.Required
	}
	c.Comparator = CanonicalComparator(c.Comparator)
	c.Timeframe = strings.ToUpper(c.Timeframe)
	return nil
}

// Operand is a condition's right-hand side: a number, a two-number range or
// an indicator reference.
type Operand struct {
	Number    *float64
	Range     []float64
	Indicator string
}

// Num builds a literal operand.
func Num(v float64) Operand { return Operand{Number: &v} }

// Ref builds an indicator operand.
func Ref(name string) Operand { return Operand{Indicator: name} }

// Between builds a range operand.
func Between(lo, hi float64) Operand { return Operand{Range: []float64{lo, hi}} }

// IsZero reports whether no value was supplied.
func (o Operand) IsZero() bool {
	return o.Number == nil && o.Range == nil && o.Indicator == ""
}

func (o Operand) MarshalJSON() ([]byte, error) {
	switch {
	case o.Indicator != "":
		return json.Marshal(o.Indicator)
	case o.Range != nil:
		return json.Marshal(o.Range)
	case o.Number != nil:
		return json.Marshal(*o.Number)
	}
	return []byte("null"), nil
}

func (o *Operand) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*o = Operand{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		o.Indicator = strings.TrimSpace(s)
		return nil
	case '[':
		var r []float64
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("range operand: %w", err)
		}
		o.Range = r
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("operand: %w", err)
	}
	o.Number = &f
	return nil
}

// Exit groups stop, target, trailing and partial-exit configuration.
type Exit struct {
	StopLoss     *StopLoss     `json:"stopLoss,omitempty"`
	TakeProfit   *TakeProfit   `json:"takeProfit,omitempty"`
	Trailing     *Trailing     `json:"trailing,omitempty"`
	PartialExits *PartialExits `json:"partialExits,omitempty"`
}

// StopLoss methods: pips (alias fixed), atr, support, trailing.
type StopLoss struct {
	Type          string  `json:"type"`
	Value         float64 `json:"value,omitempty"`
	ATRPeriod     int     `json:"atrPeriod,omitempty"`
	ATRMultiplier float64 `json:"atrMultiplier,omitempty"`
	Lookback      int     `json:"lookback,omitempty"`
	TrailDistance float64 `json:"trailDistance,omitempty"`
}

// TakeProfit methods: pips (alias fixed), rr_ratio, fibonacci.
type TakeProfit struct {
	Type    string  `json:"type"`
	Value   float64 `json:"value,omitempty"`
	RRRatio float64 `json:"rrRatio,omitempty"`
	Level   float64 `json:"level,omitempty"`
}

// Trailing moves the broker stop behind price once it improves by Step.
type Trailing struct {
	Enabled    bool    `json:"enabled"`
	Distance   float64 `json:"distance,omitempty"`   // pips
	Step       float64 `json:"step,omitempty"`       // pips
	Activation float64 `json:"activation,omitempty"` // pips in profit before trailing starts
}

// PartialExits is a ladder of scale-out levels.
type PartialExits struct {
	Enabled bool                `json:"enabled"`
	Levels  []PartialExitConfig `json:"levels"`
}

// PartialExitConfig is one ladder level before it is armed.
type PartialExitConfig struct {
	Name                string          `json:"name,omitempty"`
	Percentage          float64         `json:"percentage"`
	TriggerType         string          `json:"triggerType"`
	TriggerValue        float64         `json:"triggerValue,omitempty"`
	Priority            int             `json:"priority,omitempty"`
	MoveStopToBreakeven bool            `json:"moveStopToBreakeven,omitempty"`
	ProfitTarget        *ProfitTarget   `json:"profitTarget,omitempty"`
	TimeTarget          *TimeTarget     `json:"timeTarget,omitempty"`
	TrailingTarget      *TrailingTarget `json:"trailingTarget,omitempty"`
	RegimeTarget        *RegimeTarget   `json:"regimeTarget,omitempty"`
}

// ProfitTarget: pips, percentage or rr_ratio.
type ProfitTarget struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

type TimeTarget struct {
	Minutes float64 `json:"minutes"`
}

type TrailingTarget struct {
	Distance float64 `json:"distance"`
}

type RegimeTarget struct {
	Regime        string  `json:"regime"`
	MinConfidence float64 `json:"minConfidence,omitempty"`
}

// RiskManagement holds fixed sizing and the per-strategy caps.
type RiskManagement struct {
	LotSize               float64           `json:"lotSize,omitempty"`
	RiskPercentage        float64           `json:"riskPercentage,omitempty"`
	PipValue              float64           `json:"pipValue,omitempty"`
	StopLossPips          float64           `json:"stopLossPips,omitempty"`
	MinLot                float64           `json:"minLot,omitempty"`
	MaxLot                float64           `json:"maxLot,omitempty"`
	MaxPositions          int               `json:"maxPositions,omitempty"`
	MaxPositionsPerSymbol int               `json:"maxPositionsPerSymbol,omitempty"`
	MaxDailyTrades        int               `json:"maxDailyTrades,omitempty"`
	MaxDailyLoss          float64           `json:"maxDailyLoss,omitempty"`
	MaxDrawdown           float64           `json:"maxDrawdown,omitempty"` // percent
	MaxConsecutiveLosses  int               `json:"maxConsecutiveLosses,omitempty"`
	CorrelationCheck      *CorrelationCheck `json:"correlationCheck,omitempty"`
}

// CorrelationCheck caps positions sharing a base currency.
type CorrelationCheck struct {
	Enabled                bool `json:"enabled"`
	MaxCorrelatedPositions int  `json:"maxCorrelatedPositions,omitempty"`
}

// Sizing methods.
const (
	SizingFixed         = "fixed"
	SizingPercentRisk   = "percent_risk"
	SizingKelly         = "kelly_criterion"
	SizingATR           = "atr_based"
	SizingVolatility    = "volatility_based"
	SizingAccountEquity = "account_equity"
)

// DynamicRisk selects a sizing method and its parameters.
type DynamicRisk struct {
	Enabled          bool    `json:"enabled"`
	Method           string  `json:"method"`
	MinLot           float64 `json:"minLot,omitempty"`
	MaxLot           float64 `json:"maxLot,omitempty"`
	ContractValue    float64 `json:"contractValue,omitempty"`
	AccountRisk      float64 `json:"accountRisk,omitempty"` // percent
	ATRMultiplier    float64 `json:"atrMultiplier,omitempty"`
	BaseLot          float64 `json:"baseLot,omitempty"`
	NormalVolatility float64 `json:"normalVolatility,omitempty"`
	EquityPercentage float64 `json:"equityPercentage,omitempty"`
}

// SessionFilter restricts trading to market sessions.
type SessionFilter struct {
	Enabled         bool     `json:"enabled"`
	AllowedSessions []string `json:"allowedSessions"`
	UseOptimalPairs bool     `json:"useOptimalPairs,omitempty"`
}

// SpreadFilter blocks or shrinks entries on wide spreads.
type SpreadFilter struct {
	Enabled      bool    `json:"enabled"`
	MaxSpread    float64 `json:"maxSpread,omitempty"` // pips
	Action       string  `json:"action,omitempty"`    // SKIP or REDUCE_SIZE
	ReduceFactor float64 `json:"reduceFactor,omitempty"`
}

// VolatilityFilter gates on ATR bands.
type VolatilityFilter struct {
	Enabled bool              `json:"enabled"`
	Period  int               `json:"period,omitempty"`
	MinATR  float64           `json:"minATR,omitempty"`
	MaxATR  float64           `json:"maxATR,omitempty"`
	Action  *VolatilityAction `json:"action,omitempty"`
}

// VolatilityAction values are SKIP, PAUSE or NORMAL.
type VolatilityAction struct {
	BelowMin  string `json:"belowMin,omitempty"`
	AboveMax  string `json:"aboveMax,omitempty"`
	InOptimal string `json:"inOptimal,omitempty"`
}

// CorrelationFilter checks the candidate against a watch-list.
type CorrelationFilter struct {
	Enabled      bool     `json:"enabled"`
	Threshold    float64  `json:"threshold,omitempty"`
	Action       string   `json:"action,omitempty"` // skip, reduce, hedge, proceed
	ReduceFactor float64  `json:"reduceFactor,omitempty"`
	Timeframe    string   `json:"timeframe,omitempty"`
	Lookback     int      `json:"lookback,omitempty"`
	Symbols      []string `json:"symbols,omitempty"`
}

// NewsFilter pauses around economic calendar events.
type NewsFilter struct {
	Enabled        bool  `json:"enabled"`
	PauseBefore    int   `json:"pauseBeforeMinutes,omitempty"`
	PauseAfter     int   `json:"pauseAfterMinutes,omitempty"`
	HighImpactOnly *bool `json:"highImpactOnly,omitempty"`
}

// RegimeFilter restricts trading to detected market regimes and can scale
// size, stop and target by regime.
type RegimeFilter struct {
	Enabled        bool     `json:"enabled"`
	AllowedRegimes []string `json:"allowedRegimes,omitempty"`
	MinConfidence  float64  `json:"minConfidence,omitempty"`
	AdjustRisk     bool     `json:"adjustRisk,omitempty"`
}

// MTFFilter requires higher timeframe trend agreement.
type MTFFilter struct {
	Enabled              bool     `json:"enabled"`
	HigherTimeframes     []string `json:"higherTimeframes,omitempty"`
	ConfirmationRequired *bool    `json:"confirmationRequired,omitempty"`
}
