package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// confirmation is one entry of the alternative primary/confirmation shape.
type confirmation struct {
	Timeframe string    `json:"timeframe"`
	Required  bool      `json:"required"`
	Condition Condition `json:"condition"`
}

type entryAlias Entry

// UnmarshalJSON accepts both `conditions[]` and the
// `primary[] + confirmation[{timeframe, required, condition}]` shape. The
// latter is folded into conditions tagged with timeframe and required.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		entryAlias
		Primary      []Condition    `json:"primary"`
		Confirmation []confirmation `json:"confirmation"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	*e = Entry(raw.entryAlias)
	if len(e.Conditions) == 0 && (len(raw.Primary) > 0 || len(raw.Confirmation) > 0) {
		e.Conditions = append(e.Conditions, raw.Primary...)
		for _, c := range raw.Confirmation {
			cond := c.Condition
			if c.Timeframe != "" {
				cond.Timeframe = strings.ToUpper(c.Timeframe)
			}
			cond.Required = cond.Required || c.Required
			e.Conditions = append(e.Conditions, cond)
		}
	}
	return nil
}

type dynamicRiskAlias DynamicRisk

// UnmarshalJSON also accepts the long key names minLotSize, maxLotSize,
// accountRiskPercentage and baseLotSize. The short keys win when both are
// present.
func (d *DynamicRisk) UnmarshalJSON(data []byte) error {
	var raw struct {
		dynamicRiskAlias
		MinLotSize            float64 `json:"minLotSize"`
		MaxLotSize            float64 `json:"maxLotSize"`
		AccountRiskPercentage float64 `json:"accountRiskPercentage"`
		BaseLotSize           float64 `json:"baseLotSize"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("dynamicRisk: %w", err)
	}
	*d = DynamicRisk(raw.dynamicRiskAlias)
	if d.MinLot == 0 {
		d.MinLot = raw.MinLotSize
	}
	if d.MaxLot == 0 {
		d.MaxLot = raw.MaxLotSize
	}
	if d.AccountRisk == 0 {
		d.AccountRisk = raw.AccountRiskPercentage
	}
	if d.BaseLot == 0 {
		d.BaseLot = raw.BaseLotSize
	}
	return nil
}

// Normalize fills defaults that do not depend on account state and
// canonicalises enumerations.
func (r *Rules) Normalize() error {
	r.Entry.Logic = strings.ToUpper(strings.TrimSpace(r.Entry.Logic))
	if r.Entry.Logic == "" {
		r.Entry.Logic = LogicAND
	}
	r.Entry.Direction = strings.ToUpper(strings.TrimSpace(r.Entry.Direction))

	for i := range r.Entry.Conditions {
		c := &r.Entry.Conditions[i]
		c.Indicator = strings.ToLower(strings.TrimSpace(c.Indicator))
		c.Comparator = CanonicalComparator(c.Comparator)
		c.Timeframe = strings.ToUpper(c.Timeframe)
		if c.Indicator == "" {
			return fmt.Errorf("%w: condition %d has no indicator", ErrInvalidStrategy, i)
		}
	}

	if sl := r.Exit.StopLoss; sl != nil {
		sl.Type = strings.ToLower(sl.Type)
	}
	if tp := r.Exit.TakeProfit; tp != nil {
		tp.Type = strings.ToLower(tp.Type)
	}
	if dr := r.DynamicRisk; dr != nil {
		dr.Method = strings.ToLower(dr.Method)
	}
	if sf := r.SpreadFilter; sf != nil {
		sf.Action = strings.ToUpper(sf.Action)
	}
	if cf := r.CorrelationFilter; cf != nil {
		cf.Action = strings.ToLower(cf.Action)
		cf.Timeframe = strings.ToUpper(cf.Timeframe)
	}
	if vf := r.VolatilityFilter; vf != nil && vf.Action != nil {
		vf.Action.BelowMin = strings.ToUpper(vf.Action.BelowMin)
		vf.Action.AboveMax = strings.ToUpper(vf.Action.AboveMax)
		vf.Action.InOptimal = strings.ToUpper(vf.Action.InOptimal)
	}
	if mf := r.MTFFilter; mf != nil {
		for i, tf := range mf.HigherTimeframes {
			mf.HigherTimeframes[i] = strings.ToUpper(tf)
		}
	}
	return nil
}
