package strategy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStrategy = `{
  "strategyId": "s1",
  "strategyName": "EMA pullback",
  "symbol": "eurusd",
  "timeframe": "h1",
  "rules": {
    "entry": {
      "logic": "or",
      "conditions": [
        {"indicator": "RSI", "condition": "<", "value": 30},
        {"indicator": "price", "condition": "crosses_above", "value": "ema_50"},
        {"indicator": "rsi", "condition": "between", "value": [40, 60], "_mtf": {"timeframe": "h4", "required": true}}
      ]
    },
    "exit": {
      "stopLoss": {"type": "ATR", "atrMultiplier": 1.5},
      "takeProfit": {"type": "rr_ratio", "rrRatio": 2},
      "partialExits": {"enabled": true, "levels": [{"percentage": 50, "triggerType": "profit", "profitTarget": {"type": "pips", "value": 20}}]}
    },
    "riskManagement": {"lotSize": 0.1, "maxPositions": 2},
    "spreadFilter": {"enabled": true, "maxSpread": 2, "action": "reduce_size"}
  }
}`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleStrategy))
	require.NoError(t, err)

	assert.Equal(t, "s1", cfg.ID)
	assert.Equal(t, "EURUSD", cfg.Symbol)
	assert.Equal(t, "H1", cfg.Timeframe)
	assert.Equal(t, LogicOR, cfg.Rules.Entry.Logic)
	require.Len(t, cfg.Rules.Entry.Conditions, 3)

	c0 := cfg.Rules.Entry.Conditions[0]
	assert.Equal(t, "rsi", c0.Indicator)
	assert.Equal(t, LessThan, c0.Comparator)
	require.NotNil(t, c0.Value.Number)
	assert.Equal(t, 30.0, *c0.Value.Number)

	c1 := cfg.Rules.Entry.Conditions[1]
	assert.Equal(t, "ema_50", c1.Value.Indicator)

	c2 := cfg.Rules.Entry.Conditions[2]
	assert.Equal(t, InRange, c2.Comparator)
	assert.Equal(t, []float64{40, 60}, c2.Value.Range)
	assert.Equal(t, "H4", c2.Timeframe)
	assert.True(t, c2.Required)

	assert.Equal(t, "atr", cfg.Rules.Exit.StopLoss.Type)
	assert.Equal(t, "REDUCE_SIZE", cfg.Rules.SpreadFilter.Action)
}

func TestParse_PrimaryConfirmationShape(t *testing.T) {
	raw := `{
	  "strategyId": "s2", "symbol": "GBPUSD", "timeframe": "M15",
	  "rules": {"entry": {
	    "primary": [{"indicator": "macd", "condition": "crosses_above", "value": "macd_signal"}],
	    "confirmation": [{"timeframe": "H1", "required": true, "condition": {"indicator": "price", "condition": "greater_than", "value": "ema_50"}}]
	  }}
	}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, cfg.Rules.Entry.Conditions, 2)
	assert.Equal(t, LogicAND, cfg.Rules.Entry.Logic)
	assert.Equal(t, "", cfg.Rules.Entry.Conditions[0].Timeframe)
	assert.Equal(t, "H1", cfg.Rules.Entry.Conditions[1].Timeframe)
	assert.True(t, cfg.Rules.Entry.Conditions[1].Required)
}

func TestParse_DynamicRiskLongKeys(t *testing.T) {
	raw := `{
	  "strategyId": "s3", "symbol": "EURUSD", "timeframe": "H1",
	  "rules": {"dynamicRisk": {
	    "enabled": true, "method": "ATR_BASED",
	    "minLotSize": 0.5, "maxLotSize": 3, "accountRiskPercentage": 2, "baseLotSize": 0.2
	  }}
	}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	dr := cfg.Rules.DynamicRisk
	require.NotNil(t, dr)
	assert.Equal(t, SizingATR, dr.Method)
	assert.Equal(t, 0.5, dr.MinLot)
	assert.Equal(t, 3.0, dr.MaxLot)
	assert.Equal(t, 2.0, dr.AccountRisk)
	assert.Equal(t, 0.2, dr.BaseLot)

	var both DynamicRisk
	require.NoError(t, json.Unmarshal([]byte(`{"minLot": 0.1, "minLotSize": 0.5}`), &both))
	assert.Equal(t, 0.1, both.MinLot)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"symbol":"EURUSD","timeframe":"H1"}`},
		{"missing symbol", `{"strategyId":"x","timeframe":"H1"}`},
		{"bad timeframe", `{"strategyId":"x","symbol":"EURUSD","timeframe":"H2"}`},
		{"bad logic", `{"strategyId":"x","symbol":"EURUSD","timeframe":"H1","rules":{"entry":{"logic":"XOR"}}}`},
		{"short range", `{"strategyId":"x","symbol":"EURUSD","timeframe":"H1","rules":{"entry":{"conditions":[{"indicator":"rsi","condition":"in_range","value":[1]}]}}}`},
		{"bad partial", `{"strategyId":"x","symbol":"EURUSD","timeframe":"H1","rules":{"exit":{"partialExits":{"enabled":true,"levels":[{"percentage":150,"triggerType":"time"}]}}}}`},
		{"no indicator", `{"strategyId":"x","symbol":"EURUSD","timeframe":"H1","rules":{"entry":{"conditions":[{"condition":">","value":1}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidStrategy)
		})
	}
}

func TestConfig_JSONRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleStrategy))
	require.NoError(t, err)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestRequiredIndicators(t *testing.T) {
	cfg, err := Parse([]byte(sampleStrategy))
	require.NoError(t, err)

	req := cfg.RequiredIndicators()
	assert.ElementsMatch(t, []string{"price", "atr", "rsi", "macd", "macd_signal", "ema_50"}, req["H1"])
	assert.ElementsMatch(t, []string{"price", "atr", "rsi"}, req["H4"])
	assert.Empty(t, cfg.UnknownIndicators())
}

func TestDirection(t *testing.T) {
	var cfg Config
	_, ok := cfg.Direction()
	assert.False(t, ok)

	cfg.Rules.Entry.Direction = "SELL"
	side, ok := cfg.Direction()
	assert.True(t, ok)
	assert.Equal(t, "SELL", string(side))
}
