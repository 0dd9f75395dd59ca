// Package patterns detects candlestick reversal patterns. Matches are
// exposed to the rule engine as signed per-bar series: positive for
// bullish, negative for bearish, magnitude is the confidence.
package patterns

import (
	"strings"
	"time"

	"strategy-executor/internal/market"
)

// Type names a candlestick pattern.
type Type string

const (
	MorningStar      Type = "morning_star"
	EveningStar      Type = "evening_star"
	ShootingStar     Type = "shooting_star"
	Hammer           Type = "hammer"
	HangingMan       Type = "hanging_man"
	BullishEngulfing Type = "bullish_engulfing"
	BearishEngulfing Type = "bearish_engulfing"
	Doji             Type = "doji"
	DragonflyDoji    Type = "dragonfly_doji"
	GravestoneDoji   Type = "gravestone_doji"
	BullishHarami    Type = "bullish_harami"
	BearishHarami    Type = "bearish_harami"
)

// Directions.
const (
	Bullish = "bullish"
	Bearish = "bearish"
	Neutral = "neutral"
)

// IndicatorPrefix marks pattern series in indicator names, as in
// "pattern_bullish_engulfing". "pattern_score" is the net of all patterns.
const IndicatorPrefix = "pattern_"

// ScoreName is the net signed confidence of every pattern on a bar.
const ScoreName = "score"

// Match is one detected pattern ending at Index.
type Match struct {
	Type       Type      `json:"type"`
	Index      int       `json:"index"`
	Time       time.Time `json:"time"`
	Confidence float64   `json:"confidence"`
	Direction  string    `json:"direction"`
}

// Signed is the confidence carrying the direction's sign.
func (m Match) Signed() float64 {
	switch m.Direction {
	case Bullish:
		return m.Confidence
	case Bearish:
		return -m.Confidence
	}
	return 0
}

type rule struct {
	typ       Type
	bars      int
	direction string
	match     func(c []market.Candle) bool
	conf      func(c []market.Candle) float64
}

func fixed(v float64) func([]market.Candle) float64 {
	return func([]market.Candle) float64 { return v }
}

// starConfidence rewards a third candle larger than the first.
func starConfidence(c []market.Candle) float64 {
	if body(c[2]) > body(c[0])*1.2 {
		return 0.8
	}
	return 0.7
}

// rules receive the last `bars` candles, oldest first.
var rules = []rule{
	{MorningStar, 3, Bullish, func(c []market.Candle) bool { return isMorningStar(c[0], c[1], c[2]) }, starConfidence},
	{EveningStar, 3, Bearish, func(c []market.Candle) bool { return isEveningStar(c[0], c[1], c[2]) }, starConfidence},
	{BullishEngulfing, 2, Bullish, func(c []market.Candle) bool { return isBullishEngulfing(c[0], c[1]) }, fixed(0.75)},
	{BearishEngulfing, 2, Bearish, func(c []market.Candle) bool { return isBearishEngulfing(c[0], c[1]) }, fixed(0.75)},
	{BullishHarami, 2, Bullish, func(c []market.Candle) bool { return isBullishHarami(c[0], c[1]) }, fixed(0.68)},
	{BearishHarami, 2, Bearish, func(c []market.Candle) bool { return isBearishHarami(c[0], c[1]) }, fixed(0.68)},
	{Hammer, 2, Bullish, func(c []market.Candle) bool { return isHammer(c[1], c[0]) }, fixed(0.65)},
	{HangingMan, 2, Bearish, func(c []market.Candle) bool { return isHangingMan(c[1], c[0]) }, fixed(0.6)},
	{ShootingStar, 2, Bearish, func(c []market.Candle) bool { return isShootingStar(c[1], c[0]) }, fixed(0.65)},
	{DragonflyDoji, 1, Bullish, func(c []market.Candle) bool { return isDragonflyDoji(c[0]) }, fixed(0.62)},
	{GravestoneDoji, 1, Bearish, func(c []market.Candle) bool { return isGravestoneDoji(c[0]) }, fixed(0.62)},
	{Doji, 1, Neutral, func(c []market.Candle) bool {
		return isDoji(c[0]) && !isDragonflyDoji(c[0]) && !isGravestoneDoji(c[0])
	}, fixed(0.5)},
}

// Known reports whether name (without the prefix) is a pattern or the
// net score.
func Known(name string) bool {
	if name == ScoreName {
		return true
	}
	for _, r := range rules {
		if string(r.typ) == name {
			return true
		}
	}
	return false
}

// At returns the patterns completing on bar i.
func At(candles []market.Candle, i int) []Match {
	var out []Match
	for _, r := range rules {
		if i+1 < r.bars || i >= len(candles) {
			continue
		}
		window := candles[i+1-r.bars : i+1]
		if !r.match(window) {
			continue
		}
		out = append(out, Match{
			Type:       r.typ,
			Index:      i,
			Time:       candles[i].Time,
			Confidence: r.conf(window),
			Direction:  r.direction,
		})
	}
	return out
}

// Detect scans every bar.
func Detect(candles []market.Candle) []Match {
	var out []Match
	for i := range candles {
		out = append(out, At(candles, i)...)
	}
	return out
}

// Series returns the signed confidence of name on every bar, zero where
// it does not occur. name is a pattern type or ScoreName.
func Series(candles []market.Candle, name string) []float64 {
	name = strings.TrimPrefix(name, IndicatorPrefix)
	out := make([]float64, len(candles))
	for i := range candles {
		for _, m := range At(candles, i) {
			if name == ScoreName {
				out[i] += m.Signed()
			} else if string(m.Type) == name {
				out[i] = m.Signed()
				if m.Direction == Neutral {
					out[i] = m.Confidence
				}
			}
		}
	}
	return out
}
