package patterns

import (
	"math"

	"strategy-executor/internal/market"
)

func body(c market.Candle) float64      { return math.Abs(c.Close - c.Open) }
func upperWick(c market.Candle) float64 { return c.High - math.Max(c.Open, c.Close) }
func lowerWick(c market.Candle) float64 { return math.Min(c.Open, c.Close) - c.Low }
func bullish(c market.Candle) bool      { return c.Close > c.Open }
func bearish(c market.Candle) bool      { return c.Close < c.Open }

// long reports a body covering at least 60% of the range.
func long(c market.Candle) bool {
	return body(c) >= (c.High-c.Low)*0.6
}

func isMorningStar(c1, c2, c3 market.Candle) bool {
	if !bearish(c1) || !long(c1) {
		return false
	}
	if body(c2) > body(c1)*0.4 {
		return false
	}
	if !bullish(c3) || !long(c3) {
		return false
	}
	return c3.Close >= (c1.Open+c1.Close)/2
}

func isEveningStar(c1, c2, c3 market.Candle) bool {
	if !bullish(c1) || !long(c1) {
		return false
	}
	if body(c2) > body(c1)*0.4 {
		return false
	}
	if !bearish(c3) || !long(c3) {
		return false
	}
	return c3.Close <= (c1.Open+c1.Close)/2
}

// hammer shape: lower wick at least twice the body, little upper wick.
func hammerShape(c market.Candle) bool {
	b := body(c)
	return lowerWick(c) >= b*2 && upperWick(c) <= b*0.3 && b > 0
}

func isHammer(c, prev market.Candle) bool {
	return hammerShape(c) && bearish(prev)
}

func isHangingMan(c, prev market.Candle) bool {
	return hammerShape(c) && bullish(prev)
}

func isShootingStar(c, prev market.Candle) bool {
	b := body(c)
	if b == 0 || upperWick(c) < b*2 || lowerWick(c) > b*0.3 {
		return false
	}
	return bullish(prev)
}

// Engulfing bodies must cover the previous body completely.
func isBullishEngulfing(c1, c2 market.Candle) bool {
	return bearish(c1) && bullish(c2) && c2.Open <= c1.Close && c2.Close >= c1.Open
}

func isBearishEngulfing(c1, c2 market.Candle) bool {
	return bullish(c1) && bearish(c2) && c2.Open >= c1.Close && c2.Close <= c1.Open
}

func isBullishHarami(c1, c2 market.Candle) bool {
	if !bearish(c1) || !long(c1) || !bullish(c2) {
		return false
	}
	if c2.Open < c1.Close || c2.Close > c1.Open {
		return false
	}
	return body(c2) <= body(c1)*0.5
}

func isBearishHarami(c1, c2 market.Candle) bool {
	if !bullish(c1) || !long(c1) || !bearish(c2) {
		return false
	}
	if c2.Open > c1.Close || c2.Close < c1.Open {
		return false
	}
	return body(c2) <= body(c1)*0.5
}

// isDoji: body under 10% of the range.
func isDoji(c market.Candle) bool {
	r := c.High - c.Low
	return r > 0 && body(c)/r < 0.10
}

func isDragonflyDoji(c market.Candle) bool {
	r := c.High - c.Low
	return isDoji(c) && lowerWick(c) >= r*0.7 && upperWick(c) <= r*0.1
}

func isGravestoneDoji(c market.Candle) bool {
	r := c.High - c.Low
	return isDoji(c) && upperWick(c) >= r*0.7 && lowerWick(c) <= r*0.1
}
