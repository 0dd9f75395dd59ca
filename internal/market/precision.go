package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PipSize returns the value of one pip. Five and three digit quotes carry a
// fractional pip, so a pip is ten points there. Without a point the JPY
// convention is used.
func PipSize(symbol string, info SymbolInfo) float64 {
	if info.Point > 0 {
		if info.Digits == 3 || info.Digits == 5 {
			return info.Point * 10
		}
		return info.Point
	}
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// SpreadPips returns the current spread in pips, preferring the live quote.
func SpreadPips(info SymbolInfo) float64 {
	pip := PipSize(info.Symbol, info)
	if info.Ask > 0 && info.Bid > 0 {
		return (info.Ask - info.Bid) / pip
	}
	if info.Point > 0 {
		return info.Spread * info.Point / pip
	}
	return 0
}

// RoundPrice rounds to the symbol's quoted digits.
func RoundPrice(price float64, digits int) float64 {
	if digits <= 0 {
		digits = 5
	}
	f, _ := decimal.NewFromFloat(price).Round(int32(digits)).Float64()
	return f
}

// NormalizeVolume rounds lots down to the volume step and clamps them to the
// broker's volume limits. A zero step leaves two decimals.
func NormalizeVolume(lots float64, info SymbolInfo) float64 {
	v := decimal.NewFromFloat(lots)
	if info.VolumeStep > 0 {
		step := decimal.NewFromFloat(info.VolumeStep)
		v = v.Div(step).Floor().Mul(step)
	} else {
		v = v.Truncate(2)
	}
	out, _ := v.Float64()
	if info.VolumeMin > 0 && out < info.VolumeMin {
		out = info.VolumeMin
	}
	if info.VolumeMax > 0 && out > info.VolumeMax {
		out = info.VolumeMax
	}
	return out
}

// Currencies splits a forex-style symbol into its currency legs.
// "EURUSD" -> [EUR USD], "XAUUSD.m" -> [XAU USD], "BTCUSD" -> [BTC USD].
func Currencies(symbol string) []string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, ".", ""))
	if len(s) > 6 {
		if idx := strings.Index(s, "USD"); idx > 0 && idx+3 <= len(s) {
			return []string{s[:idx], "USD"}
		}
	}
	switch {
	case len(s) >= 6 && len(s) <= 7:
		return []string{s[:3], s[3:6]}
	case strings.HasSuffix(s, "USD") && len(s) > 3:
		return []string{s[:len(s)-3], "USD"}
	case len(s) >= 3:
		return []string{s[:3]}
	}
	return nil
}

// BaseCurrency is the first leg of the symbol.
func BaseCurrency(symbol string) string {
	legs := Currencies(symbol)
	if len(legs) == 0 {
		return strings.ToUpper(symbol)
	}
	return legs[0]
}

var timeframes = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
	"W1":  7 * 24 * time.Hour,
}

// TimeframeDuration maps a timeframe label such as "M15" or "H1" to its bar length.
func TimeframeDuration(tf string) (time.Duration, error) {
	d, ok := timeframes[strings.ToUpper(tf)]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// ValidTimeframe reports whether tf is a recognised label.
func ValidTimeframe(tf string) bool {
	_, ok := timeframes[strings.ToUpper(tf)]
	return ok
}
