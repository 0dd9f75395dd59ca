package indicators

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"strategy-executor/internal/market"
	"strategy-executor/internal/patterns"
)

var (
	// ErrUnknownIndicator is returned for names the engine does not compute.
	ErrUnknownIndicator = errors.New("unknown indicator")
	// ErrInsufficientData is returned when the candle history is too short
	// for a defined value.
	ErrInsufficientData = errors.New("insufficient data")
)

const (
	DefaultRSIPeriod  = 14
	DefaultATRPeriod  = 14
	DefaultADXPeriod  = 14
	DefaultBBPeriod   = 20
	DefaultBBStdDev   = 2.0
	DefaultStochK     = 14
	DefaultStochD     = 3
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
)

// Snapshot is a lazily computed, named view over one candle history.
// Series are computed on first use and cached. It is safe for concurrent use.
type Snapshot struct {
	candles []market.Candle

	mu     sync.Mutex
	series map[string][]float64
}

// NewSnapshot wraps candles ordered oldest first.
func NewSnapshot(candles []market.Candle) *Snapshot {
	return &Snapshot{
		candles: candles,
		series:  make(map[string][]float64),
	}
}

// Candles returns the underlying history.
func (s *Snapshot) Candles() []market.Candle {
	return s.candles
}

// Len returns the number of bars.
func (s *Snapshot) Len() int {
	return len(s.candles)
}

// Series returns the full series for a named indicator.
func (s *Snapshot) Series(name string) ([]float64, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.series[key]; ok {
		return v, nil
	}
	if err := s.compute(key); err != nil {
		return nil, err
	}
	return s.series[key], nil
}

// Last returns the most recent defined value of a named indicator.
func (s *Snapshot) Last(name string) (float64, bool) {
	return s.at(name, 1)
}

// Prev returns the value one bar before Last.
func (s *Snapshot) Prev(name string) (float64, bool) {
	return s.at(name, 2)
}

func (s *Snapshot) at(name string, back int) (float64, bool) {
	series, err := s.Series(name)
	if err != nil || len(series) < back {
		return 0, false
	}
	v := series[len(series)-back]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Value is like Last but reports why a value is unavailable.
func (s *Snapshot) Value(name string) (float64, error) {
	if _, err := s.Series(name); err != nil {
		return 0, err
	}
	v, ok := s.Last(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrInsufficientData)
	}
	return v, nil
}

// Values collects the last value of every resolvable name. Names that are
// unknown or undefined are omitted.
func (s *Snapshot) Values(names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		if v, ok := s.Last(n); ok {
			out[strings.ToLower(n)] = v
		}
	}
	return out
}

// splitPeriod parses "ema_50" into ("ema", 50). Names without a numeric
// suffix return period 0.
func splitPeriod(key string) (string, int) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 {
		return key, 0
	}
	p, err := strconv.Atoi(key[idx+1:])
	if err != nil || p <= 0 {
		return key, 0
	}
	return key[:idx], p
}

// compute fills s.series[key]. Caller holds s.mu.
func (s *Snapshot) compute(key string) error {
	closes := market.Closes(s.candles)

	switch key {
	case "price", "close":
		s.series[key] = closes
		return nil
	case "open", "high", "low", "volume":
		out := make([]float64, len(s.candles))
		for i, c := range s.candles {
			switch key {
			case "open":
				out[i] = c.Open
			case "high":
				out[i] = c.High
			case "low":
				out[i] = c.Low
			default:
				out[i] = c.Volume
			}
		}
		s.series[key] = out
		return nil
	case "macd", "macd_signal", "macd_hist", "macd_histogram":
		r := MACD(closes, DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
		s.series["macd"] = r.MACD
		s.series["macd_signal"] = r.Signal
		s.series["macd_hist"] = r.Histogram
		s.series["macd_histogram"] = r.Histogram
		return nil
	case "stochastic_k", "stochastic_d", "stoch_k", "stoch_d":
		k, d := Stochastic(s.candles, DefaultStochK, DefaultStochD)
		s.series["stochastic_k"], s.series["stoch_k"] = k, k
		s.series["stochastic_d"], s.series["stoch_d"] = d, d
		return nil
	case "bollinger_upper", "bollinger_mid", "bollinger_middle", "bollinger_lower":
		b := Bollinger(closes, DefaultBBPeriod, DefaultBBStdDev)
		s.series["bollinger_upper"] = b.Upper
		s.series["bollinger_mid"] = b.Middle
		s.series["bollinger_middle"] = b.Middle
		s.series["bollinger_lower"] = b.Lower
		return nil
	}

	if name, ok := strings.CutPrefix(key, patterns.IndicatorPrefix); ok && patterns.Known(name) {
		s.series[key] = patterns.Series(s.candles, name)
		return nil
	}

	base, period := splitPeriod(key)
	switch base {
	case "sma":
		if period == 0 {
			break
		}
		s.series[key] = SMA(closes, period)
		return nil
	case "ema":
		if period == 0 {
			break
		}
		s.series[key] = EMA(closes, period)
		return nil
	case "rsi":
		if period == 0 {
			period = DefaultRSIPeriod
		}
		s.series[key] = RSI(closes, period)
		return nil
	case "atr":
		if period == 0 {
			period = DefaultATRPeriod
		}
		s.series[key] = ATR(s.candles, period)
		return nil
	case "adx":
		if period == 0 {
			period = DefaultADXPeriod
		}
		s.series[key] = ADX(s.candles, period)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownIndicator, key)
}

// IsKnown reports whether name is an indicator the engine can compute.
func IsKnown(name string) bool {
	_, err := NewSnapshot(nil).Series(name)
	return err == nil
}
