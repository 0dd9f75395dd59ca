package market

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts BUY/SELL in any case, plus LONG/SHORT aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SymbolInfo is the broker's contract details for a symbol plus its
// current quote.
type SymbolInfo struct {
	Symbol     string  `json:"symbol"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Spread     float64 `json:"spread"` // points, as reported by the terminal
	Point      float64 `json:"point"`
	Digits     int     `json:"digits"`
	VolumeMin  float64 `json:"volume_min"`
	VolumeMax  float64 `json:"volume_max"`
	VolumeStep float64 `json:"volume_step"`
}

// Mid returns the mid quote.
func (s SymbolInfo) Mid() float64 {
	return (s.Bid + s.Ask) / 2
}

// PriceFor returns the fill price for a market order on the given side.
func (s SymbolInfo) PriceFor(side Side) float64 {
	if side == SideBuy {
		return s.Ask
	}
	return s.Bid
}

// ExitPriceFor returns the price at which a position of the given side is
// marked to market.
func (s SymbolInfo) ExitPriceFor(side Side) float64 {
	if side == SideBuy {
		return s.Bid
	}
	return s.Ask
}

// AccountInfo is a point-in-time account snapshot.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Leverage   int     `json:"leverage"`
}

// EffectiveEquity falls back to balance when equity is not reported.
func (a AccountInfo) EffectiveEquity() float64 {
	if a.Equity > 0 {
		return a.Equity
	}
	return a.Balance
}

// Position is an open position as reported by the broker.
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"sl"`
	TakeProfit   float64   `json:"tp"`
	Profit       float64   `json:"profit"`
	OpenTime     time.Time `json:"open_time"`
	Comment      string    `json:"comment"`
	Magic        int64     `json:"magic"`
}

// OrderRequest is a market order.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Magic      int64   `json:"magic,omitempty"`
	Deviation  int     `json:"deviation,omitempty"`
}

// OrderResult is the broker's answer to an order, partial close or modify.
type OrderResult struct {
	Success bool    `json:"success"`
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	// Profit is the realised profit of a close, when the broker reports it.
	Profit  float64 `json:"profit,omitempty"`
	Code    int     `json:"code"`
	Message string  `json:"message"`
}
