package risk

import (
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// DefaultHistoryCapacity bounds the closed-trade ring.
const DefaultHistoryCapacity = 500

// TradeRecord is one closed trade.
type TradeRecord struct {
	Symbol   string    `json:"symbol"`
	Profit   float64   `json:"profit"`
	ClosedAt time.Time `json:"closed_at"`
}

// TradeHistory is a fixed-capacity ring of closed trades. The oldest record
// is overwritten once the ring is full.
type TradeHistory struct {
	mu      sync.RWMutex
	records []TradeRecord
	next    int
	full    bool
}

// NewTradeHistory creates a ring with the given capacity (default 500).
func NewTradeHistory(capacity int) *TradeHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &TradeHistory{records: make([]TradeRecord, capacity)}
}

// Add appends a record.
func (h *TradeHistory) Add(r TradeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored records.
func (h *TradeHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}

// Records returns the stored records oldest first.
func (h *TradeHistory) Records() []TradeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]TradeRecord, h.next)
		copy(out, h.records[:h.next])
		return out
	}
	out := make([]TradeRecord, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	out = append(out, h.records[:h.next]...)
	return out
}

// ConsecutiveLosses counts losing trades at the tail of the history.
func (h *TradeHistory) ConsecutiveLosses() int {
	records := h.Records()
	n := 0
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Profit >= 0 {
			break
		}
		n++
	}
	return n
}

// Performance summarises the history for Kelly sizing.
type Performance struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`
	AvgWin  float64 `json:"avg_win"`
	AvgLoss float64 `json:"avg_loss"` // positive
}

// Performance computes win rate and average win/loss.
func (h *TradeHistory) Performance() Performance {
	records := h.Records()
	p := Performance{Trades: len(records)}
	var wins, losses stats.Float64Data
	for _, r := range records {
		switch {
		case r.Profit > 0:
			wins = append(wins, r.Profit)
		case r.Profit < 0:
			losses = append(losses, -r.Profit)
		}
	}
	p.Wins, p.Losses = len(wins), len(losses)
	if p.Trades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.Trades)
	}
	if m, err := wins.Mean(); err == nil && !math.IsNaN(m) {
		p.AvgWin = m
	}
	if m, err := losses.Mean(); err == nil && !math.IsNaN(m) {
		p.AvgLoss = m
	}
	return p
}
