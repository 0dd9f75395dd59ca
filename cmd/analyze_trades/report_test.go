package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-executor/internal/database"
)

func rows() []TradeRow {
	return []TradeRow{
		{Ticket: 1, StrategyID: "s1", Symbol: "EURUSD", Profit: "10"},
		{Ticket: 2, StrategyID: "s1", Symbol: "EURUSD", Profit: "-4"},
		{Ticket: 3, StrategyID: "s1", Symbol: "GBPUSD", Profit: "-6"},
		{Ticket: 4, StrategyID: "s2", Symbol: "GBPUSD", Profit: "20"},
		{Ticket: 5, StrategyID: "s2", Symbol: "GBPUSD"}, // still open
	}
}

func TestSummariseByStrategy(t *testing.T) {
	groups, err := Summarise(rows(), func(r TradeRow) string { return r.StrategyID })
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "s2", groups[0].Key)
	assert.Equal(t, 1, groups[0].Trades)

	s1 := groups[1]
	assert.Equal(t, 3, s1.Trades)
	assert.Equal(t, 1, s1.Wins)
	assert.Equal(t, 2, s1.Losses)
	assert.InDelta(t, 0, s1.TotalProfit, 1e-9)
	assert.InDelta(t, -4, s1.MedianProfit, 1e-9)
	assert.InDelta(t, 1.0, s1.ProfitFactor, 1e-9)
	assert.InDelta(t, 10, s1.MaxDrawdown, 1e-9)
}

func TestSummariseRejectsBadProfit(t *testing.T) {
	_, err := Summarise([]TradeRow{{Ticket: 9, Profit: "abc"}}, func(r TradeRow) string { return r.Symbol })
	assert.Error(t, err)
}

func TestCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	profit, closePrice := 12.5, 1.1050
	closed := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	in := []TradeRow{
		toRow(database.TradeRecord{Ticket: 1, StrategyID: "s1", Symbol: "EURUSD", Side: "BUY", Volume: 0.1,
			OpenPrice: 1.1, ClosePrice: &closePrice, Profit: &profit, OpenTime: closed.Add(-time.Hour), CloseTime: &closed, Status: database.TradeClosed}),
		toRow(database.TradeRecord{Ticket: 2, StrategyID: "s1", Symbol: "EURUSD", Side: "SELL", Volume: 0.2,
			OpenPrice: 1.2, OpenTime: closed, Status: database.TradeOpen}),
	}
	require.NoError(t, writeCSV(path, in))

	out, err := readCSV(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "12.50", out[0].Profit)
	assert.Empty(t, out[1].CloseTime)
}

func TestRenderTable(t *testing.T) {
	groups, err := Summarise(rows(), func(r TradeRow) string { return r.Symbol })
	require.NoError(t, err)

	var buf bytes.Buffer
	renderTable(&buf, "BY SYMBOL", groups)
	out := buf.String()
	assert.Contains(t, out, "BY SYMBOL")
	assert.Contains(t, out, "GBPUSD")
	assert.Contains(t, out, "TOTAL")
}

func TestReadCSVMissingFile(t *testing.T) {
	_, err := readCSV(filepath.Join(os.TempDir(), "does-not-exist.csv"))
	assert.Error(t, err)
}
