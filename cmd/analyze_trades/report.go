package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"

	"strategy-executor/internal/database"
)

// TradeRow is the CSV shape of one trade. Open trades leave the close
// columns empty.
type TradeRow struct {
	Ticket     int64   `csv:"ticket"`
	StrategyID string  `csv:"strategy_id"`
	Symbol     string  `csv:"symbol"`
	Side       string  `csv:"side"`
	Volume     float64 `csv:"volume"`
	OpenPrice  float64 `csv:"open_price"`
	ClosePrice string  `csv:"close_price"`
	Profit     string  `csv:"profit"`
	OpenTime   string  `csv:"open_time"`
	CloseTime  string  `csv:"close_time"`
	Status     string  `csv:"status"`
}

func toRow(t database.TradeRecord) TradeRow {
	r := TradeRow{
		Ticket:     t.Ticket,
		StrategyID: t.StrategyID,
		Symbol:     t.Symbol,
		Side:       t.Side,
		Volume:     t.Volume,
		OpenPrice:  t.OpenPrice,
		OpenTime:   t.OpenTime.UTC().Format(time.RFC3339),
		Status:     t.Status,
	}
	if t.ClosePrice != nil {
		r.ClosePrice = fmt.Sprintf("%g", *t.ClosePrice)
	}
	if t.Profit != nil {
		r.Profit = fmt.Sprintf("%.2f", *t.Profit)
	}
	if t.CloseTime != nil {
		r.CloseTime = t.CloseTime.UTC().Format(time.RFC3339)
	}
	return r
}

// GroupStats summarises the closed trades of one strategy or symbol.
type GroupStats struct {
	Key          string
	Trades       int
	Wins         int
	Losses       int
	TotalProfit  float64
	AvgProfit    float64
	MedianProfit float64
	StdDev       float64
	WinRate      float64
	ProfitFactor float64
	MaxDrawdown  float64
}

// Summarise groups closed trades by key and computes per-group stats.
// Groups are ordered by total profit, best first.
func Summarise(rows []TradeRow, key func(TradeRow) string) ([]GroupStats, error) {
	profits := make(map[string][]float64)
	for _, r := range rows {
		if r.Profit == "" {
			continue
		}
		var p float64
		if _, err := fmt.Sscanf(r.Profit, "%g", &p); err != nil {
			return nil, fmt.Errorf("ticket %d: bad profit %q: %w", r.Ticket, r.Profit, err)
		}
		k := key(r)
		profits[k] = append(profits[k], p)
	}

	out := make([]GroupStats, 0, len(profits))
	for k, ps := range profits {
		out = append(out, summariseGroup(k, ps))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalProfit != out[j].TotalProfit {
			return out[i].TotalProfit > out[j].TotalProfit
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func summariseGroup(key string, profits []float64) GroupStats {
	g := GroupStats{Key: key, Trades: len(profits)}
	data := stats.Float64Data(profits)

	var grossWin, grossLoss float64
	for _, p := range profits {
		switch {
		case p > 0:
			g.Wins++
			grossWin += p
		case p < 0:
			g.Losses++
			grossLoss -= p
		}
	}
	g.TotalProfit, _ = data.Sum()
	g.AvgProfit, _ = data.Mean()
	g.MedianProfit, _ = data.Median()
	if len(profits) > 1 {
		g.StdDev, _ = data.StandardDeviationSample()
	}
	g.WinRate = float64(g.Wins) / float64(g.Trades) * 100
	if grossLoss > 0 {
		g.ProfitFactor = grossWin / grossLoss
	}
	g.MaxDrawdown = maxDrawdown(profits)
	return g
}

// maxDrawdown is the largest peak-to-trough fall of the running profit.
func maxDrawdown(profits []float64) float64 {
	var equity, peak, dd float64
	for _, p := range profits {
		equity += p
		if equity > peak {
			peak = equity
		}
		if peak-equity > dd {
			dd = peak - equity
		}
	}
	return dd
}

func renderTable(w io.Writer, title string, groups []GroupStats) {
	fmt.Fprintf(w, "\n%s\n", title)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Trades", "Wins", "Losses", "Win %", "Total", "Avg", "Median", "StdDev", "PF", "Max DD"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	var total GroupStats
	for _, g := range groups {
		table.Append([]string{
			g.Key,
			fmt.Sprintf("%d", g.Trades),
			fmt.Sprintf("%d", g.Wins),
			fmt.Sprintf("%d", g.Losses),
			fmt.Sprintf("%.1f", g.WinRate),
			fmt.Sprintf("%+.2f", g.TotalProfit),
			fmt.Sprintf("%+.2f", g.AvgProfit),
			fmt.Sprintf("%+.2f", g.MedianProfit),
			fmt.Sprintf("%.2f", g.StdDev),
			fmt.Sprintf("%.2f", g.ProfitFactor),
			fmt.Sprintf("%.2f", g.MaxDrawdown),
		})
		total.Trades += g.Trades
		total.Wins += g.Wins
		total.Losses += g.Losses
		total.TotalProfit += g.TotalProfit
	}
	winRate := 0.0
	if total.Trades > 0 {
		winRate = float64(total.Wins) / float64(total.Trades) * 100
	}
	table.SetFooter([]string{
		"TOTAL",
		fmt.Sprintf("%d", total.Trades),
		fmt.Sprintf("%d", total.Wins),
		fmt.Sprintf("%d", total.Losses),
		fmt.Sprintf("%.1f", winRate),
		fmt.Sprintf("%+.2f", total.TotalProfit),
		"", "", "", "", "",
	})
	table.Render()
}
