// Command analyze_trades summarises the executor's trade log per strategy
// and per symbol. Trades come from the configured store or a CSV export.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"strategy-executor/config"
	"strategy-executor/internal/database"
	"strategy-executor/internal/logging"
)

func main() {
	var (
		configPath string
		inputPath  string
		exportPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:           "analyze_trades",
		Short:         "Summarise closed trades by strategy and symbol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []TradeRow
			var err error
			if inputPath != "" {
				rows, err = readCSV(inputPath)
			} else {
				rows, err = readStore(cmd.Context(), configPath, limit)
			}
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No trades found")
				return nil
			}

			if exportPath != "" {
				if err := writeCSV(exportPath, rows); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d trades to %s\n", len(rows), exportPath)
			}

			byStrategy, err := Summarise(rows, func(r TradeRow) string { return r.StrategyID })
			if err != nil {
				return err
			}
			bySymbol, err := Summarise(rows, func(r TradeRow) string { return r.Symbol })
			if err != nil {
				return err
			}
			renderTable(cmd.OutOrStdout(), "PERFORMANCE BY STRATEGY", byStrategy)
			renderTable(cmd.OutOrStdout(), "PERFORMANCE BY SYMBOL", bySymbol)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "executor config used to open the store")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "read trades from this CSV instead of the store")
	cmd.Flags().StringVarP(&exportPath, "export", "o", "", "write the loaded trades to this CSV")
	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "most recent trades to load from the store")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func readStore(ctx context.Context, configPath string, limit int) ([]TradeRow, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "none" {
		return nil, fmt.Errorf("database.driver is none; pass --input to read a CSV")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := database.Open(ctx, cfg.Database, logging.Nop())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	trades, err := store.ListTrades(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	rows := make([]TradeRow, 0, len(trades))
	// oldest first so drawdown follows the equity curve
	for i := len(trades) - 1; i >= 0; i-- {
		rows = append(rows, toRow(trades[i]))
	}
	return rows, nil
}

func readCSV(path string) ([]TradeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var rows []TradeRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rows, nil
}

func writeCSV(path string, rows []TradeRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
