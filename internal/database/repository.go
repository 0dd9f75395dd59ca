package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-executor/internal/strategy"
)

var _ Store = (*DB)(nil)

// ============================================================================
// STRATEGIES
// ============================================================================

// SaveStrategy upserts a strategy definition.
func (db *DB) SaveStrategy(ctx context.Context, cfg strategy.Config, status string) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}
	query := `
		INSERT INTO strategies (id, name, symbol, timeframe, config, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, symbol = EXCLUDED.symbol, timeframe = EXCLUDED.timeframe,
			config = EXCLUDED.config, status = EXCLUDED.status, updated_at = NOW()
	`
	_, err = db.Pool.Exec(ctx, query, cfg.ID, cfg.Name, cfg.Symbol, cfg.Timeframe, configJSON, status)
	return err
}

// UpdateStrategyStatus changes only the lifecycle status.
func (db *DB) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE strategies SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStrategy loads one strategy by id.
func (db *DB) GetStrategy(ctx context.Context, id string) (StrategyRecord, error) {
	query := `SELECT config, status, created_at, updated_at FROM strategies WHERE id = $1`
	rec, err := scanStrategy(db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return StrategyRecord{}, ErrNotFound
	}
	return rec, err
}

// ListStrategies returns every stored strategy, oldest first.
func (db *DB) ListStrategies(ctx context.Context) ([]StrategyRecord, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT config, status, created_at, updated_at FROM strategies ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyRecord
	for rows.Next() {
		rec, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanStrategy(row pgx.Row) (StrategyRecord, error) {
	var rec StrategyRecord
	var configJSON []byte
	if err := row.Scan(&configJSON, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return StrategyRecord{}, err
	}
	if err := json.Unmarshal(configJSON, &rec.Config); err != nil {
		return StrategyRecord{}, fmt.Errorf("decode strategy config: %w", err)
	}
	return rec, nil
}

// ============================================================================
// TRADES
// ============================================================================

// RecordTradeOpen inserts the opening half of a trade. A repeated ticket
// is ignored.
func (db *DB) RecordTradeOpen(ctx context.Context, t TradeRecord) error {
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO trades (ticket, strategy_id, symbol, side, volume, open_price, stop_loss, take_profit, open_time, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ticket) DO NOTHING
	`
	_, err = db.Pool.Exec(ctx, query,
		t.Ticket, t.StrategyID, t.Symbol, t.Side, t.Volume, t.OpenPrice,
		t.StopLoss, t.TakeProfit, t.OpenTime, TradeOpen, metaJSON)
	return err
}

// RecordTradeClose fills in the closing half of a trade.
func (db *DB) RecordTradeClose(ctx context.Context, c TradeClose) error {
	query := `
		UPDATE trades
		SET close_price = $2, profit = $3, close_time = $4, status = $5,
			metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('close_reason', $6::text)
		WHERE ticket = $1
	`
	tag, err := db.Pool.Exec(ctx, query, c.Ticket, c.ClosePrice, c.Profit, c.CloseTime, TradeClosed, c.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrades returns the most recent trades first.
func (db *DB) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	query := `
		SELECT ticket, strategy_id, symbol, side, volume, open_price, close_price,
			   stop_loss, take_profit, profit, open_time, close_time, status, metadata
		FROM trades
		ORDER BY open_time DESC
		LIMIT $1
	`
	rows, err := db.Pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var metaJSON []byte
		err := rows.Scan(
			&t.Ticket, &t.StrategyID, &t.Symbol, &t.Side, &t.Volume, &t.OpenPrice, &t.ClosePrice,
			&t.StopLoss, &t.TakeProfit, &t.Profit, &t.OpenTime, &t.CloseTime, &t.Status, &metaJSON,
		)
		if err != nil {
			return nil, err
		}
		if t.Metadata, err = unmarshalMap(metaJSON); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// SYSTEM EVENTS
// ============================================================================

// RecordEvent appends to the event log.
func (db *DB) RecordEvent(ctx context.Context, e SystemEvent) error {
	dataJSON, err := marshalMap(e.Data)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO system_events (event_type, source, message, data, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = db.Pool.Exec(ctx, query, e.EventType, e.Source, e.Message, dataJSON, e.Timestamp)
	return err
}

// RecentEvents returns the newest events first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	query := `
		SELECT id, event_type, COALESCE(source, ''), COALESCE(message, ''), data, timestamp
		FROM system_events
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`
	rows, err := db.Pool.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Source, &e.Message, &dataJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.Data, err = unmarshalMap(dataJSON); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
