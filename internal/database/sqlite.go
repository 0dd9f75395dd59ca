package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"strategy-executor/internal/strategy"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	config TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'stopped',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	ticket INTEGER PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	volume REAL NOT NULL,
	open_price REAL NOT NULL,
	close_price REAL,
	stop_loss REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	profit REAL,
	open_time DATETIME NOT NULL,
	close_time DATETIME,
	status TEXT NOT NULL DEFAULT 'OPEN',
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_open_time ON trades(open_time);

CREATE TABLE IF NOT EXISTS system_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	source TEXT,
	message TEXT,
	data TEXT,
	timestamp DATETIME NOT NULL
);
`

// SQLite is the single-file store used on hosts without PostgreSQL.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens path (":memory:" works) and creates the schema.
func NewSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "sqlite").Logger(),
		now:    time.Now,
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Str("path", path).Msg("SQLite store ready")
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveStrategy(ctx context.Context, cfg strategy.Config, status string) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, symbol, timeframe, config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, symbol = excluded.symbol, timeframe = excluded.timeframe,
			config = excluded.config, status = excluded.status, updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Symbol, cfg.Timeframe, string(configJSON), status, now, now,
	)
	return err
}

func (s *SQLite) UpdateStrategyStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?`, status, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetStrategy(ctx context.Context, id string) (StrategyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config, status, created_at, updated_at FROM strategies WHERE id = ?`, id)
	rec, err := scanSQLiteStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StrategyRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) ListStrategies(ctx context.Context) ([]StrategyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config, status, created_at, updated_at FROM strategies ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyRecord
	for rows.Next() {
		rec, err := scanSQLiteStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteStrategy(row scanner) (StrategyRecord, error) {
	var rec StrategyRecord
	var configJSON string
	if err := row.Scan(&configJSON, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return StrategyRecord{}, err
	}
	if err := json.Unmarshal([]byte(configJSON), &rec.Config); err != nil {
		return StrategyRecord{}, fmt.Errorf("decode strategy config: %w", err)
	}
	return rec, nil
}

func (s *SQLite) RecordTradeOpen(ctx context.Context, t TradeRecord) error {
	metaJSON, err := marshalMap(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
		(ticket, strategy_id, symbol, side, volume, open_price, stop_loss, take_profit, open_time, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Ticket, t.StrategyID, t.Symbol, t.Side, t.Volume, t.OpenPrice,
		t.StopLoss, t.TakeProfit, t.OpenTime.UTC(), TradeOpen, nullString(metaJSON),
	)
	return err
}

func (s *SQLite) RecordTradeClose(ctx context.Context, c TradeClose) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var metaJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM trades WHERE ticket = ?`, c.Ticket).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	meta, err := unmarshalMap([]byte(metaJSON.String))
	if err != nil {
		return err
	}
	if c.Reason != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["close_reason"] = c.Reason
	}
	updated, err := marshalMap(meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE trades SET close_price = ?, profit = ?, close_time = ?, status = ?, metadata = ?
		WHERE ticket = ?`,
		c.ClosePrice, c.Profit, c.CloseTime.UTC(), TradeClosed, nullString(updated), c.Ticket,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket, strategy_id, symbol, side, volume, open_price, close_price,
			stop_loss, take_profit, profit, open_time, close_time, status, metadata
		FROM trades ORDER BY open_time DESC, ticket DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var (
			t          TradeRecord
			closePrice sql.NullFloat64
			profit     sql.NullFloat64
			closeTime  sql.NullTime
			metaJSON   sql.NullString
		)
		err := rows.Scan(
			&t.Ticket, &t.StrategyID, &t.Symbol, &t.Side, &t.Volume, &t.OpenPrice, &closePrice,
			&t.StopLoss, &t.TakeProfit, &profit, &t.OpenTime, &closeTime, &t.Status, &metaJSON,
		)
		if err != nil {
			return nil, err
		}
		if closePrice.Valid {
			t.ClosePrice = &closePrice.Float64
		}
		if profit.Valid {
			t.Profit = &profit.Float64
		}
		if closeTime.Valid {
			t.CloseTime = &closeTime.Time
		}
		if t.Metadata, err = unmarshalMap([]byte(metaJSON.String)); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLite) RecordEvent(ctx context.Context, e SystemEvent) error {
	dataJSON, err := marshalMap(e.Data)
	if err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO system_events (event_type, source, message, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.EventType, e.Source, e.Message, nullString(dataJSON), e.Timestamp.UTC(),
	)
	return err
}

func (s *SQLite) RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, COALESCE(source, ''), COALESCE(message, ''), data, timestamp
		FROM system_events ORDER BY timestamp DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var dataJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.Source, &e.Message, &dataJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.Data, err = unmarshalMap([]byte(dataJSON.String)); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
