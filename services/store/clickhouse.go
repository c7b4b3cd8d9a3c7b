// Package store persists the daily price feed in ClickHouse. Bars live in a
// ReplacingMergeTree keyed by (symbol, date) so re-ingesting a window is
// idempotent: the newest version wins and reads see one row per key.
package store

import (
	"context"
	"fmt"
	"math"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"macross/services/engine"
)

// Config locates the ClickHouse service and the bars table.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Store is a live ClickHouse handle for the daily bars table.
type Store struct {
	conn clickhouse.Conn
	cfg  Config
	log  *zap.Logger
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Store{conn: conn, cfg: cfg, log: logger}, nil
}

// EnsureSchema creates the database and bars table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	dbDDL := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.cfg.Database)
	if err := s.conn.Exec(ctx, dbDDL); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	tableDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			symbol String,
			date Date,
			open Decimal(18, 6),
			high Decimal(18, 6),
			low Decimal(18, 6),
			close Decimal(18, 6),
			volume UInt64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, date)
		SETTINGS index_granularity = 8192
	`, s.cfg.Database, s.cfg.Table)
	return s.conn.Exec(ctx, tableDDL)
}

// InsertBars writes a batch of daily bars. Rows with undefined prices are
// skipped rather than stored. The whole batch shares one version stamp;
// ReplacingMergeTree keeps the highest version per (symbol, date).
func (s *Store) InsertBars(ctx context.Context, bars []engine.PriceBar) (int, error) {
	batch, err := s.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s.%s SETTINGS insert_deduplicate=1", s.cfg.Database, s.cfg.Table))
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UTC()
	ver := uint64(now.UnixNano())

	rows := 0
	for _, b := range bars {
		if hasNaN(b.Open, b.High, b.Low, b.Close) {
			continue
		}
		if err := batch.Append(
			b.Symbol,
			engine.Day(b.Date),
			decimal.NewFromFloat(b.Open),
			decimal.NewFromFloat(b.High),
			decimal.NewFromFloat(b.Low),
			decimal.NewFromFloat(b.Close),
			volumeU64(b.Volume),
			now,
			ver,
		); err != nil {
			return 0, fmt.Errorf("batch append: %w", err)
		}
		rows++
	}
	if rows == 0 {
		return 0, nil
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("batch send: %w", err)
	}
	s.log.Info("bars inserted",
		zap.Int("rows", rows),
		zap.String("table", s.cfg.Database+"."+s.cfg.Table))
	return rows, nil
}

// QueryBars reads bars for a date window, deduplicated and sorted by
// (symbol, date). An empty symbols slice means all symbols.
func (s *Store) QueryBars(ctx context.Context, symbols []string, start, end time.Time) ([]engine.PriceBar, error) {
	q := fmt.Sprintf(`
		SELECT symbol, date, open, high, low, close, volume
		FROM %s.%s FINAL
		WHERE date >= ? AND date <= ?
	`, s.cfg.Database, s.cfg.Table)
	args := []any{engine.Day(start), engine.Day(end)}
	if len(symbols) > 0 {
		q += " AND symbol IN ?"
		args = append(args, symbols)
	}
	q += " ORDER BY symbol, date"

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []engine.PriceBar
	for rows.Next() {
		var (
			symbol                  string
			date                    time.Time
			open, high, low, closep decimal.Decimal
			volume                  uint64
		)
		if err := rows.Scan(&symbol, &date, &open, &high, &low, &closep, &volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, engine.PriceBar{
			Symbol: symbol,
			Date:   engine.Day(date.UTC()),
			Open:   open.InexactFloat64(),
			High:   high.InexactFloat64(),
			Low:    low.InexactFloat64(),
			Close:  closep.InexactFloat64(),
			Volume: float64(volume),
		})
	}
	return bars, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

func hasNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func volumeU64(v float64) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return uint64(math.Round(v))
}
