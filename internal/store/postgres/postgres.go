// Package postgres implements the bar store on a PostgreSQL candles table
// (timestamptz column, millisecond-epoch values on the wire).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"candle-replay/internal/model"
	"candle-replay/internal/store"

	_ "github.com/lib/pq"
)

// Store provides read-only range access to the candles table.
type Store struct {
	db *sql.DB
}

// Open connects using a libpq DSN. The caller is expected to Ping (with
// retry) before serving traffic.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(5)

	log.Printf("[postgres] pool configured")
	return &Store{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// FetchBars returns bars matching q, ordered by timestamp ascending and
// deduplicated by timestamp.
func (s *Store) FetchBars(ctx context.Context, q store.Query) ([]model.Bar, error) {
	filters := []string{"symbol = $1", "timeframe = $2"}
	args := []interface{}{q.Symbol, q.Timeframe}

	if q.DatasetID != "" {
		args = append(args, q.DatasetID)
		filters = append(filters, fmt.Sprintf("dataset_id::text = $%d", len(args)))
	}
	if q.From > 0 {
		args = append(args, q.From)
		filters = append(filters, fmt.Sprintf("timestamp >= to_timestamp($%d / 1000.0)", len(args)))
	}
	if q.To > 0 {
		args = append(args, q.To)
		filters = append(filters, fmt.Sprintf("timestamp <= to_timestamp($%d / 1000.0)", len(args)))
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT
			symbol,
			timeframe,
			COALESCE(dataset_id::text, ''),
			(EXTRACT(EPOCH FROM timestamp) * 1000)::BIGINT,
			open, high, low, close, volume
		FROM candles
		WHERE %s
		ORDER BY timestamp ASC
		LIMIT $%d
	`, strings.Join(filters, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query candles: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	lastTS := int64(-1)
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.DatasetID, &b.Timestamp,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("postgres scan candles: %w", err)
		}
		if b.Timestamp == lastTS {
			continue
		}
		lastTS = b.Timestamp
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
