// Package sqlite implements the bar store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"candle-replay/internal/model"
	"candle-replay/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides range reads (and batch seeding) over the bars table.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, enables WAL mode and creates the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			dataset_id TEXT    NOT NULL DEFAULT '',
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			PRIMARY KEY (symbol, timeframe, dataset_id, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_bars_range ON bars (symbol, timeframe, ts);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// FetchBars returns bars matching q, ordered by timestamp ascending and
// deduplicated by timestamp (first row wins across datasets).
func (s *Store) FetchBars(ctx context.Context, q store.Query) ([]model.Bar, error) {
	filters := []string{"symbol = ?", "timeframe = ?"}
	args := []interface{}{q.Symbol, q.Timeframe}

	if q.DatasetID != "" {
		filters = append(filters, "dataset_id = ?")
		args = append(args, q.DatasetID)
	}
	if q.From > 0 {
		filters = append(filters, "ts >= ?")
		args = append(args, q.From)
	}
	if q.To > 0 {
		filters = append(filters, "ts <= ?")
		args = append(args, q.To)
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT symbol, timeframe, dataset_id, ts, open, high, low, close, volume
		FROM bars
		WHERE %s
		ORDER BY ts ASC
		LIMIT ?
	`, strings.Join(filters, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	lastTS := int64(-1)
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.DatasetID, &b.Timestamp,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		if b.Timestamp == lastTS {
			continue
		}
		lastTS = b.Timestamp
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// InsertBars writes bars in one transaction, ignoring duplicates. Used by
// seeding tools and tests.
func (s *Store) InsertBars(ctx context.Context, bars []model.Bar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO bars (symbol, timeframe, dataset_id, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Symbol, b.Timeframe, b.DatasetID, b.Timestamp,
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bar: %w", err)
		}
	}
	return tx.Commit()
}
