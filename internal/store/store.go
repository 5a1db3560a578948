// Package store defines read-only access to stored OHLCV series.
//
// The playback core never writes through this interface; backends are safe
// for concurrent use across sessions.
package store

import (
	"context"

	"candle-replay/internal/model"
)

// Query bounds one bar fetch. From/To are inclusive millisecond-epoch bounds;
// zero means unbounded. DatasetID narrows to one imported dataset when set.
type Query struct {
	Symbol    string
	Timeframe string
	DatasetID string
	From      int64
	To        int64
	Limit     int
}

// BarStore returns bars sorted ascending by timestamp, deduplicated by
// timestamp, capped at Query.Limit.
type BarStore interface {
	FetchBars(ctx context.Context, q Query) ([]model.Bar, error)
}
