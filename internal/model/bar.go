package model

// Bar is one OHLCV aggregation for a symbol/timeframe/time bucket.
// Timestamps are milliseconds since the Unix epoch, UTC. Within a loaded
// playback buffer timestamps are strictly increasing and unique.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	DatasetID string  `json:"datasetId,omitempty"`
	Timestamp int64   `json:"timestamp"` // ms epoch UTC
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}
