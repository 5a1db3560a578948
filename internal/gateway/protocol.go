package gateway

import (
	"candle-replay/internal/model"
	"candle-replay/internal/session"
)

// ── Inbound (client → server) ──

const (
	MsgInit     = "INIT"
	MsgPlay     = "PLAY"
	MsgPause    = "PAUSE"
	MsgSetSpeed = "SET_SPEED"
	MsgSeek     = "SEEK"
	MsgStep     = "STEP"
)

const (
	DirForward  = "forward"
	DirBackward = "backward"
)

// InboundMsg is the envelope for every client command. Fields beyond Type
// are populated per command.
type InboundMsg struct {
	Type      string       `json:"type"`
	Payload   *InitPayload `json:"payload,omitempty"`   // INIT
	Speed     float64      `json:"speed,omitempty"`     // SET_SPEED
	Timestamp int64        `json:"timestamp,omitempty"` // SEEK
	Direction string       `json:"direction,omitempty"` // STEP
	Size      int          `json:"size,omitempty"`      // STEP
}

// InitPayload selects the bar window and indicator profile for a session.
type InitPayload struct {
	Symbol     string                `json:"symbol"`
	Timeframe  string                `json:"timeframe"`
	DatasetID  string                `json:"datasetId,omitempty"`
	From       int64                 `json:"from"`
	To         int64                 `json:"to"`
	Speed      float64               `json:"speed,omitempty"`
	Indicators []model.IndicatorSpec `json:"indicators,omitempty"`
}

// ── Outbound (server → client) ──

// BarMsg carries one emitted bar, optionally with the indicator outputs
// computed at that timestamp (nil values before warmup).
type BarMsg struct {
	Type string `json:"type"` // "BAR"
	model.Bar
	Indicators map[string]*float64 `json:"indicators,omitempty"`
}

// SessionStateMsg is the snapshot sent after INIT, after every tick batch,
// and after PLAY/PAUSE/SEEK/STEP/SET_SPEED.
type SessionStateMsg struct {
	Type   string         `json:"type"` // "SESSION_STATE"
	State  session.Status `json:"state"`
	Speed  float64        `json:"speed"`
	Cursor *int64         `json:"cursor"` // timestamp at cursor, null when buffer empty
}

// ErrorMsg is a non-fatal error event; the connection stays open.
type ErrorMsg struct {
	Type  string `json:"type"` // "ERROR"
	Error string `json:"error"`
}

// StatsMsg is the periodic server stats broadcast.
type StatsMsg struct {
	Type         string `json:"type"` // "STATS"
	Sessions     int    `json:"sessions"`
	UptimeSec    int64  `json:"uptime_sec"`
	MarketOpen   bool   `json:"marketOpen"`
	MarketStatus string `json:"marketStatus"`
	TS           string `json:"ts"`
}
