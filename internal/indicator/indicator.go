// Package indicator provides streaming technical indicator plugins for the
// playback engine.
//
// Plugins are registered on an explicit Registry at startup. Each playback
// session creates its own instances, feeds them bars one at a time in
// timestamp order, and discards them when the session is re-initialized or
// closed — instances are never shared across sessions.
package indicator

import "candle-replay/internal/model"

// ParamSpec declares one tunable plugin parameter and its default.
type ParamSpec struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
}

// Meta describes a registered plugin for UI consumption.
type Meta struct {
	Type    string      `json:"type"`
	Label   string      `json:"label"`
	Params  []ParamSpec `json:"params"`
	Outputs []string    `json:"outputs"`
}

// Instance is one session-scoped, stateful streaming indicator.
type Instance interface {
	// Warmup returns the number of leading bars the instance must consume
	// before Update yields non-nil outputs.
	Warmup() int

	// Update feeds the next bar in timestamp order and returns the named
	// outputs for that bar. Values are nil until warmup is satisfied or when
	// an output is not computable for that bar.
	Update(bar model.Bar) map[string]*float64
}

// Plugin builds instances of one indicator type.
type Plugin interface {
	// Type returns the registry key, e.g. "sma".
	Type() string

	// Label returns a human-readable name, e.g. "Simple Moving Average".
	Label() string

	// Params declares the plugin's parameters and their defaults.
	Params() []ParamSpec

	// Outputs names the values each instance produces per bar.
	Outputs() []string

	// Validate rejects unusable params. It runs before any bar is consumed.
	Validate(params map[string]float64) error

	// New creates a fresh instance from validated params.
	New(params map[string]float64) Instance
}
