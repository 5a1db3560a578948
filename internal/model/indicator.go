package model

import (
	"sort"
	"strconv"
	"strings"
)

// IndicatorSpec describes a single indicator requested by a client at INIT.
// ID is a client-chosen handle used to correlate outputs back to a UI series;
// when absent a deterministic key is derived from the type and params.
type IndicatorSpec struct {
	Type   string             `json:"type"`
	ID     string             `json:"id,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Key returns the correlation handle for this spec: the client-chosen ID if
// present, otherwise DeriveKey over the spec's own params.
func (s IndicatorSpec) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return DeriveKey(s.Type, s.Params)
}

// DeriveKey builds a deterministic indicator key from a type and its resolved
// params, e.g. "sma-period=20". Param pairs are sorted by name so the same
// spec always yields the same key.
func DeriveKey(indType string, params map[string]float64) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(indType))

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('-')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(params[name], 'g', -1, 64))
	}
	return b.String()
}

// IndicatorPoint is the set of named outputs an indicator produced for one
// bar. A nil value means the output is not yet computable (warmup unsatisfied
// or not defined for that bar).
type IndicatorPoint struct {
	Timestamp int64               `json:"timestamp"`
	Values    map[string]*float64 `json:"values"`
}
