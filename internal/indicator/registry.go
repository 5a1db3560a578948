package indicator

import (
	"errors"
	"fmt"
	"strings"

	"candle-replay/internal/model"
)

var (
	// ErrUnknownType reports an IndicatorSpec whose type is not registered.
	ErrUnknownType = errors.New("unknown indicator type")

	// ErrInvalidParams reports params rejected by a plugin's Validate.
	ErrInvalidParams = errors.New("invalid indicator params")
)

// Registry is the process-wide indicator catalog. It is populated at startup
// and read-only afterwards, so concurrent Create/Meta calls from multiple
// sessions need no locking.
type Registry struct {
	plugins map[string]Plugin
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin to the catalog. Later registrations of the same type
// replace earlier ones. Must only be called during startup.
func (r *Registry) Register(p Plugin) {
	key := strings.ToLower(p.Type())
	if _, exists := r.plugins[key]; !exists {
		r.order = append(r.order, key)
	}
	r.plugins[key] = p
}

// Meta returns the catalog in registration order for UI consumption.
func (r *Registry) Meta() []Meta {
	metas := make([]Meta, 0, len(r.order))
	for _, key := range r.order {
		p := r.plugins[key]
		metas = append(metas, Meta{
			Type:    p.Type(),
			Label:   p.Label(),
			Params:  p.Params(),
			Outputs: p.Outputs(),
		})
	}
	return metas
}

// Created pairs a fresh instance with its resolved identity.
type Created struct {
	Key      string
	Warmup   int
	Instance Instance
}

// Create builds a fresh stateful instance for the given spec.
//
// Spec params are merged over the plugin's declared defaults (spec values
// win); unknown param names are ignored. Validation runs on the merged params
// before any bar is consumed.
func (r *Registry) Create(spec model.IndicatorSpec) (Created, error) {
	p, ok := r.plugins[strings.ToLower(spec.Type)]
	if !ok {
		return Created{}, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}

	params := make(map[string]float64, len(p.Params()))
	for _, ps := range p.Params() {
		params[ps.Name] = ps.Default
	}
	for _, ps := range p.Params() {
		if v, ok := spec.Params[ps.Name]; ok {
			params[ps.Name] = v
		}
	}

	if err := p.Validate(params); err != nil {
		return Created{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, p.Type(), err)
	}

	key := spec.ID
	if key == "" {
		key = model.DeriveKey(p.Type(), params)
	}

	inst := p.New(params)
	return Created{Key: key, Warmup: inst.Warmup(), Instance: inst}, nil
}

// periodOf extracts and validates the common "period" param.
func periodOf(params map[string]float64) (int, error) {
	raw := params["period"]
	period := int(raw)
	if float64(period) != raw || period < 1 {
		return 0, fmt.Errorf("period must be a positive integer, got %v", raw)
	}
	return period, nil
}
