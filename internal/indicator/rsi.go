package indicator

import "candle-replay/internal/model"

// RSIPlugin builds Relative Strength Index instances using Wilder's
// smoothing method.
type RSIPlugin struct{}

func (RSIPlugin) Type() string  { return "rsi" }
func (RSIPlugin) Label() string { return "Relative Strength Index" }

func (RSIPlugin) Params() []ParamSpec {
	return []ParamSpec{{Name: "period", Default: 14}}
}

func (RSIPlugin) Outputs() []string { return []string{"value"} }

func (RSIPlugin) Validate(params map[string]float64) error {
	_, err := periodOf(params)
	return err
}

func (RSIPlugin) New(params map[string]float64) Instance {
	period, _ := periodOf(params)
	return &rsi{period: period}
}

// rsi accumulates the first period deltas into SMA-seeded averages, then
// applies Wilder's smoothing. O(1) per bar, no history scans.
type rsi struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// Warmup: one bar to establish prevClose plus period deltas.
func (r *rsi) Warmup() int { return r.period }

func (r *rsi) Update(bar model.Bar) map[string]*float64 {
	price := bar.Close
	r.count++

	if r.count == 1 {
		r.prevClose = price
		return map[string]*float64{"value": nil}
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period+1 {
		r.avgGain += gain
		r.avgLoss += loss
		if r.count < r.period+1 {
			return map[string]*float64{"value": nil}
		}
		r.avgGain /= float64(r.period)
		r.avgLoss /= float64(r.period)
	} else {
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}

	if r.avgLoss == 0 {
		r.current = 100.0
	} else {
		rs := r.avgGain / r.avgLoss
		r.current = 100.0 - (100.0 / (1.0 + rs))
	}

	v := r.current
	return map[string]*float64{"value": &v}
}
