package indicator

import "candle-replay/internal/model"

// EMAPlugin builds Exponential Moving Average instances over bar closes.
type EMAPlugin struct{}

func (EMAPlugin) Type() string  { return "ema" }
func (EMAPlugin) Label() string { return "Exponential Moving Average" }

func (EMAPlugin) Params() []ParamSpec {
	return []ParamSpec{{Name: "period", Default: 20}}
}

func (EMAPlugin) Outputs() []string { return []string{"value"} }

func (EMAPlugin) Validate(params map[string]float64) error {
	_, err := periodOf(params)
	return err
}

func (EMAPlugin) New(params map[string]float64) Instance {
	period, _ := periodOf(params)
	return &ema{period: period, multiplier: 2.0 / float64(period+1)}
}

// ema seeds with an SMA over the first period closes, then applies
// exponential smoothing. O(1) per update, no window storage.
type ema struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

func (e *ema) Warmup() int { return e.period - 1 }

func (e *ema) Update(bar model.Bar) map[string]*float64 {
	price := bar.Close
	e.count++

	if e.count <= e.period {
		e.sum += price
		if e.count < e.period {
			return map[string]*float64{"value": nil}
		}
		e.current = e.sum / float64(e.period)
	} else {
		e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
	}

	v := e.current
	return map[string]*float64{"value": &v}
}
