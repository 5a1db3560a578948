package indicator

import "candle-replay/internal/model"

// SMAPlugin builds Simple Moving Average instances over bar closes.
type SMAPlugin struct{}

func (SMAPlugin) Type() string  { return "sma" }
func (SMAPlugin) Label() string { return "Simple Moving Average" }

func (SMAPlugin) Params() []ParamSpec {
	return []ParamSpec{{Name: "period", Default: 20}}
}

func (SMAPlugin) Outputs() []string { return []string{"value"} }

func (SMAPlugin) Validate(params map[string]float64) error {
	_, err := periodOf(params)
	return err
}

func (SMAPlugin) New(params map[string]float64) Instance {
	period, _ := periodOf(params)
	return &sma{period: period, buf: make([]float64, period)}
}

// sma keeps a preallocated circular window of closes and a running sum, so
// each push is O(1): the evicted close is subtracted before the new one is
// added. All window values are exact inputs, so the sum matches a naive
// recomputation from the window.
type sma struct {
	period int
	buf    []float64
	idx    int
	count  int
	sum    float64
}

func (s *sma) Warmup() int { return s.period - 1 }

func (s *sma) Update(bar model.Bar) map[string]*float64 {
	if s.count >= s.period {
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = bar.Close
	s.sum += bar.Close
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count < s.period {
		return map[string]*float64{"value": nil}
	}
	v := s.sum / float64(s.period)
	return map[string]*float64{"value": &v}
}
