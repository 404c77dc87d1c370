package analytics

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
)

// InsufficientData is how a metric without enough data is rendered.
const InsufficientData = "insufficient data"

// Metric is a report value that may be missing. Missing values render as
// "insufficient data", never as zero.
type Metric struct {
	Value *float64
}

// Known wraps a computed value.
func Known(v float64) Metric {
	return Metric{Value: &v}
}

// Insufficient is a metric without enough data.
func Insufficient() Metric {
	return Metric{}
}

// Valid reports whether the metric has a value.
func (m Metric) Valid() bool {
	return m.Value != nil
}

// Float returns the value, or 0 and false.
func (m Metric) Float() (float64, bool) {
	if m.Value == nil {
		return 0, false
	}
	return *m.Value, true
}

// Format renders the value with prec decimals, or InsufficientData.
func (m Metric) Format(prec int) string {
	if m.Value == nil {
		return InsufficientData
	}
	return strconv.FormatFloat(*m.Value, 'f', prec, 64)
}

func (m Metric) String() string {
	if m.Value == nil {
		return InsufficientData
	}
	return strconv.FormatFloat(*m.Value, 'g', -1, 64)
}

func (m Metric) MarshalJSON() ([]byte, error) {
	if m.Value == nil {
		return json.Marshal(InsufficientData)
	}
	return json.Marshal(*m.Value)
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "analytics: decode metric")
		}
		if s != InsufficientData {
			return eris.Errorf("analytics: unexpected metric %q", s)
		}
		m.Value = nil
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		m.Value = nil
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "analytics: decode metric")
	}
	m.Value = &v
	return nil
}
