// Package scale implements the per-entity mean-absolute scaling used
// to bring every entity's series onto a comparable numeric range
// before it is fed to the forecast model.
package scale

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/popgrowth/deepar/data/preprocess"
)

// minScale is the floor applied to every entity's scale so that a
// near-constant-zero series does not blow up when transformed.
const minScale = 1.0

// Scaler holds one multiplicative scale per entity.
type Scaler struct {
	scales map[string]float64
}

// Fit computes scale(e) = max(mean(|v| for v in series[e]), minScale)
// for every entity in series.
func Fit(series map[string]preprocess.Series) *Scaler {
	scales := make(map[string]float64, len(series))
	for entity, s := range series {
		if len(s.Values) == 0 {
			scales[entity] = minScale
			continue
		}
		sum := 0.0
		for _, v := range s.Values {
			sum += math.Abs(v)
		}
		mean := sum / float64(len(s.Values))
		if mean < minScale {
			mean = minScale
		}
		scales[entity] = mean
	}
	return &Scaler{scales: scales}
}

// Scale returns the scale factor fit for an entity, or minScale if the
// entity was never seen during Fit.
func (s *Scaler) Scale(entity string) float64 {
	if v, ok := s.scales[entity]; ok {
		return v
	}
	return minScale
}

// Transform divides every value by the entity's scale.
func (s *Scaler) Transform(entity string, values []float64) []float64 {
	scale := s.Scale(entity)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / scale
	}
	return out
}

// InverseTransform multiplies every value by the entity's scale.
func (s *Scaler) InverseTransform(entity string, values []float64) []float64 {
	scale := s.Scale(entity)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v * scale
	}
	return out
}

// gobScaler is the wire format for Scaler, since Scaler's field is
// unexported.
type gobScaler struct {
	Scales map[string]float64
}

// MarshalBinary implements encoding.BinaryMarshaler via gob, so a
// Scaler can be embedded directly in a pipeline artifact bundle.
func (s *Scaler) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobScaler{Scales: s.scales}); err != nil {
		return nil, fmt.Errorf("scaler: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler via gob.
func (s *Scaler) UnmarshalBinary(data []byte) error {
	var g gobScaler
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return fmt.Errorf("scaler: unmarshal: %w", err)
	}
	s.scales = g.Scales
	return nil
}
