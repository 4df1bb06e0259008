package scale

import (
	"math"
	"testing"

	"github.com/popgrowth/deepar/data/preprocess"
)

func TestFitMeanAbsolute(t *testing.T) {
	series := map[string]preprocess.Series{
		"Canada": {Years: []int{2000, 2001}, Values: []float64{30.0, 32.0}},
	}
	s := Fit(series)
	if got, want := s.Scale("Canada"), 31.0; got != want {
		t.Fatalf("Scale(Canada) = %v, want %v", got, want)
	}
}

func TestFitFloorsNearZeroSeries(t *testing.T) {
	series := map[string]preprocess.Series{
		"Tiny": {Years: []int{2000, 2001}, Values: []float64{0.01, -0.02}},
	}
	s := Fit(series)
	if got := s.Scale("Tiny"); got != minScale {
		t.Fatalf("Scale(Tiny) = %v, want floor %v", got, minScale)
	}
}

func TestScaleUnknownEntityReturnsFloor(t *testing.T) {
	s := Fit(map[string]preprocess.Series{})
	if got := s.Scale("Nowhere"); got != minScale {
		t.Fatalf("Scale(unknown) = %v, want floor %v", got, minScale)
	}
}

func TestTransformRoundTrips(t *testing.T) {
	series := map[string]preprocess.Series{
		"Canada": {Years: []int{2000}, Values: []float64{30.0}},
	}
	s := Fit(series)
	values := []float64{15.5, 31.0, -10.0}

	transformed := s.Transform("Canada", values)
	restored := s.InverseTransform("Canada", transformed)

	for i, v := range values {
		if math.Abs(restored[i]-v) > 1e-9 {
			t.Fatalf("round trip mismatch at %d: got %v, want %v", i, restored[i], v)
		}
	}
}

func TestMarshalBinaryRoundTrip(t *testing.T) {
	series := map[string]preprocess.Series{
		"Canada": {Years: []int{2000, 2001}, Values: []float64{30.0, 32.0}},
		"World":  {Years: []int{2000}, Values: []float64{6000.0}},
	}
	s := Fit(series)

	data, err := s.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var restored Scaler
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	if restored.Scale("Canada") != s.Scale("Canada") || restored.Scale("World") != s.Scale("World") {
		t.Fatalf("restored scaler does not match original: %+v vs %+v", restored, s)
	}
}
