package predictor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/solver"
)

func newTestPredictor(t *testing.T) (*Predictor, *preprocess.Catalog) {
	t.Helper()

	catalog := preprocess.NewCatalog(map[string]struct{}{"A": {}, "B": {}})
	series := map[string]preprocess.Series{
		"A": {Years: []int{2000, 2001, 2002, 2003, 2004}, Values: []float64{10, 20, 30, 40, 50}},
		"B": {Years: []int{2000, 2001, 2002, 2003, 2004}, Values: []float64{100, 200, 300, 400, 500}},
	}
	scaler := scale.Fit(series)

	cfg := forecast.Config{NumEntities: catalog.Len(), EmbedDim: 2, YearHidden: []int{4, 2}, Hidden: 4, Layers: 1}
	adam := solver.AdamConfig{StepSize: 0.01, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999, Batch: 1, Clip: 5.0}
	model, err := forecast.NewModel(cfg, 1, 3, adam.Create())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	p := New(model, scaler, catalog, 200, 42)
	return p, catalog
}

func TestScalerFitMatchesSpecScenario(t *testing.T) {
	series := map[string]preprocess.Series{
		"A": {Years: []int{2000, 2001, 2002, 2003, 2004}, Values: []float64{10, 20, 30, 40, 50}},
		"B": {Years: []int{2000, 2001, 2002, 2003, 2004}, Values: []float64{100, 200, 300, 400, 500}},
	}
	s := scale.Fit(series)
	if got, want := s.Scale("A"), 30.0; got != want {
		t.Fatalf("scale(A) = %v, want %v", got, want)
	}
	if got, want := s.Scale("B"), 300.0; got != want {
		t.Fatalf("scale(B) = %v, want %v", got, want)
	}
}

func TestPredictPointLengthAndNonNegativity(t *testing.T) {
	p, _ := newTestPredictor(t)

	preds, err := p.PredictPoint(context.Background(), "A",
		[]float64{10, 20, 30, 40, 50}, []int{2000, 2001, 2002, 2003, 2004}, 2006)
	if err != nil {
		t.Fatalf("PredictPoint: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("len(preds) = %d, want 2", len(preds))
	}
	for i, v := range preds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("preds[%d] = %v, want finite", i, v)
		}
		if v < 0 {
			t.Fatalf("preds[%d] = %v, want >= 0", i, v)
		}
	}
}

func TestPredictReturnsEmptyWhenTargetNotAfterLastKnownYear(t *testing.T) {
	p, _ := newTestPredictor(t)

	points, err := p.Predict(context.Background(), "A",
		[]float64{10, 20, 30}, []int{2000, 2001, 2002}, 2002, 50)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("len(points) = %d, want 0 for target_year == last_known_year", len(points))
	}
}

func TestPredictSummaryInvariants(t *testing.T) {
	p, _ := newTestPredictor(t)

	points, err := p.Predict(context.Background(), "B",
		[]float64{100, 200, 300, 400, 500}, []int{2000, 2001, 2002, 2003, 2004}, 2006, 500)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}
	for _, pt := range points {
		if !(pt.Lower <= pt.Median && pt.Median <= pt.Upper) {
			t.Fatalf("quantile ordering violated: %+v", pt)
		}
		if pt.Std < 0 {
			t.Fatalf("std < 0: %+v", pt)
		}
		if pt.Mean < 0 || pt.Median < 0 || pt.Lower < 0 {
			t.Fatalf("negative forecast value: %+v", pt)
		}
	}
}

func TestPredictUnknownEntityReturnsDomainError(t *testing.T) {
	p, _ := newTestPredictor(t)

	_, err := p.Predict(context.Background(), "Z", []float64{1, 2, 3}, []int{2000, 2001, 2002}, 2005, 10)
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestPredictIsDeterministicUnderFixedSeed(t *testing.T) {
	p1, _ := newTestPredictor(t)
	p2 := New(p1.model, p1.scaler, p1.catalog, 200, 7)
	p1.seed = 7

	hist := []float64{10, 20, 30, 40, 50}
	years := []int{2000, 2001, 2002, 2003, 2004}

	a, err := p1.Predict(context.Background(), "A", hist, years, 2006, 100)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	b, err := p2.Predict(context.Background(), "A", hist, years, 2006, 100)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic forecast at step %d: %+v != %+v", i, a[i], b[i])
		}
	}
}
